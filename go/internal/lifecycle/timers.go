package lifecycle

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// loop is a periodic task owned by the controller. It is created and stopped
// under c.mu so a stopped loop can never run its handler again once the
// handler re-checks state.
type loop struct {
	name   string
	ticker clockwork.Ticker
	done   chan struct{}
}

func (l *loop) stop() {
	l.ticker.Stop()
	close(l.done)
}

// startLoopLocked starts fn every interval. With immediate set, fn also runs
// once right away. Must hold c.mu.
func (c *Controller) startLoopLocked(name string, interval time.Duration, immediate bool, fn func()) *loop {
	l := &loop{
		name:   name,
		ticker: c.clock.NewTicker(interval),
		done:   make(chan struct{}),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if immediate {
			fn()
		}

		for {
			select {
			case <-l.done:
				return
			case <-c.ctx.Done():
				return
			case <-l.ticker.Chan():
				// Stop may have raced with a pending tick
				select {
				case <-l.done:
					return
				default:
				}
				fn()
			}
		}
	}()

	return l
}

func (c *Controller) startPollingLocked() {
	c.stopPollingLocked()
	epoch := c.epoch
	c.poll = c.startLoopLocked("poll", c.config.PollInterval, false, func() {
		c.pollOnce(epoch)
	})
}

func (c *Controller) stopPollingLocked() {
	if c.poll != nil {
		c.poll.stop()
		c.poll = nil
	}
}

func (c *Controller) startActiveLoopsLocked() {
	c.stopActiveLoopsLocked()
	epoch := c.epoch
	c.countdown = c.startLoopLocked("countdown", c.config.TickInterval, false, func() {
		c.onTick(epoch)
	})
	c.heartbeat = c.startLoopLocked("heartbeat", c.config.HeartbeatInterval, true, func() {
		c.sendHeartbeat(epoch)
	})
}

func (c *Controller) stopActiveLoopsLocked() {
	if c.countdown != nil {
		c.countdown.stop()
		c.countdown = nil
	}
	if c.heartbeat != nil {
		c.heartbeat.stop()
		c.heartbeat = nil
	}
}

func (c *Controller) stopAllLoopsLocked() {
	c.stopPollingLocked()
	c.stopActiveLoopsLocked()
}
