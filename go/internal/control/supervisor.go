package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned while the supervisor is between connections.
var ErrNotConnected = errors.New("control channel not connected")

// SupervisorConfig controls redial backoff.
type SupervisorConfig struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnStateChange is called with true after every successful dial and with
	// false whenever the connection drops.
	OnStateChange func(connected bool)
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 15 * time.Second,
	}
}

// Supervisor keeps a control channel open, redialing with exponential
// backoff whenever the socket goes away. It satisfies the same Move, Drop
// and Grab surface as Client.
type Supervisor struct {
	config  Config
	sup     SupervisorConfig
	handler Handler
	clock   clockwork.Clock

	mu     sync.RWMutex
	client *Client

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSupervisor(config Config, sup SupervisorConfig, handler Handler, clock clockwork.Clock) *Supervisor {
	if sup.MinBackoff <= 0 {
		sup.MinBackoff = DefaultSupervisorConfig().MinBackoff
	}
	if sup.MaxBackoff < sup.MinBackoff {
		sup.MaxBackoff = sup.MinBackoff
	}
	return &Supervisor{
		config:  config,
		sup:     sup,
		handler: handler,
		clock:   clock,
		done:    make(chan struct{}),
	}
}

// Start begins dialing in the background. It returns immediately; a failed
// first dial is retried like any later drop.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(ctx)
	})
}

// Close stops redialing and closes the current connection.
func (s *Supervisor) Close() error {
	s.startOnce.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	return nil
}

// Connected reports whether a live connection is held right now.
func (s *Supervisor) Connected() bool {
	return s.current() != nil
}

func (s *Supervisor) Move(ctx context.Context, dir Direction) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Move(ctx, dir)
}

func (s *Supervisor) Drop(ctx context.Context) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Drop(ctx)
}

func (s *Supervisor) Grab(ctx context.Context) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Grab(ctx)
}

func (s *Supervisor) current() *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Supervisor) setClient(c *Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()

	if s.sup.OnStateChange != nil {
		s.sup.OnStateChange(c != nil)
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	backoff := s.sup.MinBackoff
	for {
		client, err := Dial(ctx, s.config, s.handler)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().
				Err(err).
				Dur("retry_in", backoff).
				Int64("machine_id", s.config.MachineID).
				Msg("control channel dial failed")

			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			backoff *= 2
			if backoff > s.sup.MaxBackoff {
				backoff = s.sup.MaxBackoff
			}
			continue
		}

		backoff = s.sup.MinBackoff
		s.setClient(client)

		select {
		case <-ctx.Done():
			client.Close()
			s.setClient(nil)
			return
		case <-client.Done():
			s.setClient(nil)
			log.Warn().Int64("machine_id", s.config.MachineID).Msg("control channel lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.sup.MinBackoff):
		}
	}
}
