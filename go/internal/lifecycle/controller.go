package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/clients/claw_api_client"
	"github.com/mcdev12/clawplay/go/internal/control"
	"github.com/mcdev12/clawplay/go/internal/events"
)

// QueueAPI is the queue half of the backend.
type QueueAPI interface {
	EnterQueue(ctx context.Context, userID string, machineID int64) (*claw_api_client.EnterResult, error)
	CheckStatus(ctx context.Context, userID string, machineID int64) (*claw_api_client.QueueStatus, error)
}

// SessionAPI is the session half of the backend.
type SessionAPI interface {
	StartSession(ctx context.Context, req claw_api_client.StartRequest) (*claw_api_client.StartResult, error)
	EndSession(ctx context.Context, sessionID int64, reason string) (*claw_api_client.EndResult, error)
	Heartbeat(ctx context.Context, sessionID int64) error
}

// Controls drives the claw during an active session.
type Controls interface {
	Move(ctx context.Context, dir control.Direction) error
	Drop(ctx context.Context) error
	Grab(ctx context.Context) error
}

// Config holds the controller's identity and timings.
type Config struct {
	UserID              string
	MachineID           int64
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	TickInterval        time.Duration
	FallbackDurationSec int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:        30 * time.Second,
		HeartbeatInterval:   4 * time.Second,
		TickInterval:        time.Second,
		FallbackDurationSec: 30,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock driving polling, countdown and heartbeat.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithControls attaches the claw control channel.
func WithControls(controls Controls) Option {
	return func(c *Controller) { c.controls = controls }
}

// WithInitialBalance seeds the balance shown before the first server reply.
func WithInitialBalance(balance int) Option {
	return func(c *Controller) {
		b := balance
		c.balance = &b
	}
}

type notification struct {
	seq      uint64
	snapshot Snapshot
	event    *events.Envelope
}

// drainTimeout bounds how long Dispose waits for queued events to publish.
const drainTimeout = 5 * time.Second

// Controller runs the queue and session lifecycle for one user and machine.
// All state lives behind mu. Every transition bumps epoch, and any network
// response captured under an older epoch is dropped.
type Controller struct {
	config    Config
	queue     QueueAPI
	sessions  SessionAPI
	controls  Controls
	publisher events.Publisher
	clock     clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	epoch      uint64
	starting   bool
	ending     bool
	disposed   bool
	position   *int
	startToken string
	session    *activeSession
	remaining  int
	balance    *int
	result     Result
	message    string
	updatedAt  time.Time

	controlsConnected bool

	poll      *loop
	countdown *loop
	heartbeat *loop

	notifyCh     chan notification
	seq          uint64
	stopDispatch chan struct{}
	dispatched   chan struct{}

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	ch chan Snapshot
	// since is the last notification already reflected in the
	// subscriber's initial snapshot.
	since uint64
}

// New builds an idle controller. Call Dispose when done.
func New(config Config, queue QueueAPI, sessions SessionAPI, opts ...Option) *Controller {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.FallbackDurationSec <= 0 {
		config.FallbackDurationSec = defaults.FallbackDurationSec
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:    config,
		queue:     queue,
		sessions:  sessions,
		publisher: events.NoOpPublisher{},
		clock:     clockwork.NewRealClock(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		notifyCh:  make(chan notification, 256),
		subs:      make(map[int]*subscriber),

		stopDispatch: make(chan struct{}),
		dispatched:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.updatedAt = c.clock.Now()

	go c.dispatch()

	return c
}

// Dispose stops every timer and drops any in-flight response. Safe to call
// more than once.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.epoch++
	c.stopAllLoopsLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	// Loops are gone, so whatever they queued is already in notifyCh.
	close(c.stopDispatch)
	select {
	case <-c.dispatched:
	case <-c.clock.After(drainTimeout):
		log.Warn().Msg("timed out publishing queued lifecycle events")
	}

	c.subsMu.Lock()
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	log.Info().
		Str("user_id", c.config.UserID).
		Int64("machine_id", c.config.MachineID).
		Msg("lifecycle controller disposed")
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every change,
// starting with the current one. Slow readers miss intermediate snapshots.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	c.mu.Lock()
	ch <- c.snapshotLocked()
	if c.disposed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = &subscriber{ch: ch, since: c.seq}
	c.subsMu.Unlock()
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.subsMu.Lock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub.ch)
			}
			c.subsMu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Start joins the queue, or starts a session straight away when the server
// says the user is already eligible.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkStartableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.starting = true
	c.message = ""
	epoch := c.epoch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	ctx, cancel := c.detach(ctx)
	defer cancel()

	status, err := c.queue.CheckStatus(ctx, c.config.UserID, c.config.MachineID)
	if err != nil {
		log.Warn().Err(Suppressed("pre-start status check", err)).Msg("status check failed, joining queue")
	} else if status.InQueue() {
		return c.applyStatus(ctx, epoch, status)
	}

	entered, err := c.queue.EnterQueue(ctx, c.config.UserID, c.config.MachineID)
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.message = userMessage(err)
			c.notifyLocked("", nil)
		}
		c.mu.Unlock()
		log.Error().Err(err).Str("user_id", c.config.UserID).Msg("failed to enter queue")
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch || c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.position = entered.Position
	c.transitionLocked(StateQueued)
	c.startPollingLocked()
	c.notifyLocked(events.EventTypeQueueJoined, events.QueueJoinedPayload{
		Position:      entered.Position,
		AlreadyQueued: entered.AlreadyQueued,
	})
	epoch = c.epoch
	c.mu.Unlock()

	status, err = c.queue.CheckStatus(ctx, c.config.UserID, c.config.MachineID)
	if err != nil {
		// The poll loop retries.
		log.Warn().Err(Suppressed("status check", err)).Msg("status check after joining failed")
		return nil
	}
	return c.applyStatus(ctx, epoch, status)
}

// detach keeps the caller's values but swaps its cancellation for the
// controller's lifetime. Once a start token is spent or a session is ending,
// the backend call must complete even if the caller walks away.
func (c *Controller) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Controller) checkStartableLocked() error {
	if c.disposed {
		return ErrDisposed
	}
	if c.starting {
		return ErrBusy
	}
	switch c.state {
	case StateActive, StateEnding:
		return ErrSessionActive
	case StateQueued, StateReady:
		return ErrAlreadyQueued
	case StateResult:
		return ErrResultPending
	}
	return nil
}

// LeaveQueue stops waiting locally and returns to IDLE.
func (c *Controller) LeaveQueue() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateQueued {
		return ErrNotQueued
	}
	c.stopPollingLocked()
	c.position = nil
	c.transitionLocked(StateIdle)
	c.notifyLocked(events.EventTypeQueueRemoved, events.QueueRemovedPayload{Reason: "left"})
	return nil
}

// Exit ends the active session on the user's request. A second trigger while
// ending is a no-op.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateEnding {
		c.mu.Unlock()
		return nil
	}
	sessionID, ok := c.beginEndLocked(claw_api_client.EndReasonUserEnd)
	c.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	ctx, cancel := c.detach(ctx)
	defer cancel()
	c.finishEnd(ctx, sessionID, claw_api_client.EndReasonUserEnd)
	return nil
}

// Grab closes the claw and ends the session.
func (c *Controller) Grab(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateEnding {
		c.mu.Unlock()
		return nil
	}
	sessionID, ok := c.beginEndLocked(claw_api_client.EndReasonUserEnd)
	c.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	ctx, cancel := c.detach(ctx)
	defer cancel()
	if c.controls != nil {
		if err := c.controls.Grab(ctx); err != nil {
			log.Warn().Err(err).Int64("session_id", sessionID).Msg("failed to send grab command")
		}
	}

	c.finishEnd(ctx, sessionID, claw_api_client.EndReasonUserEnd)
	return nil
}

// Move nudges the claw while the session is active.
func (c *Controller) Move(ctx context.Context, dir control.Direction) error {
	if err := c.checkControllable(); err != nil {
		return err
	}
	return c.controls.Move(ctx, dir)
}

// Drop lowers the claw while the session is active.
func (c *Controller) Drop(ctx context.Context) error {
	if err := c.checkControllable(); err != nil {
		return err
	}
	return c.controls.Drop(ctx)
}

func (c *Controller) checkControllable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.ending {
		return ErrNotActive
	}
	if c.controls == nil {
		return ErrNoControls
	}
	return nil
}

// SetControlsConnected records whether the claw control channel is up so
// the UI can grey out its controls.
func (c *Controller) SetControlsConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controlsConnected == connected || c.disposed {
		return
	}
	c.controlsConnected = connected
	c.notifyLocked("", nil)
}

// Acknowledge dismisses the result screen and returns to IDLE.
func (c *Controller) Acknowledge() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateResult {
		return ResultNone, ErrNoResult
	}
	result := c.result
	c.result = ResultNone
	c.transitionLocked(StateIdle)
	c.notifyLocked("", nil)
	return result, nil
}

func (c *Controller) pollOnce(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateQueued {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	status, err := c.queue.CheckStatus(c.ctx, c.config.UserID, c.config.MachineID)
	if err != nil {
		log.Warn().
			Err(Suppressed("queue poll", err)).
			Str("user_id", c.config.UserID).
			Int64("machine_id", c.config.MachineID).
			Msg("queue poll failed")
		return
	}

	if err := c.applyStatus(c.ctx, epoch, status); err != nil {
		log.Info().Err(err).Msg("queue poll outcome")
	}
}

// applyStatus moves the controller according to a status captured at epoch.
func (c *Controller) applyStatus(ctx context.Context, epoch uint64, status *claw_api_client.QueueStatus) error {
	c.mu.Lock()
	if c.epoch != epoch || c.disposed {
		c.mu.Unlock()
		log.Debug().Uint64("epoch", epoch).Msg("dropping stale status response")
		return nil
	}

	switch {
	case status.Eligible():
		c.stopPollingLocked()
		c.position = status.Position
		c.startToken = status.StartToken
		c.transitionLocked(StateReady)
		c.notifyLocked("", nil)
		epoch = c.epoch
		token := status.StartToken
		c.mu.Unlock()
		return c.startSession(ctx, epoch, token)

	case status.InQueue():
		changed := c.position == nil || *c.position != *status.Position
		c.position = status.Position
		if c.state != StateQueued {
			c.transitionLocked(StateQueued)
			c.startPollingLocked()
			c.notifyLocked(events.EventTypeQueueJoined, events.QueueJoinedPayload{
				Position:      status.Position,
				AlreadyQueued: true,
			})
		} else if changed {
			c.notifyLocked(events.EventTypeQueuePosition, events.QueuePositionPayload{
				Position: *status.Position,
				Ahead:    status.Ahead(),
			})
		}
		c.mu.Unlock()
		return nil

	default:
		if c.state == StateQueued {
			c.stopPollingLocked()
			c.position = nil
			c.transitionLocked(StateIdle)
			c.message = userMessage(ErrRemovedFromQueue)
			c.notifyLocked(events.EventTypeQueueRemoved, events.QueueRemovedPayload{Reason: "server"})
		}
		c.mu.Unlock()
		return ErrRemovedFromQueue
	}
}

func (c *Controller) startSession(ctx context.Context, epoch uint64, token string) error {
	res, err := c.sessions.StartSession(ctx, claw_api_client.StartRequest{
		UserID:     c.config.UserID,
		MachineID:  c.config.MachineID,
		StartToken: token,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch || c.disposed {
		return ErrDisposed
	}
	c.startToken = ""

	if err != nil {
		c.position = nil
		c.transitionLocked(StateIdle)
		c.message = userMessage(err)
		c.notifyLocked("", nil)
		log.Error().Err(err).Str("user_id", c.config.UserID).Msg("failed to start game session")
		return err
	}

	if res.Rejection != nil {
		rej := res.Rejection
		c.setBalanceLocked(rej.RemainingCoins)
		rejected := &StartRejectedError{Reason: rej.Reason, StillQueued: rej.StillQueued}
		if rej.StillQueued {
			c.transitionLocked(StateQueued)
			c.startPollingLocked()
		} else {
			c.position = nil
			c.transitionLocked(StateIdle)
		}
		c.message = userMessage(rejected)
		c.notifyLocked(events.EventTypeSessionStartRejected, events.SessionStartRejectedPayload{
			Reason:         rej.Reason,
			RemainingCoins: rej.RemainingCoins,
			StillQueued:    rej.StillQueued,
		})
		log.Warn().
			Str("reason", rej.Reason).
			Bool("still_queued", rej.StillQueued).
			Msg("game start rejected")
		return rejected
	}

	s := res.Session
	duration := s.DurationSec
	if duration <= 0 {
		duration = c.config.FallbackDurationSec
	}
	c.setBalanceLocked(s.RemainingCoins)
	c.position = nil
	c.session = &activeSession{
		id:        s.SessionID,
		duration:  duration,
		startedAt: c.clock.Now(),
	}
	c.remaining = duration
	c.ending = false
	c.transitionLocked(StateActive)
	c.startActiveLoopsLocked()
	c.notifyLocked(events.EventTypeSessionStarted, events.SessionStartedPayload{
		SessionID:      s.SessionID,
		DurationSec:    duration,
		RemainingCoins: s.RemainingCoins,
		StartedAt:      c.session.startedAt,
	})

	log.Info().
		Int64("session_id", s.SessionID).
		Int("duration_sec", duration).
		Msg("game session started")
	return nil
}

func (c *Controller) onTick(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 {
		c.notifyLocked("", nil)
		c.mu.Unlock()
		return
	}
	sessionID, ok := c.beginEndLocked(claw_api_client.EndReasonTimeout)
	c.mu.Unlock()

	if ok {
		c.finishEnd(c.ctx, sessionID, claw_api_client.EndReasonTimeout)
	}
}

func (c *Controller) sendHeartbeat(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateActive || c.session == nil {
		c.mu.Unlock()
		return
	}
	sessionID := c.session.id
	c.mu.Unlock()

	if err := c.sessions.Heartbeat(c.ctx, sessionID); err != nil {
		log.Warn().
			Err(Suppressed("heartbeat", err)).
			Int64("session_id", sessionID).
			Msg("heartbeat failed")
	}
}

// beginEndLocked claims the single end of the active session. Countdown and
// heartbeat stop here, before any network call.
func (c *Controller) beginEndLocked(reason string) (int64, bool) {
	if c.state != StateActive || c.ending || c.session == nil {
		return 0, false
	}
	c.ending = true
	c.stopActiveLoopsLocked()
	c.transitionLocked(StateEnding)
	c.notifyLocked("", nil)
	return c.session.id, true
}

// finishEnd reports the end and always lands in RESULT. A failed report is
// shown as FAIL.
func (c *Controller) finishEnd(ctx context.Context, sessionID int64, reason string) {
	res, err := c.sessions.EndSession(ctx, sessionID, reason)

	c.mu.Lock()
	defer c.mu.Unlock()

	result := ResultFail
	var remaining *int
	if err != nil {
		log.Error().
			Err(err).
			Int64("session_id", sessionID).
			Str("reason", reason).
			Msg("failed to end game session, showing FAIL")
	} else {
		result = Result(res.Result)
		remaining = res.RemainingCoins
		c.setBalanceLocked(remaining)
	}

	c.session = nil
	c.remaining = 0
	c.ending = false
	c.result = result
	c.transitionLocked(StateResult)
	c.notifyLocked(events.EventTypeSessionEnded, events.SessionEndedPayload{
		SessionID:      sessionID,
		Reason:         reason,
		Result:         string(result),
		EndFailed:      err != nil,
		RemainingCoins: remaining,
		EndedAt:        c.clock.Now(),
	})

	log.Info().
		Int64("session_id", sessionID).
		Str("reason", reason).
		Str("result", string(result)).
		Msg("game session ended")
}

func (c *Controller) transitionLocked(to State) {
	from := c.state
	c.state = to
	c.epoch++
	c.updatedAt = c.clock.Now()
	log.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Uint64("epoch", c.epoch).
		Msg("lifecycle transition")
}

func (c *Controller) setBalanceLocked(balance *int) {
	if balance == nil {
		return
	}
	b := *balance
	c.balance = &b
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     c.state,
		UserID:    c.config.UserID,
		MachineID: c.config.MachineID,
		Result:    c.result,
		Message:   c.message,
		UpdatedAt: c.updatedAt,

		ControlsConnected: c.controlsConnected,
	}
	if c.position != nil {
		p := *c.position
		snap.Position = &p
		if p > 1 {
			snap.Ahead = p - 1
		}
	}
	if c.session != nil {
		snap.SessionID = c.session.id
		snap.DurationSec = c.session.duration
		snap.RemainingSec = c.remaining
	}
	if c.balance != nil {
		b := *c.balance
		snap.Balance = &b
	}
	return snap
}

// notifyLocked queues a snapshot, plus an event when eventType is set, for
// the dispatcher. Must hold c.mu.
func (c *Controller) notifyLocked(eventType events.EventType, payload interface{}) {
	c.seq++
	n := notification{seq: c.seq, snapshot: c.snapshotLocked()}
	if eventType != "" {
		env, err := events.NewEnvelope(eventType, c.config.UserID, c.config.MachineID, c.clock.Now(), payload)
		if err != nil {
			log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		} else {
			n.event = &env
		}
	}

	select {
	case c.notifyCh <- n:
	default:
		log.Warn().Str("state", string(c.state)).Msg("notification channel full, dropping")
	}
}

func (c *Controller) dispatch() {
	defer close(c.dispatched)

	// Publishing must outlive c.ctx so the final events still go out
	// during Dispose. Dispose stops waiting after drainTimeout.
	pubCtx := context.WithoutCancel(c.ctx)
	for {
		select {
		case n := <-c.notifyCh:
			c.deliver(pubCtx, n)
		case <-c.stopDispatch:
			for {
				select {
				case n := <-c.notifyCh:
					c.deliver(pubCtx, n)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) deliver(ctx context.Context, n notification) {
	if n.event != nil {
		if err := c.publisher.Publish(ctx, *n.event); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().
				Err(err).
				Str("event_type", string(n.event.EventType)).
				Msg("failed to publish lifecycle event")
		}
	}
	c.broadcast(n)
}

func (c *Controller) broadcast(n notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		if n.seq <= sub.since {
			continue
		}
		select {
		case sub.ch <- n.snapshot:
		default:
		}
	}
}
