package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/clawplay/go/clients/claw_api_client"
	"github.com/mcdev12/clawplay/go/internal/control"
	"github.com/mcdev12/clawplay/go/internal/events"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func intPtr(v int) *int { return &v }

func eligible(token string) *claw_api_client.QueueStatus {
	return &claw_api_client.QueueStatus{
		Position:   intPtr(1),
		State:      claw_api_client.QueueStateReady,
		CanStart:   true,
		StartToken: token,
	}
}

func waiting(position int) *claw_api_client.QueueStatus {
	return &claw_api_client.QueueStatus{
		Position: intPtr(position),
		State:    claw_api_client.QueueStateWaiting,
	}
}

func notQueued() *claw_api_client.QueueStatus {
	return &claw_api_client.QueueStatus{}
}

func started(id int64, duration int, coins int) *claw_api_client.StartResult {
	return &claw_api_client.StartResult{Session: &claw_api_client.GameSession{
		SessionID:      id,
		DurationSec:    duration,
		RemainingCoins: intPtr(coins),
	}}
}

// fakeBackend scripts QueueAPI and SessionAPI by call number (1-based).
type fakeBackend struct {
	mu sync.Mutex

	statusFn    func(call int) (*claw_api_client.QueueStatus, error)
	statusCalls int

	enterResult *claw_api_client.EnterResult
	enterErr    error
	enterCalls  int

	startFn     func(call int) (*claw_api_client.StartResult, error)
	startCalls  int
	startTokens []string

	endResult  *claw_api_client.EndResult
	endErr     error
	endGate    chan struct{}
	endCalls   int
	endReasons []string
	// endsDelivered counts end requests that reached the backend.
	endsDelivered int

	heartbeats int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		statusFn: func(int) (*claw_api_client.QueueStatus, error) { return notQueued(), nil },
		enterResult: &claw_api_client.EnterResult{
			Position: intPtr(1),
		},
		startFn: func(int) (*claw_api_client.StartResult, error) {
			return started(42, 45, 190), nil
		},
		endResult: &claw_api_client.EndResult{
			Result:         claw_api_client.GameResultFail,
			RemainingCoins: intPtr(190),
		},
	}
}

func (f *fakeBackend) EnterQueue(ctx context.Context, userID string, machineID int64) (*claw_api_client.EnterResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterCalls++
	return f.enterResult, f.enterErr
}

func (f *fakeBackend) CheckStatus(ctx context.Context, userID string, machineID int64) (*claw_api_client.QueueStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	fn := f.statusFn
	f.mu.Unlock()
	return fn(call)
}

func (f *fakeBackend) StartSession(ctx context.Context, req claw_api_client.StartRequest) (*claw_api_client.StartResult, error) {
	f.mu.Lock()
	f.startCalls++
	call := f.startCalls
	f.startTokens = append(f.startTokens, req.StartToken)
	fn := f.startFn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(call)
}

func (f *fakeBackend) EndSession(ctx context.Context, sessionID int64, reason string) (*claw_api_client.EndResult, error) {
	f.mu.Lock()
	f.endCalls++
	f.endReasons = append(f.endReasons, reason)
	gate := f.endGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.endsDelivered++
	if f.endErr != nil {
		return nil, f.endErr
	}
	res := *f.endResult
	res.SessionID = sessionID
	return &res, nil
}

func (f *fakeBackend) Heartbeat(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBackend) counts() (status, enter, start, end, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.enterCalls, f.startCalls, f.endCalls, f.heartbeats
}

func (f *fakeBackend) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endsDelivered
}

func (f *fakeBackend) heartbeatCount() int {
	_, _, _, _, hb := f.counts()
	return hb
}

type fakeControls struct {
	mu    sync.Mutex
	moves []control.Direction
	drops int
	grabs int
}

func (f *fakeControls) Move(ctx context.Context, dir control.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, dir)
	return nil
}

func (f *fakeControls) Drop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
	return nil
}

func (f *fakeControls) Grab(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grabs++
	return nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Envelope
}

func (r *recordingPublisher) Publish(ctx context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

// gatedPublisher blocks every publish until release is closed.
type gatedPublisher struct {
	recordingPublisher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPublisher) Publish(ctx context.Context, env events.Envelope) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.recordingPublisher.Publish(ctx, env)
}

func (r *recordingPublisher) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.got))
	for _, env := range r.got {
		out = append(out, env.EventType)
	}
	return out
}

type harness struct {
	ctrl  *Controller
	api   *fakeBackend
	clock *clockwork.FakeClock
	pub   *recordingPublisher
}

func newHarness(t *testing.T, api *fakeBackend, opts ...Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	pub := &recordingPublisher{}

	config := DefaultConfig()
	config.UserID = "u1"
	config.MachineID = 7

	opts = append([]Option{WithClock(clock), WithPublisher(pub)}, opts...)
	ctrl := New(config, api, api, opts...)
	t.Cleanup(ctrl.Dispose)

	return &harness{ctrl: ctrl, api: api, clock: clock, pub: pub}
}

func (h *harness) state() State {
	return h.ctrl.Snapshot().State
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state() == want }, waitFor, tick, "never reached %s", want)
}

func (h *harness) waitRemaining(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().RemainingSec == want }, waitFor, tick)
}

// activate drives a fresh controller to ACTIVE through the eligible pre-check.
func activate(t *testing.T, api *fakeBackend, duration int, opts ...Option) *harness {
	t.Helper()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return eligible("tok"), nil }
	api.startFn = func(int) (*claw_api_client.StartResult, error) { return started(42, duration, 190), nil }

	h := newHarness(t, api, opts...)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, StateActive, h.state())
	require.Eventually(t, func() bool { return api.heartbeatCount() == 1 }, waitFor, tick)
	return h
}

func TestStart_EnterThenEligible(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(call int) (*claw_api_client.QueueStatus, error) {
		if call == 1 {
			return notQueued(), nil
		}
		return eligible("tok-1"), nil
	}
	h := newHarness(t, api)

	require.NoError(t, h.ctrl.Start(context.Background()))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, int64(42), snap.SessionID)
	assert.Equal(t, 45, snap.RemainingSec)
	require.NotNil(t, snap.Balance)
	assert.Equal(t, 190, *snap.Balance)

	status, enter, start, _, _ := api.counts()
	assert.Equal(t, 2, status)
	assert.Equal(t, 1, enter)
	assert.Equal(t, 1, start)
	assert.Equal(t, []string{"tok-1"}, api.startTokens)

	require.Eventually(t, func() bool { return api.heartbeatCount() == 1 }, waitFor, tick, "first heartbeat should be immediate")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]events.EventType{events.EventTypeQueueJoined, events.EventTypeSessionStarted}, h.pub.types())
	}, waitFor, tick)
}

func TestStart_AlreadyEligibleSkipsQueue(t *testing.T) {
	api := newFakeBackend()
	h := activate(t, api, 45)

	_, enter, start, _, _ := api.counts()
	assert.Equal(t, 0, enter)
	assert.Equal(t, 1, start)
	assert.Equal(t, StateActive, h.state())
}

func TestStart_AlreadyQueuedThenPollPromotes(t *testing.T) {
	api := newFakeBackend()
	api.enterResult = &claw_api_client.EnterResult{AlreadyQueued: true}
	api.statusFn = func(call int) (*claw_api_client.QueueStatus, error) {
		switch call {
		case 1:
			return notQueued(), nil
		case 2:
			return waiting(3), nil
		default:
			return eligible("tok"), nil
		}
	}
	h := newHarness(t, api)

	require.NoError(t, h.ctrl.Start(context.Background()))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateQueued, snap.State)
	require.NotNil(t, snap.Position)
	assert.Equal(t, 3, *snap.Position)
	assert.Equal(t, 2, snap.Ahead)
	assert.Empty(t, snap.Message)

	h.clock.Advance(30 * time.Second)
	h.waitState(t, StateActive)

	status, _, start, _, _ := api.counts()
	assert.Equal(t, 3, status)
	assert.Equal(t, 1, start)
}

func TestStart_OnlyFullyEligibleStatusStarts(t *testing.T) {
	cases := []struct {
		name   string
		status *claw_api_client.QueueStatus
	}{
		{"waiting at head", &claw_api_client.QueueStatus{Position: intPtr(1), State: claw_api_client.QueueStateWaiting, CanStart: true, StartToken: "t"}},
		{"cannot start", &claw_api_client.QueueStatus{Position: intPtr(1), State: claw_api_client.QueueStateReady, StartToken: "t"}},
		{"missing token", &claw_api_client.QueueStatus{Position: intPtr(1), State: claw_api_client.QueueStateReady, CanStart: true}},
		{"not at head", &claw_api_client.QueueStatus{Position: intPtr(2), State: claw_api_client.QueueStateReady, CanStart: true, StartToken: "t"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeBackend()
			api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return tc.status, nil }
			h := newHarness(t, api)

			require.NoError(t, h.ctrl.Start(context.Background()))
			assert.Equal(t, StateQueued, h.state())

			h.clock.Advance(30 * time.Second)
			require.Eventually(t, func() bool {
				status, _, _, _, _ := api.counts()
				return status == 2
			}, waitFor, tick)

			_, enter, start, _, _ := api.counts()
			assert.Equal(t, 0, enter)
			assert.Equal(t, 0, start)
			assert.Equal(t, StateQueued, h.state())
		})
	}
}

func TestStart_RejectedWhileActive(t *testing.T) {
	api := newFakeBackend()
	h := activate(t, api, 45)
	status, _, _, _, _ := api.counts()

	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrSessionActive)

	after, _, start, _, _ := api.counts()
	assert.Equal(t, status, after)
	assert.Equal(t, 1, start)
}

func TestStart_RejectedWhileQueued(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return waiting(4), nil }
	h := newHarness(t, api)

	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrAlreadyQueued)
}

func TestStart_EnterQueueFailure(t *testing.T) {
	api := newFakeBackend()
	api.enterErr = errors.New("dial tcp: refused")
	h := newHarness(t, api)

	assert.Error(t, h.ctrl.Start(context.Background()))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.NotEmpty(t, snap.Message)
}

func TestCountdown_TimeoutEndsSession(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return eligible("tok"), nil }
	api.startFn = func(int) (*claw_api_client.StartResult, error) { return started(42, 3, 190), nil }
	h := newHarness(t, api)
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return api.heartbeatCount() == 1 }, waitFor, tick)

	for want := 2; want >= 1; want-- {
		h.clock.Advance(time.Second)
		h.waitRemaining(t, want)
	}
	h.clock.Advance(time.Second)
	h.waitState(t, StateResult)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, ResultFail, snap.Result)

	_, _, _, end, _ := api.counts()
	assert.Equal(t, 1, end)
	assert.Equal(t, []string{claw_api_client.EndReasonTimeout}, api.endReasons)

	var countdown []int
	for s := range updates {
		if s.State == StateActive {
			countdown = append(countdown, s.RemainingSec)
		}
		if s.State == StateResult {
			break
		}
	}
	require.Equal(t, []int{3, 2, 1}, countdown)
	for i := 1; i < len(countdown); i++ {
		assert.Equal(t, countdown[i-1]-1, countdown[i], "countdown must drop by exactly one per tick")
	}
}

func TestHeartbeat_CadenceAndStopOnEnd(t *testing.T) {
	api := newFakeBackend()
	h := activate(t, api, 60)

	for want := 59; want >= 56; want-- {
		h.clock.Advance(time.Second)
		h.waitRemaining(t, want)
	}
	require.Eventually(t, func() bool { return api.heartbeatCount() == 2 }, waitFor, tick)

	require.NoError(t, h.ctrl.Exit(context.Background()))
	assert.Equal(t, StateResult, h.state())

	h.clock.Advance(8 * time.Second)
	assert.Never(t, func() bool { return api.heartbeatCount() != 2 }, 100*time.Millisecond, tick)
}

func TestEnd_AtMostOnce(t *testing.T) {
	api := newFakeBackend()
	gate := make(chan struct{})
	api.endGate = gate
	h := activate(t, api, 60)

	exitErr := make(chan error, 1)
	go func() { exitErr <- h.ctrl.Exit(context.Background()) }()
	h.waitState(t, StateEnding)

	assert.NoError(t, h.ctrl.Grab(context.Background()))
	assert.NoError(t, h.ctrl.Exit(context.Background()))
	h.clock.Advance(60 * time.Second)

	close(gate)
	require.NoError(t, <-exitErr)
	h.waitState(t, StateResult)

	_, _, _, end, _ := api.counts()
	assert.Equal(t, 1, end)
}

func TestEnd_ConcurrentTriggers(t *testing.T) {
	api := newFakeBackend()
	h := activate(t, api, 60)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = h.ctrl.Exit(context.Background())
			} else {
				_ = h.ctrl.Grab(context.Background())
			}
		}(i)
	}
	wg.Wait()

	h.waitState(t, StateResult)
	_, _, _, end, _ := api.counts()
	assert.Equal(t, 1, end)
}

func TestGrab_EndFailureShowsFail(t *testing.T) {
	api := newFakeBackend()
	api.endErr = errors.New("503 service unavailable")
	controls := &fakeControls{}
	h := activate(t, api, 45, WithControls(controls))

	require.NoError(t, h.ctrl.Grab(context.Background()))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateResult, snap.State)
	assert.Equal(t, ResultFail, snap.Result)
	assert.Equal(t, 1, controls.grabs)
	assert.Equal(t, []string{claw_api_client.EndReasonUserEnd}, api.endReasons)

	require.Eventually(t, func() bool {
		types := h.pub.types()
		return len(types) > 0 && types[len(types)-1] == events.EventTypeSessionEnded
	}, waitFor, tick)
}

func TestExit_SuccessResultAndAcknowledge(t *testing.T) {
	api := newFakeBackend()
	api.endResult = &claw_api_client.EndResult{Result: claw_api_client.GameResultSuccess, RemainingCoins: intPtr(180)}
	h := activate(t, api, 45)

	require.NoError(t, h.ctrl.Exit(context.Background()))
	snap := h.ctrl.Snapshot()
	assert.Equal(t, ResultSuccess, snap.Result)
	require.NotNil(t, snap.Balance)
	assert.Equal(t, 180, *snap.Balance)

	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrResultPending)

	result, err := h.ctrl.Acknowledge()
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, StateIdle, h.state())

	_, err = h.ctrl.Acknowledge()
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestEnd_SurvivesCallerCancel(t *testing.T) {
	for _, tc := range []struct {
		name string
		end  func(*Controller, context.Context) error
	}{
		{"exit", (*Controller).Exit},
		{"grab", (*Controller).Grab},
	} {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeBackend()
			api.endResult = &claw_api_client.EndResult{Result: claw_api_client.GameResultSuccess, RemainingCoins: intPtr(180)}
			h := activate(t, api, 45, WithControls(&fakeControls{}))

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			require.NoError(t, tc.end(h.ctrl, ctx))

			snap := h.ctrl.Snapshot()
			assert.Equal(t, StateResult, snap.State)
			assert.Equal(t, ResultSuccess, snap.Result)
			assert.Equal(t, 1, api.delivered(), "end request must reach the backend")
		})
	}
}

func TestStart_SurvivesCallerCancel(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return eligible("tok"), nil }
	h := newHarness(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.ctrl.Start(ctx))

	assert.Equal(t, StateActive, h.state())
	assert.Equal(t, int64(42), h.ctrl.Snapshot().SessionID)
}

func TestExit_NotActive(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	assert.ErrorIs(t, h.ctrl.Exit(context.Background()), ErrNotActive)
	assert.ErrorIs(t, h.ctrl.Grab(context.Background()), ErrNotActive)
}

func TestStartRejected_StillQueuedResumesPolling(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return eligible("tok"), nil }
	api.startFn = func(call int) (*claw_api_client.StartResult, error) {
		if call == 1 {
			return &claw_api_client.StartResult{Rejection: &claw_api_client.Rejection{
				Reason:         "insufficient coins",
				RemainingCoins: intPtr(0),
				StillQueued:    true,
			}}, nil
		}
		return started(43, 45, 0), nil
	}
	h := newHarness(t, api)

	err := h.ctrl.Start(context.Background())
	var rejected *StartRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.StillQueued)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateQueued, snap.State)
	assert.Equal(t, "insufficient coins", snap.Message)
	require.NotNil(t, snap.Balance)
	assert.Equal(t, 0, *snap.Balance)

	h.clock.Advance(30 * time.Second)
	h.waitState(t, StateActive)
	assert.Equal(t, int64(43), h.ctrl.Snapshot().SessionID)
}

func TestStartRejected_NotQueuedGoesIdle(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return eligible("tok"), nil }
	api.startFn = func(int) (*claw_api_client.StartResult, error) {
		return &claw_api_client.StartResult{Rejection: &claw_api_client.Rejection{Reason: "machine offline"}}, nil
	}
	h := newHarness(t, api)

	err := h.ctrl.Start(context.Background())
	var rejected *StartRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.False(t, rejected.StillQueued)
	assert.Equal(t, StateIdle, h.state())

	require.Eventually(t, func() bool {
		types := h.pub.types()
		return len(types) == 1 && types[0] == events.EventTypeSessionStartRejected
	}, waitFor, tick)
}

func TestStart_MissingSessionIDGoesIdle(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return eligible("tok"), nil }
	api.startFn = func(int) (*claw_api_client.StartResult, error) {
		return nil, claw_api_client.ErrMissingSessionID
	}
	h := newHarness(t, api)

	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrMissingSessionID)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.NotEmpty(t, snap.Message)
	assert.Zero(t, snap.SessionID)
}

func TestStart_FallbackDuration(t *testing.T) {
	api := newFakeBackend()
	h := activate(t, api, 0)
	assert.Equal(t, 30, h.ctrl.Snapshot().RemainingSec)
}

func TestPoll_RemovedFromQueue(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(call int) (*claw_api_client.QueueStatus, error) {
		switch call {
		case 1:
			return notQueued(), nil
		case 2:
			return waiting(2), nil
		default:
			return notQueued(), nil
		}
	}
	h := newHarness(t, api)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Equal(t, StateQueued, h.state())

	h.clock.Advance(30 * time.Second)
	h.waitState(t, StateIdle)
	assert.NotEmpty(t, h.ctrl.Snapshot().Message)
}

func TestPoll_FailuresAreSuppressed(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(call int) (*claw_api_client.QueueStatus, error) {
		switch call {
		case 1:
			return notQueued(), nil
		case 2:
			return waiting(2), nil
		default:
			return nil, errors.New("network down")
		}
	}
	h := newHarness(t, api)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		status, _, _, _, _ := api.counts()
		return status == 3
	}, waitFor, tick)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, StateQueued, snap.State)
	assert.Empty(t, snap.Message)
}

func TestPoll_StaleResponseIgnored(t *testing.T) {
	api := newFakeBackend()
	release := make(chan struct{})
	api.statusFn = func(call int) (*claw_api_client.QueueStatus, error) {
		switch call {
		case 1:
			return notQueued(), nil
		case 2:
			return waiting(2), nil
		default:
			<-release
			return eligible("late"), nil
		}
	}
	h := newHarness(t, api)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		status, _, _, _, _ := api.counts()
		return status == 3
	}, waitFor, tick)

	require.NoError(t, h.ctrl.LeaveQueue())
	close(release)

	assert.Never(t, func() bool {
		_, _, start, _, _ := api.counts()
		return start > 0
	}, 100*time.Millisecond, tick)
	assert.Equal(t, StateIdle, h.state())
}

func TestLeaveQueue(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return waiting(5), nil }
	h := newHarness(t, api)

	assert.ErrorIs(t, h.ctrl.LeaveQueue(), ErrNotQueued)
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.LeaveQueue())
	assert.Equal(t, StateIdle, h.state())

	status, _, _, _, _ := api.counts()
	h.clock.Advance(time.Minute)
	assert.Never(t, func() bool {
		after, _, _, _, _ := api.counts()
		return after != status
	}, 100*time.Millisecond, tick)
}

func TestMoveAndDrop(t *testing.T) {
	t.Run("requires active session", func(t *testing.T) {
		h := newHarness(t, newFakeBackend(), WithControls(&fakeControls{}))
		assert.ErrorIs(t, h.ctrl.Move(context.Background(), control.DirectionLeft), ErrNotActive)
		assert.ErrorIs(t, h.ctrl.Drop(context.Background()), ErrNotActive)
	})

	t.Run("forwards to controls", func(t *testing.T) {
		controls := &fakeControls{}
		h := activate(t, newFakeBackend(), 45, WithControls(controls))

		require.NoError(t, h.ctrl.Move(context.Background(), control.DirectionLeft))
		require.NoError(t, h.ctrl.Drop(context.Background()))
		assert.Equal(t, []control.Direction{control.DirectionLeft}, controls.moves)
		assert.Equal(t, 1, controls.drops)
	})

	t.Run("without controls", func(t *testing.T) {
		h := activate(t, newFakeBackend(), 45)
		assert.ErrorIs(t, h.ctrl.Move(context.Background(), control.DirectionUp), ErrNoControls)
	})
}

func TestEvents_PublishedOncePerTransition(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(call int) (*claw_api_client.QueueStatus, error) {
		if call == 1 {
			return notQueued(), nil
		}
		return eligible("tok"), nil
	}
	h := newHarness(t, api)

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Exit(context.Background()))

	want := []events.EventType{
		events.EventTypeQueueJoined,
		events.EventTypeSessionStarted,
		events.EventTypeSessionEnded,
	}
	require.Eventually(t, func() bool { return len(h.pub.types()) == len(want) }, waitFor, tick)
	assert.Equal(t, want, h.pub.types())
}

func TestSubscribe(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return waiting(2), nil }
	h := newHarness(t, api, WithInitialBalance(50))

	updates, unsubscribe := h.ctrl.Subscribe()
	first := <-updates
	assert.Equal(t, StateIdle, first.State)
	require.NotNil(t, first.Balance)
	assert.Equal(t, 50, *first.Balance)

	require.NoError(t, h.ctrl.Start(context.Background()))

	select {
	case snap := <-updates:
		assert.Equal(t, StateQueued, snap.State)
	case <-time.After(waitFor):
		t.Fatal("no snapshot after start")
	}

	unsubscribe()
	unsubscribe()
}

func TestSubscribe_NoStaleReplay(t *testing.T) {
	api := newFakeBackend()
	pub := newGatedPublisher()
	h := activate(t, api, 45, WithPublisher(pub))

	// The dispatcher is stuck publishing session.started, so the ACTIVE
	// snapshot behind it has not been broadcast yet.
	<-pub.entered
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	require.NoError(t, h.ctrl.Exit(context.Background()))
	close(pub.release)

	var states []State
	for s := range updates {
		states = append(states, s.State)
		if s.State == StateResult {
			break
		}
	}
	assert.Equal(t, []State{StateActive, StateEnding, StateResult}, states)
}

func TestDispose_FlushesQueuedEvents(t *testing.T) {
	api := newFakeBackend()
	pub := newGatedPublisher()
	h := activate(t, api, 45, WithPublisher(pub))

	<-pub.entered
	require.NoError(t, h.ctrl.Exit(context.Background()))

	disposed := make(chan struct{})
	go func() {
		h.ctrl.Dispose()
		close(disposed)
	}()

	// Dispose is now waiting on the drain timeout with events still queued.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	close(pub.release)

	select {
	case <-disposed:
	case <-time.After(waitFor):
		t.Fatal("dispose did not return")
	}
	assert.Equal(t, []events.EventType{events.EventTypeSessionStarted, events.EventTypeSessionEnded}, pub.types())
}

func TestSetControlsConnected(t *testing.T) {
	h := newHarness(t, newFakeBackend())
	updates, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()
	assert.False(t, (<-updates).ControlsConnected)

	h.ctrl.SetControlsConnected(true)
	h.ctrl.SetControlsConnected(true)

	select {
	case snap := <-updates:
		assert.True(t, snap.ControlsConnected)
	case <-time.After(waitFor):
		t.Fatal("no snapshot after connect")
	}
	assert.True(t, h.ctrl.Snapshot().ControlsConnected)
	assert.Never(t, func() bool { return len(updates) > 0 }, 50*time.Millisecond, tick, "unchanged flag must not notify")
}

func TestDispose_StopsEverything(t *testing.T) {
	api := newFakeBackend()
	api.statusFn = func(int) (*claw_api_client.QueueStatus, error) { return waiting(2), nil }
	h := newHarness(t, api)
	require.NoError(t, h.ctrl.Start(context.Background()))

	status, _, _, _, _ := api.counts()
	h.ctrl.Dispose()
	h.clock.Advance(time.Minute)

	after, _, _, _, _ := api.counts()
	assert.Equal(t, status, after)
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrDisposed)

	updates, _ := h.ctrl.Subscribe()
	_, open := <-updates
	assert.True(t, open, "initial snapshot is still delivered")
	_, open = <-updates
	assert.False(t, open)
}

func TestSuppressed(t *testing.T) {
	base := errors.New("timeout")
	err := Suppressed("heartbeat", base)

	assert.True(t, IsSuppressed(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsSuppressed(base))
	assert.Nil(t, Suppressed("poll", nil))
}
