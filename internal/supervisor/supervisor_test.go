package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thestingr/ghidrad/internal/middleware"
)

// fakeRuntime counts lifecycle calls and reports health from a flag.
type fakeRuntime struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error

	healthy atomic.Bool
}

func newFakeRuntime() *fakeRuntime {
	rt := &fakeRuntime{}
	rt.healthy.Store(true)
	return rt
}

func (f *fakeRuntime) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeRuntime) Stop(grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRuntime) Checks() map[string]middleware.HealthChecker {
	return map[string]middleware.HealthChecker{
		"runtime": middleware.CheckFunc(func(ctx context.Context) error {
			if f.healthy.Load() {
				return nil
			}
			return errors.New("runtime down")
		}),
	}
}

func (f *fakeRuntime) InFlight() int { return 0 }

func (f *fakeRuntime) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func testSupervisor(rt Runtime, cfg Config) *Supervisor {
	sup := New(cfg, rt, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sup.sleep = func(d time.Duration) bool { return true } // skip restart backoff
	return sup
}

func fastConfig() Config {
	return Config{
		HealthInterval:    10 * time.Millisecond,
		MaxHealthFailures: 3,
		MaxRestarts:       5,
		RestartBaseDelay:  time.Millisecond,
		RestartMaxDelay:   10 * time.Millisecond,
		ShutdownGrace:     time.Second,
	}
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return sup.State() == want },
		5*time.Second, 5*time.Millisecond, "state is %s, want %s", sup.State(), want)
}

func TestRun_StartupFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("port in use")
	sup := testSupervisor(rt, fastConfig())

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sup.State())
}

func TestRun_CleanStop(t *testing.T) {
	rt := newFakeRuntime()
	sup := testSupervisor(rt, fastConfig())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	sup.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, sup.State())

	starts, stops := rt.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	rt := newFakeRuntime()
	sup := testSupervisor(rt, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitForState(t, sup, StateRunning)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, sup.State())
}

// TestHealth_SingleFailureTolerated verifies one failed check does not
// degrade the service, and a healthy check resets the failure streak.
func TestHealth_SingleFailureTolerated(t *testing.T) {
	rt := newFakeRuntime()
	sup := testSupervisor(rt, fastConfig())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	rt.healthy.Store(false)
	require.Eventually(t, func() bool {
		return sup.Status().ConsecutiveFailures >= 1
	}, 5*time.Second, time.Millisecond)
	rt.healthy.Store(true)

	require.Eventually(t, func() bool {
		return sup.Status().ConsecutiveFailures == 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, sup.State())

	_, stops := rt.counts()
	assert.Equal(t, 0, stops, "no restart for a transient failure")
	sup.Stop()
	<-done
}

// TestHealth_DegradedThenRestartThenRecovery drives three consecutive check
// failures, expects an automatic restart, then a healthy check returning the
// service to Running.
func TestHealth_DegradedThenRestartThenRecovery(t *testing.T) {
	rt := newFakeRuntime()
	sup := testSupervisor(rt, fastConfig())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	rt.healthy.Store(false)
	require.Eventually(t, func() bool {
		starts, _ := rt.counts()
		return starts >= 2
	}, 5*time.Second, time.Millisecond, "no auto-restart happened")

	rt.healthy.Store(true)
	waitForState(t, sup, StateRunning)

	_, stops := rt.counts()
	assert.GreaterOrEqual(t, stops, 1, "restart performs a clean stop first")
	assert.GreaterOrEqual(t, sup.Status().RestartAttempts, 1)

	sup.Stop()
	<-done
}

// TestHealth_RestartBudgetExhausted keeps the runtime unhealthy until the
// restart budget runs out and expects a terminal Failed state.
func TestHealth_RestartBudgetExhausted(t *testing.T) {
	rt := newFakeRuntime()
	cfg := fastConfig()
	cfg.MaxRestarts = 2
	sup := testSupervisor(rt, cfg)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	rt.healthy.Store(false)
	waitForState(t, sup, StateFailed)
	require.ErrorIs(t, <-done, ErrFailed, "control loop surfaces the terminal failure")

	starts, stops := rt.counts()
	assert.Equal(t, 1+cfg.MaxRestarts, starts, "initial start plus each budgeted restart")
	assert.Equal(t, starts, stops, "runtime is stopped before the loop exits")
	assert.Equal(t, StateFailed, sup.State(), "Failed is terminal")
}

// TestHealth_FailedRestartStaysDegraded verifies a failing Start during
// restart leaves the service Degraded and retries on the next cycle.
func TestHealth_FailedRestartStaysDegraded(t *testing.T) {
	rt := newFakeRuntime()
	cfg := fastConfig()
	cfg.MaxRestarts = 100 // budget must not run out while the runtime is broken
	sup := testSupervisor(rt, cfg)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	rt.mu.Lock()
	rt.startErr = errors.New("still broken")
	rt.mu.Unlock()
	rt.healthy.Store(false)

	waitForState(t, sup, StateDegraded)
	require.Eventually(t, func() bool {
		starts, _ := rt.counts()
		return starts >= 3 // initial + at least two restart attempts
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateDegraded, sup.State())

	// repair the runtime; the next attempt brings it back
	rt.mu.Lock()
	rt.startErr = nil
	rt.mu.Unlock()
	rt.healthy.Store(true)
	waitForState(t, sup, StateRunning)

	sup.Stop()
	<-done
}

func TestStop_Idempotent(t *testing.T) {
	rt := newFakeRuntime()
	sup := testSupervisor(rt, fastConfig())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()
	waitForState(t, sup, StateRunning)

	sup.Stop()
	sup.Stop()
	require.NoError(t, <-done)

	_, stops := rt.counts()
	assert.Equal(t, 1, stops)
}
