// Package supervisor owns the service lifecycle: it starts and stops the
// dispatcher/orchestrator pair, runs the periodic health-check loop, and
// performs bounded auto-restart with backoff when consecutive checks fail.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thestingr/ghidrad/internal/middleware"
)

// ErrFailed is returned by Run when the restart budget is exhausted and the
// service has entered the terminal Failed state.
var ErrFailed = errors.New("supervisor: restart budget exhausted, service failed")

// Runtime is the supervised unit: the dispatcher/orchestrator pair plus
// whatever checks they expose. The supervisor never reaches into their
// internals; it only starts, stops, and health-checks them.
type Runtime interface {
	Start(ctx context.Context) error
	// Stop shuts the pair down cleanly, cancelling in-flight requests with
	// the grace period and releasing all held project locks.
	Stop(grace time.Duration)
	Checks() map[string]middleware.HealthChecker
	InFlight() int
}

type Config struct {
	HealthInterval    time.Duration
	MaxHealthFailures int
	MaxRestarts       int
	RestartBaseDelay  time.Duration
	RestartMaxDelay   time.Duration
	RestartWindow     time.Duration
	ShutdownGrace     time.Duration
}

// Supervisor is the process-wide lifecycle singleton. State is mutated only
// by the control loop under one mutex; readers get copies via Status().
type Supervisor struct {
	cfg     Config
	runtime Runtime
	policy  *RestartPolicy
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	consecutive int
	lastCheck   time.Time
	lastHealthy time.Time
	startedAt   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// sleep is swapped by tests to skip real backoff waits
	sleep func(d time.Duration) bool
}

func New(cfg Config, rt Runtime, logger *slog.Logger) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if cfg.MaxHealthFailures <= 0 {
		cfg.MaxHealthFailures = 3
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartBaseDelay <= 0 {
		cfg.RestartBaseDelay = 30 * time.Second
	}
	if cfg.RestartMaxDelay <= 0 {
		cfg.RestartMaxDelay = 5 * time.Minute
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Hour
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		runtime: rt,
		policy: NewRestartPolicy(cfg.MaxRestarts, cfg.RestartWindow,
			cfg.RestartBaseDelay, cfg.RestartMaxDelay),
		logger: logger,
		state:  StateStopped,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.sleep = s.interruptibleSleep
	return s
}

// Run starts the runtime and blocks in the health-check loop until Stop is
// called or the service fails permanently. Returns nil on clean stop and
// the startup/terminal error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)
	if err := s.runtime.Start(ctx); err != nil {
		s.setState(StateFailed)
		s.logger.Error("startup failed", "error", err)
		close(s.done)
		return err
	}
	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("service running")

	defer close(s.done)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.shutdown()
			return nil
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			if !s.healthCycle(ctx) {
				// terminal Failed state; the runtime is already stopped
				return ErrFailed
			}
		}
	}
}

// healthCycle runs one round of checks and drives the Running/Degraded
// transitions. Returns false once the service is Failed.
func (s *Supervisor) healthCycle(ctx context.Context) bool {
	status := middleware.RunChecks(ctx, s.runtime.Checks())
	healthy := status.Status == "healthy"
	now := time.Now()

	s.mu.Lock()
	s.lastCheck = now
	state := s.state
	if healthy {
		s.consecutive = 0
		s.lastHealthy = now
		if state == StateDegraded {
			// recovered under the restart budget
			s.state = StateRunning
			s.mu.Unlock()
			s.logger.Info("health restored, service running")
			return true
		}
		s.mu.Unlock()
		return true
	}

	s.consecutive++
	consecutive := s.consecutive
	s.mu.Unlock()

	for name, check := range status.Checks {
		if check.Status != "healthy" {
			s.logger.Warn("health check failed",
				"check", name, "message", check.Message, "consecutive", consecutive)
		}
	}
	if consecutive < s.cfg.MaxHealthFailures && state != StateDegraded {
		return true
	}

	s.setState(StateDegraded)
	return s.attemptRestart(ctx)
}

// attemptRestart performs one bounded restart: clean stop, backoff, start.
// Exceeding the attempt budget moves the service to Failed and stops the
// auto-restart machinery for good.
func (s *Supervisor) attemptRestart(ctx context.Context) bool {
	now := time.Now()
	if !s.policy.Allowed(now) {
		s.setState(StateFailed)
		s.logger.Error("restart budget exhausted, service failed",
			"attempts", s.policy.Count(now), "window", s.cfg.RestartWindow)
		s.runtime.Stop(s.cfg.ShutdownGrace)
		return false
	}
	attempt := s.policy.Record(now)
	delay := s.policy.Delay(attempt)
	s.logger.Warn("auto-restart", "attempt", attempt, "backoff", delay)

	s.runtime.Stop(s.cfg.ShutdownGrace)
	if !s.sleep(delay) {
		return true // stop requested during backoff; Run loop will shut down
	}
	if err := s.runtime.Start(ctx); err != nil {
		s.logger.Error("restart failed", "attempt", attempt, "error", err)
		// stay Degraded; the next failing health cycle tries again
		return true
	}
	s.mu.Lock()
	s.consecutive = 0
	s.mu.Unlock()
	s.logger.Info("restart complete", "attempt", attempt)
	return true
}

func (s *Supervisor) shutdown() {
	s.setState(StateStopping)
	s.logger.Info("service stopping")
	s.runtime.Stop(s.cfg.ShutdownGrace)
	s.setState(StateStopped)
	s.logger.Info("service stopped")
}

// Stop requests a clean shutdown and waits for the control loop to finish.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Status returns a copy of the lifecycle snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:               s.state,
		ConsecutiveFailures: s.consecutive,
		RestartAttempts:     s.policy.Count(time.Now()),
		LastHealthCheck:     s.lastCheck,
		LastHealthy:         s.lastHealthy,
		InFlight:            s.runtime.InFlight(),
		StartedAt:           s.startedAt,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) interruptibleSleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}
