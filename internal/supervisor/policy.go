package supervisor

import (
	"sync"
	"time"
)

// RestartPolicy tracks restart attempts inside a sliding window and computes
// the exponential backoff before each attempt. Once the window holds the
// maximum number of attempts, restarts cease: restart storms are reported,
// not retried indefinitely.
type RestartPolicy struct {
	MaxAttempts int
	Window      time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	mu      sync.Mutex
	history []time.Time
}

func NewRestartPolicy(maxAttempts int, window, baseDelay, maxDelay time.Duration) *RestartPolicy {
	if window <= 0 {
		window = time.Hour
	}
	return &RestartPolicy{
		MaxAttempts: maxAttempts,
		Window:      window,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
	}
}

// Record registers a restart attempt and returns its ordinal within the
// current window.
func (p *RestartPolicy) Record(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	p.history = append(p.history, now)
	return len(p.history)
}

// Allowed reports whether another restart may be attempted.
func (p *RestartPolicy) Allowed(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	return len(p.history) < p.MaxAttempts
}

// Count returns the attempts inside the current window.
func (p *RestartPolicy) Count(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(now)
	return len(p.history)
}

// Delay returns the backoff before the attempt-th restart (1-based):
// BaseDelay doubled per prior attempt, capped at MaxDelay.
func (p *RestartPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Reset clears the window after sustained healthy operation.
func (p *RestartPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
}

func (p *RestartPolicy) prune(now time.Time) {
	cutoff := now.Add(-p.Window)
	kept := p.history[:0]
	for _, t := range p.history {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	p.history = kept
}
