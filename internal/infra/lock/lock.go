// Package lock implements per-project mutual exclusion for the analysis
// engine's on-disk project databases. Exactly one tool invocation may touch
// a project at a time; waiters are served in FIFO arrival order.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

type waiter struct {
	id    domain.RequestID
	ready chan struct{}
}

type entry struct {
	holder  domain.RequestID
	waiters []*waiter
}

// Table is a lock table keyed by project id. All state is mutated only
// inside the table's own mutex; locks for distinct projects never interfere.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Acquire blocks until the project is free or ctx is done. FIFO among
// waiters for the same project. A ctx deadline expiry maps to ErrProjectBusy.
func (t *Table) Acquire(ctx context.Context, project string, id domain.RequestID) error {
	t.mu.Lock()
	e, ok := t.entries[project]
	if !ok {
		e = &entry{}
		t.entries[project] = e
	}
	if e.holder == "" && len(e.waiters) == 0 {
		e.holder = id
		t.mu.Unlock()
		return nil
	}
	w := &waiter{id: id, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		// handed the lock by the previous holder's release
		return nil
	case <-ctx.Done():
		t.abandon(project, w)
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: project %s held too long for request %s",
				domain.ErrProjectBusy, project, id)
		}
		return fmt.Errorf("%w: waiting for project %s", domain.ErrCancelled, project)
	}
}

// abandon removes a timed-out or cancelled waiter. The waiter may have been
// promoted to holder concurrently with ctx firing; in that race the lock is
// released again so the next waiter is not stranded.
func (t *Table) abandon(project string, w *waiter) {
	t.mu.Lock()
	e := t.entries[project]
	if e == nil {
		t.mu.Unlock()
		return
	}
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			t.mu.Unlock()
			return
		}
	}
	if e.holder == w.id {
		t.promoteLocked(project, e)
	}
	t.mu.Unlock()
}

// Release hands the lock to the next FIFO waiter, or frees the project.
// Releasing a lock not held by id is a programming error and returns
// ErrInvariantViolation: a silent release could let two invocations touch
// the same project database concurrently.
func (t *Table) Release(project string, id domain.RequestID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[project]
	if e == nil || e.holder != id {
		held := domain.RequestID("")
		if e != nil {
			held = e.holder
		}
		t.logger.Error("lock release without ownership",
			"project", project, "request", id, "holder", held)
		return fmt.Errorf("%w: release of project %s by %s (holder %q)",
			domain.ErrInvariantViolation, project, id, held)
	}
	t.promoteLocked(project, e)
	return nil
}

// promoteLocked hands ownership to the oldest waiter, or removes the entry
// when nobody is waiting. Caller holds t.mu.
func (t *Table) promoteLocked(project string, e *entry) {
	if len(e.waiters) == 0 {
		delete(t.entries, project)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.holder = next.id
	close(next.ready)
}

// ReleaseAll force-releases every held lock and wakes every waiter with the
// lock in hand so their pipelines can observe cancellation and release in
// turn. Used by the supervisor's restart sequence; individual pipelines are
// cancelled before this is called.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for project, e := range t.entries {
		for _, w := range e.waiters {
			close(w.ready)
		}
		delete(t.entries, project)
	}
}

// Holder returns the current lock holder for a project, empty when free.
func (t *Table) Holder(project string) domain.RequestID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[project]; e != nil {
		return e.holder
	}
	return ""
}

// Waiting returns the number of queued waiters for a project.
func (t *Table) Waiting(project string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[project]; e != nil {
		return len(e.waiters)
	}
	return 0
}

// HeldCount returns the number of projects currently locked.
func (t *Table) HeldCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.holder != "" {
			n++
		}
	}
	return n
}
