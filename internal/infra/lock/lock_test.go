package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

func TestAcquire_FreeProject(t *testing.T) {
	tbl := NewTable(nil)

	err := tbl.Acquire(context.Background(), "proj-a", "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestID("req-1"), tbl.Holder("proj-a"))
	assert.Equal(t, 1, tbl.HeldCount())
}

// TestAcquire_DistinctProjects verifies locks for different projects do not
// interfere with each other.
func TestAcquire_DistinctProjects(t *testing.T) {
	tbl := NewTable(nil)

	require.NoError(t, tbl.Acquire(context.Background(), "proj-a", "req-1"))
	require.NoError(t, tbl.Acquire(context.Background(), "proj-b", "req-2"))
	assert.Equal(t, 2, tbl.HeldCount())
}

// TestAcquire_MutualExclusion runs contending goroutines against one project
// and checks at most one is ever inside the critical section.
func TestAcquire_MutualExclusion(t *testing.T) {
	tbl := NewTable(nil)

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := domain.RequestID(string(rune('a' + n)))
			require.NoError(t, tbl.Acquire(context.Background(), "proj", id))
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			require.NoError(t, tbl.Release("proj", id))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "two holders inside the critical section")
	assert.Equal(t, 0, tbl.HeldCount())
}

// TestAcquire_FIFO queues waiters in a known order and verifies the lock is
// handed over in the same order.
func TestAcquire_FIFO(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj", "holder"))

	const n = 5
	order := make(chan domain.RequestID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := domain.RequestID(string(rune('0' + i)))
		wg.Add(1)
		go func(id domain.RequestID) {
			defer wg.Done()
			require.NoError(t, tbl.Acquire(context.Background(), "proj", id))
			order <- id
			require.NoError(t, tbl.Release("proj", id))
		}(id)
		// give each goroutine time to enqueue before the next
		waitForWaiters(t, tbl, "proj", i+1)
	}

	require.NoError(t, tbl.Release("proj", "holder"))
	wg.Wait()
	close(order)

	var got []domain.RequestID
	for id := range order {
		got = append(got, id)
	}
	assert.Equal(t, []domain.RequestID{"0", "1", "2", "3", "4"}, got)
}

// TestAcquire_DeadlineMapsToProjectBusy verifies a waiter whose context
// deadline fires while queued gets ErrProjectBusy, and the queue stays sane.
func TestAcquire_DeadlineMapsToProjectBusy(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj", "holder"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tbl.Acquire(ctx, "proj", "late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProjectBusy), "got %v", err)
	assert.Equal(t, 0, tbl.Waiting("proj"))

	// holder is unaffected
	assert.Equal(t, domain.RequestID("holder"), tbl.Holder("proj"))
	require.NoError(t, tbl.Release("proj", "holder"))
}

func TestAcquire_CancelMapsToCancelled(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj", "holder"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- tbl.Acquire(ctx, "proj", "waiter")
	}()
	waitForWaiters(t, tbl, "proj", 1)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCancelled), "got %v", err)
}

// TestAcquire_AbandonedWaiterNotStranded checks that when a middle waiter
// abandons, the remaining waiters still get the lock in order.
func TestAcquire_AbandonedWaiterNotStranded(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj", "holder"))

	midCtx, midCancel := context.WithCancel(context.Background())
	midErr := make(chan error, 1)
	go func() { midErr <- tbl.Acquire(midCtx, "proj", "middle") }()
	waitForWaiters(t, tbl, "proj", 1)

	lastDone := make(chan error, 1)
	go func() { lastDone <- tbl.Acquire(context.Background(), "proj", "last") }()
	waitForWaiters(t, tbl, "proj", 2)

	midCancel()
	require.Error(t, <-midErr)

	require.NoError(t, tbl.Release("proj", "holder"))
	require.NoError(t, <-lastDone)
	assert.Equal(t, domain.RequestID("last"), tbl.Holder("proj"))
	require.NoError(t, tbl.Release("proj", "last"))
}

// TestRelease_WrongOwner verifies releasing a lock held by someone else is an
// invariant violation, not a silent success.
func TestRelease_WrongOwner(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj", "owner"))

	err := tbl.Release("proj", "intruder")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvariantViolation), "got %v", err)
	assert.Equal(t, domain.RequestID("owner"), tbl.Holder("proj"))
}

func TestRelease_UnheldProject(t *testing.T) {
	tbl := NewTable(nil)

	err := tbl.Release("ghost", "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvariantViolation))
}

func TestRelease_DoubleRelease(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj", "req-1"))
	require.NoError(t, tbl.Release("proj", "req-1"))

	err := tbl.Release("proj", "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvariantViolation))
}

func TestReleaseAll(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.Acquire(context.Background(), "proj-a", "req-1"))
	require.NoError(t, tbl.Acquire(context.Background(), "proj-b", "req-2"))

	done := make(chan error, 1)
	go func() { done <- tbl.Acquire(context.Background(), "proj-a", "req-3") }()
	waitForWaiters(t, tbl, "proj-a", 1)

	tbl.ReleaseAll()

	require.NoError(t, <-done, "waiter should be woken holding the lock")
	assert.Equal(t, 0, tbl.HeldCount())
}

// waitForWaiters polls until the project has n queued waiters, failing the
// test after a bounded wait.
func waitForWaiters(t *testing.T, tbl *Table, project string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tbl.Waiting(project) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %s", n, project)
}
