package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thestingr/ghidrad/internal/infra/lock"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

// fakeRunner returns canned invocation results, optionally blocking until
// released so tests can observe requests stacked up behind it.
type fakeRunner struct {
	mu      sync.Mutex
	results map[domain.RequestID]domain.InvocationResult
	err     error
	block   chan struct{} // nil → don't block
	started chan domain.RequestID
	calls   atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, inv domain.Invocation) (domain.InvocationResult, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- inv.RequestID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.InvocationResult{
				RequestID: inv.RequestID,
				Reason:    domain.ReasonCancelled,
				ExitCode:  -1,
			}, nil
		}
	}
	if f.err != nil {
		return domain.InvocationResult{RequestID: inv.RequestID}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[inv.RequestID]; ok {
		return res, nil
	}
	return domain.InvocationResult{
		RequestID: inv.RequestID,
		Reason:    domain.ReasonCompleted,
		Stdout:    "FUNCTIONS: main, decrypt_payload",
	}, nil
}

func (f *fakeRunner) Probe(ctx context.Context) error { return nil }

type fakeInference struct {
	err   error
	text  string
	calls atomic.Int32
}

func (f *fakeInference) Infer(ctx context.Context, p domain.Prompt) (domain.InferenceResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.InferenceResult{RequestID: p.RequestID}, f.err
	}
	return domain.InferenceResult{RequestID: p.RequestID, Text: f.text, Attempts: 1}, nil
}

type memJournal struct {
	mu   sync.Mutex
	recs map[domain.RequestID]*domain.Record
}

func newMemJournal() *memJournal {
	return &memJournal{recs: make(map[domain.RequestID]*domain.Record)}
}

func (m *memJournal) Save(ctx context.Context, rec *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memJournal) Get(ctx context.Context, id domain.RequestID) (*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[id], nil
}

func (m *memJournal) Latest(ctx context.Context, limit int) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Record
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func testService(t *testing.T, cfg Config, runner domain.Runner, inf domain.Inference, journal domain.Journal) *Service {
	t.Helper()
	svc := NewService(cfg, Deps{
		Locks:     lock.NewTable(nil),
		Runner:    runner,
		Inference: inf,
		Journal:   journal,
		Prompt: func(req domain.Request, out string, trunc bool) domain.Prompt {
			return domain.Prompt{RequestID: req.ID, System: "sys", User: out, MaxTokens: 100}
		},
	})
	t.Cleanup(func() { svc.Shutdown(time.Second) })
	return svc
}

func submit(t *testing.T, svc *Service, id, project string) <-chan domain.StageUpdate {
	t.Helper()
	updates, err := svc.Submit(domain.Request{
		ID:      domain.RequestID(id),
		Kind:    domain.KindBinaryAnalysis,
		Target:  "/samples/a.out",
		Project: project,
	})
	require.NoError(t, err)
	return updates
}

// drain collects every stage update until the channel closes and returns the
// ordered stages plus the terminal result.
func drain(t *testing.T, updates <-chan domain.StageUpdate) ([]domain.Stage, *domain.Result) {
	t.Helper()
	var stages []domain.Stage
	var res *domain.Result
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return stages, res
			}
			stages = append(stages, u.Stage)
			if u.Result != nil {
				res = u.Result
			}
		case <-timeout:
			t.Fatalf("timed out draining updates; got %v", stages)
		}
	}
}

// TestSubmit_FullStageSequence verifies the happy path visits every stage
// in order and ends Completed with the augmented text.
func TestSubmit_FullStageSequence(t *testing.T) {
	journal := newMemJournal()
	svc := testService(t, Config{}, &fakeRunner{}, &fakeInference{text: "it decrypts a payload"}, journal)

	stages, res := drain(t, submit(t, svc, "req-1", "proj"))

	assert.Equal(t, []domain.Stage{
		domain.StageQueued,
		domain.StageLocking,
		domain.StageRunningTool,
		domain.StageRunningInference,
		domain.StageCompleted,
	}, stages)
	require.NotNil(t, res)
	assert.Equal(t, "it decrypts a payload", res.Text)
	assert.Contains(t, res.RawOutput, "decrypt_payload")
	assert.False(t, res.Degraded)
	assert.Nil(t, res.Err)
	assert.Equal(t, 0, svc.InFlight(), "terminal request leaves the table")

	rec, _ := journal.Get(context.Background(), "req-1")
	require.NotNil(t, rec, "terminal request is journaled")
	assert.Equal(t, domain.StageCompleted, rec.Stage)
}

// TestSubmit_DegradedOnInferenceFailure verifies the raw tool output still
// comes back, flagged degraded, when the AI backend is unavailable.
func TestSubmit_DegradedOnInferenceFailure(t *testing.T) {
	inf := &fakeInference{err: fmt.Errorf("%w: 503 after 3 attempts", domain.ErrInferenceUnavailable)}
	svc := testService(t, Config{}, &fakeRunner{}, inf, nil)

	stages, res := drain(t, submit(t, svc, "req-1", "proj"))

	assert.Equal(t, domain.StageCompletedDegraded, stages[len(stages)-1])
	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.Equal(t, "inference_unavailable", res.DegradedBy)
	assert.Empty(t, res.Text, "no fabricated augmentation")
	assert.Contains(t, res.RawOutput, "decrypt_payload")
}

func TestSubmit_DegradedOnInferenceRejected(t *testing.T) {
	inf := &fakeInference{err: fmt.Errorf("%w: 401", domain.ErrInferenceRejected)}
	svc := testService(t, Config{}, &fakeRunner{}, inf, nil)

	_, res := drain(t, submit(t, svc, "req-1", "proj"))
	require.NotNil(t, res)
	assert.Equal(t, domain.StageCompletedDegraded, res.Stage)
	assert.Equal(t, "inference_rejected", res.DegradedBy)
}

func TestSubmit_UnknownKind(t *testing.T) {
	svc := testService(t, Config{}, &fakeRunner{}, &fakeInference{}, nil)

	_, err := svc.Submit(domain.Request{ID: "req-1", Kind: "steganography", Project: "proj"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedKind)
}

func TestSubmit_MissingProject(t *testing.T) {
	svc := testService(t, Config{}, &fakeRunner{}, &fakeInference{}, nil)

	_, err := svc.Submit(domain.Request{ID: "req-1", Kind: domain.KindQuery})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestSubmit_DuplicateID(t *testing.T) {
	blocker := &fakeRunner{block: make(chan struct{})}
	svc := testService(t, Config{}, blocker, &fakeInference{}, nil)

	updates := submit(t, svc, "req-1", "proj")
	_, err := svc.Submit(domain.Request{
		ID: "req-1", Kind: domain.KindBinaryAnalysis, Target: "x", Project: "proj",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecode)

	close(blocker.block)
	drain(t, updates)
}

// TestSubmit_ConcurrencyCap submits cap+1 requests against distinct projects
// and verifies only cap tool invocations start until one finishes.
func TestSubmit_ConcurrencyCap(t *testing.T) {
	const limit = 2
	runner := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan domain.RequestID, limit+1),
	}
	svc := testService(t, Config{MaxConcurrent: limit}, runner, &fakeInference{text: "ok"}, nil)

	var chans []<-chan domain.StageUpdate
	for i := 0; i < limit+1; i++ {
		chans = append(chans, submit(t, svc, fmt.Sprintf("req-%d", i), fmt.Sprintf("proj-%d", i)))
	}

	// exactly limit invocations start
	for i := 0; i < limit; i++ {
		select {
		case <-runner.started:
		case <-time.After(2 * time.Second):
			t.Fatal("expected invocation did not start")
		}
	}
	select {
	case id := <-runner.started:
		t.Fatalf("request %s ran beyond the cap", id)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, limit+1, svc.InFlight())

	// releasing the runner lets the queued request through
	close(runner.block)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("queued request never admitted")
	}
	for _, ch := range chans {
		_, res := drain(t, ch)
		require.NotNil(t, res)
		assert.Equal(t, domain.StageCompleted, res.Stage)
	}
}

// TestSubmit_ProjectBusy verifies a second request for a locked project
// fails with project_busy when its deadline fires while waiting.
func TestSubmit_ProjectBusy(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan domain.RequestID, 2)}
	svc := testService(t, Config{}, runner, &fakeInference{text: "ok"}, nil)

	first := submit(t, svc, "req-1", "shared")
	<-runner.started

	second, err := svc.Submit(domain.Request{
		ID: "req-2", Kind: domain.KindBinaryAnalysis, Target: "x",
		Project: "shared", Deadline: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	stages, res := drain(t, second)
	assert.Equal(t, domain.StageFailed, stages[len(stages)-1])
	require.NotNil(t, res)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, domain.ErrProjectBusy), "got %v", res.Err)

	close(runner.block)
	_, firstRes := drain(t, first)
	assert.Equal(t, domain.StageCompleted, firstRes.Stage, "holder unaffected by waiter timeout")
}

func TestCancel_DuringTool(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan domain.RequestID, 1)}
	svc := testService(t, Config{}, runner, &fakeInference{}, nil)

	updates := submit(t, svc, "req-1", "proj")
	<-runner.started
	require.True(t, svc.Cancel("req-1"))

	_, res := drain(t, updates)
	require.NotNil(t, res)
	assert.Equal(t, domain.StageFailed, res.Stage)
	assert.True(t, errors.Is(res.Err, domain.ErrCancelled), "got %v", res.Err)
	assert.False(t, svc.Cancel("req-1"), "terminal request no longer cancellable")
}

func TestRun_ToolCrashWithoutOutput(t *testing.T) {
	runner := &fakeRunner{results: map[domain.RequestID]domain.InvocationResult{
		"req-1": {RequestID: "req-1", Reason: domain.ReasonCrashed, ExitCode: 9},
	}}
	inf := &fakeInference{text: "unused"}
	journal := newMemJournal()
	svc := testService(t, Config{}, runner, inf, journal)

	_, res := drain(t, submit(t, svc, "req-1", "proj"))
	require.NotNil(t, res)
	assert.Equal(t, domain.StageFailed, res.Stage)
	assert.True(t, errors.Is(res.Err, domain.ErrAnalysisFailed))
	assert.Equal(t, int32(0), inf.calls.Load(), "no inference without usable output")

	rec, _ := journal.Get(context.Background(), "req-1")
	require.NotNil(t, rec)
	assert.Equal(t, "analysis_failed", rec.ErrorCode)
	assert.Equal(t, 9, rec.ToolExit)
}

// TestRun_ToolCrashWithPartialOutput verifies partial stdout from a crashed
// tool still reaches inference.
func TestRun_ToolCrashWithPartialOutput(t *testing.T) {
	runner := &fakeRunner{results: map[domain.RequestID]domain.InvocationResult{
		"req-1": {
			RequestID: "req-1", Reason: domain.ReasonCrashed,
			ExitCode: 1, Stdout: "partial disassembly",
		},
	}}
	inf := &fakeInference{text: "analysis of the partial output"}
	svc := testService(t, Config{}, runner, inf, nil)

	_, res := drain(t, submit(t, svc, "req-1", "proj"))
	require.NotNil(t, res)
	assert.Equal(t, domain.StageCompleted, res.Stage)
	assert.Equal(t, int32(1), inf.calls.Load())
}

func TestShutdown_RejectsNewSubmissions(t *testing.T) {
	svc := testService(t, Config{}, &fakeRunner{}, &fakeInference{text: "ok"}, nil)
	svc.Shutdown(time.Second)

	_, err := svc.Submit(domain.Request{
		ID: "req-1", Kind: domain.KindBinaryAnalysis, Target: "x", Project: "proj",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestReset_ReopensAfterShutdown(t *testing.T) {
	svc := testService(t, Config{}, &fakeRunner{}, &fakeInference{text: "ok"}, nil)
	svc.Shutdown(time.Second)
	svc.Reset()

	_, res := drain(t, submit(t, svc, "req-1", "proj"))
	require.NotNil(t, res)
	assert.Equal(t, domain.StageCompleted, res.Stage)
}

func TestStatusAndSnapshot(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{}), started: make(chan domain.RequestID, 1)}
	svc := testService(t, Config{}, runner, &fakeInference{text: "ok"}, nil)

	updates := submit(t, svc, "req-1", "proj")
	<-runner.started

	stage, ok := svc.Status("req-1")
	require.True(t, ok)
	assert.Equal(t, domain.StageRunningTool, stage)
	assert.Equal(t, domain.StageRunningTool, svc.Snapshot()["req-1"])

	_, ok = svc.Status("ghost")
	assert.False(t, ok)

	close(runner.block)
	drain(t, updates)
}
