// Package pipeline implements the analysis orchestrator: it composes the
// project lock, tool runner, and inference client into one request
// pipeline, tracks in-flight requests, and enforces the global
// concurrency cap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thestingr/ghidrad/internal/application"
	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

// PromptBuilder derives the inference prompt from a request and its tool
// output. Injected so the application layer stays free of the prompt
// catalog's package.
type PromptBuilder func(req domain.Request, toolOutput string, truncated bool) domain.Prompt

type Config struct {
	MaxConcurrent   int
	DefaultDeadline time.Duration
	MaxDeadline     time.Duration
}

// Service is the orchestrator. It is safe for concurrent use; the in-flight
// table is mutated only under the service's own mutex.
type Service struct {
	cfg         Config
	locks       domain.Locker
	runner      domain.Runner
	inference   domain.Inference
	journal     domain.Journal       // nil → journaling disabled
	artifacts   domain.ArtifactStore // nil → archiving disabled
	buildPrompt PromptBuilder
	clock       application.Clock
	logger      *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[domain.RequestID]*pipelineEntry
	closed   bool

	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

type pipelineEntry struct {
	req     domain.Request
	stage   domain.Stage
	cancel  context.CancelFunc
	updates chan domain.StageUpdate
}

type Deps struct {
	Locks     domain.Locker
	Runner    domain.Runner
	Inference domain.Inference
	Journal   domain.Journal
	Artifacts domain.ArtifactStore
	Prompt    PromptBuilder
	Clock     application.Clock
	Logger    *slog.Logger
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 5 * time.Minute
	}
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = 15 * time.Minute
	}
	clock := deps.Clock
	if clock == nil {
		clock = application.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:         cfg,
		locks:       deps.Locks,
		runner:      deps.Runner,
		inference:   deps.Inference,
		journal:     deps.Journal,
		artifacts:   deps.Artifacts,
		buildPrompt: deps.Prompt,
		clock:       clock,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inflight:    make(map[domain.RequestID]*pipelineEntry),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Submit validates and enqueues one request. The returned channel delivers
// stage updates in order; the terminal update carries the Result and the
// channel is closed after it. The channel is buffered for the full stage
// sequence, so a slow consumer never stalls the pipeline.
func (s *Service) Submit(req domain.Request) (<-chan domain.StageUpdate, error) {
	if !domain.KnownKind(req.Kind) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, req.Kind)
	}
	if req.Project == "" {
		return nil, fmt.Errorf("%w: missing project", domain.ErrDecode)
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.clock.Now()
	}

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = s.cfg.DefaultDeadline
	} else if deadline > s.cfg.MaxDeadline {
		deadline = s.cfg.MaxDeadline
	}
	req.Deadline = deadline

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: orchestrator shutting down", domain.ErrCancelled)
	}
	if _, dup := s.inflight[req.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate request id %s", domain.ErrDecode, req.ID)
	}
	reqCtx, cancel := context.WithTimeout(s.baseCtx, deadline)
	e := &pipelineEntry{
		req:     req,
		stage:   domain.StageQueued,
		cancel:  cancel,
		updates: make(chan domain.StageUpdate, 8),
	}
	s.inflight[req.ID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	e.updates <- domain.StageUpdate{ID: req.ID, Stage: domain.StageQueued, At: s.clock.Now()}
	go s.run(reqCtx, e)
	return e.updates, nil
}

// Cancel cancels an in-flight request wherever it is: dequeues it if still
// queued, kills the child process if the tool is running, aborts the
// inference call otherwise. Returns false when the id is unknown.
func (s *Service) Cancel(id domain.RequestID) bool {
	s.mu.Lock()
	e, ok := s.inflight[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Status returns the current stage for an in-flight request.
func (s *Service) Status(id domain.RequestID) (domain.Stage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.inflight[id]; ok {
		return e.stage, true
	}
	return "", false
}

// Snapshot copies the in-flight table for status queries and the
// supervisor's growth check.
func (s *Service) Snapshot() map[domain.RequestID]domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.RequestID]domain.Stage, len(s.inflight))
	for id, e := range s.inflight {
		out[id] = e.stage
	}
	return out
}

// InFlight returns the current in-flight table size.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// MaxConcurrent exposes the configured cap for bound checks.
func (s *Service) MaxConcurrent() int { return s.cfg.MaxConcurrent }

// Shutdown cancels all in-flight requests with a grace period before
// hard-cancelling, then waits for every pipeline goroutine to finish.
func (s *Service) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	for _, e := range s.inflight {
		e.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("shutdown grace period elapsed, hard-cancelling pipelines")
		s.baseCancel()
		<-done
	}
	s.baseCancel()
}

// Reset clears shutdown state so a supervisor restart can reuse the service
// after Shutdown released every lock and drained the table.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return
	}
	s.closed = false
	ctx, cancel := context.WithCancel(context.Background())
	s.baseCtx = ctx
	s.baseCancel = cancel
}

// run drives one request through the pipeline:
// admit → lock → tool → unlock → inference → terminal.
func (s *Service) run(ctx context.Context, e *pipelineEntry) {
	defer s.wg.Done()
	defer e.cancel()
	req := e.req
	started := s.clock.Now()

	// global admission, FIFO in submission order; a request may hold a
	// global slot while it waits on its project lock
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(e, started, nil, domain.Result{
			ID: req.ID, Stage: domain.StageFailed,
			Err: fmt.Errorf("%w: while queued: %v", domain.ErrCancelled, err),
		})
		return
	}
	defer s.sem.Release(1)

	s.setStage(e, domain.StageLocking)
	if err := s.locks.Acquire(ctx, req.Project, req.ID); err != nil {
		s.finish(e, started, nil, domain.Result{ID: req.ID, Stage: domain.StageFailed, Err: err})
		return
	}

	s.setStage(e, domain.StageRunningTool)
	toolRes, runErr := s.runner.Run(ctx, domain.Invocation{
		RequestID: req.ID,
		Kind:      req.Kind,
		Target:    req.Target,
		Project:   req.Project,
		Params:    req.Params,
	})
	// release before inference: the AI call does not touch the project
	// database and must not extend the exclusion window
	if relErr := s.locks.Release(req.Project, req.ID); relErr != nil {
		s.logger.Error("lock release failed", "request", req.ID, "error", relErr)
		s.finish(e, started, &toolRes, domain.Result{ID: req.ID, Stage: domain.StageFailed, Err: relErr})
		return
	}

	if runErr != nil {
		s.finish(e, started, &toolRes, domain.Result{
			ID: req.ID, Stage: domain.StageFailed,
			Err: fmt.Errorf("%w: %v", domain.ErrAnalysisFailed, runErr),
		})
		return
	}
	if toolRes.Reason == domain.ReasonCancelled {
		s.finish(e, started, &toolRes, domain.Result{
			ID: req.ID, Stage: domain.StageFailed,
			RawOutput: toolRes.Stdout,
			Err:       fmt.Errorf("%w: tool invocation cancelled", domain.ErrCancelled),
		})
		return
	}
	if !toolRes.Usable() {
		s.finish(e, started, &toolRes, domain.Result{
			ID: req.ID, Stage: domain.StageFailed,
			RawOutput: toolRes.Stdout,
			Err: fmt.Errorf("%w: tool %s with no usable output (exit %d)",
				domain.ErrAnalysisFailed, toolRes.Reason, toolRes.ExitCode),
		})
		return
	}

	s.setStage(e, domain.StageRunningInference)
	prompt := s.buildPrompt(req, toolRes.Stdout, toolRes.Truncated)
	infRes, infErr := s.inference.Infer(ctx, prompt)

	switch {
	case infErr == nil:
		s.finish(e, started, &toolRes, domain.Result{
			ID: req.ID, Stage: domain.StageCompleted,
			Text: infRes.Text, RawOutput: toolRes.Stdout,
		})
	case errors.Is(infErr, domain.ErrInferenceUnavailable),
		errors.Is(infErr, domain.ErrInferenceRejected):
		// degraded success: raw tool output is still useful without AI
		// augmentation, and is flagged as such, never presented as augmented
		s.finish(e, started, &toolRes, domain.Result{
			ID: req.ID, Stage: domain.StageCompletedDegraded,
			RawOutput: toolRes.Stdout,
			Degraded:  true, DegradedBy: domain.ErrorCode(infErr),
			Err: infErr,
		})
	default:
		s.finish(e, started, &toolRes, domain.Result{
			ID: req.ID, Stage: domain.StageFailed,
			RawOutput: toolRes.Stdout,
			Err:       fmt.Errorf("%w: inference aborted: %v", domain.ErrCancelled, infErr),
		})
	}
}

func (s *Service) setStage(e *pipelineEntry, stage domain.Stage) {
	s.mu.Lock()
	if stage.Before(e.stage) {
		// monotonic stage order is a pipeline invariant
		s.mu.Unlock()
		s.logger.Error("backward stage transition blocked",
			"request", e.req.ID, "from", e.stage, "to", stage)
		return
	}
	e.stage = stage
	s.mu.Unlock()

	select {
	case e.updates <- domain.StageUpdate{ID: e.req.ID, Stage: stage, At: s.clock.Now()}:
	default:
	}
}

// finish records the terminal state, emits the final update, and removes
// the entry from the in-flight table.
func (s *Service) finish(e *pipelineEntry, started time.Time, toolRes *domain.InvocationResult, res domain.Result) {
	res.DurationMS = s.clock.Now().Sub(started).Milliseconds()

	s.mu.Lock()
	e.stage = res.Stage
	delete(s.inflight, e.req.ID)
	s.mu.Unlock()

	if res.Err != nil && !res.Degraded {
		s.logger.Warn("request failed",
			"request", e.req.ID, "stage", res.Stage, "error", res.Err)
	} else {
		s.logger.Info("request finished",
			"request", e.req.ID, "stage", res.Stage, "degraded", res.Degraded,
			"duration_ms", res.DurationMS)
	}

	s.persist(e.req, toolRes, &res)

	select {
	case e.updates <- domain.StageUpdate{ID: e.req.ID, Stage: res.Stage, At: s.clock.Now(), Result: &res}:
	default:
		s.logger.Warn("terminal update dropped, consumer gone", "request", e.req.ID)
	}
	close(e.updates)
}

// persist writes the journal record and archives raw output. Both are
// best-effort: a journal or archive failure never changes the result.
func (s *Service) persist(req domain.Request, toolRes *domain.InvocationResult, res *domain.Result) {
	resultPath := ""
	if s.artifacts != nil && res.RawOutput != "" {
		resultPath = s.archive(req, res.RawOutput)
	}
	if s.journal == nil {
		return
	}
	rec := &domain.Record{
		ID:          req.ID,
		Kind:        req.Kind,
		Target:      req.Target,
		Project:     req.Project,
		Stage:       res.Stage,
		ErrorCode:   domain.ErrorCode(res.Err),
		Degraded:    res.Degraded,
		DurationMS:  res.DurationMS,
		SubmittedAt: req.SubmittedAt,
		FinishedAt:  s.clock.Now(),
		ResultPath:  resultPath,
	}
	if toolRes != nil {
		rec.ToolExit = toolRes.ExitCode
		rec.ToolReason = string(toolRes.Reason)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Save(ctx, rec); err != nil {
		s.logger.Warn("journal save failed", "request", req.ID, "error", err)
	}
}

func (s *Service) archive(req domain.Request, raw string) string {
	tmp, err := os.CreateTemp("", fmt.Sprintf("ghidrad-%s-*.txt", req.ID))
	if err != nil {
		s.logger.Warn("artifact temp file failed", "request", req.ID, "error", err)
		return ""
	}
	if _, err := tmp.WriteString(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.logger.Warn("artifact write failed", "request", req.ID, "error", err)
		return ""
	}
	tmp.Close()

	key := filepath.ToSlash(filepath.Join(req.Project, string(req.Kind), string(req.ID)+".txt"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	url, err := s.artifacts.UploadAndCleanup(ctx, tmp.Name(), key)
	if err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("artifact archive failed", "request", req.ID, "error", err)
		return ""
	}
	return url
}
