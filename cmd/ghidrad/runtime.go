package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/thestingr/ghidrad/internal/application/pipeline"
	"github.com/thestingr/ghidrad/internal/config"
	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
	"github.com/thestingr/ghidrad/internal/infra/ai/openai"
	"github.com/thestingr/ghidrad/internal/infra/ai/prompt"
	"github.com/thestingr/ghidrad/internal/infra/db/sqlite"
	"github.com/thestingr/ghidrad/internal/infra/dispatch"
	"github.com/thestingr/ghidrad/internal/infra/executor/ghidra"
	"github.com/thestingr/ghidrad/internal/infra/lock"
	"github.com/thestingr/ghidrad/internal/infra/storage"
	"github.com/thestingr/ghidrad/internal/middleware"
)

// serviceRuntime is the supervised dispatcher/orchestrator pair. The lock
// table, journal, and orchestrator survive supervisor restarts; the
// dispatcher is rebuilt on every Start.
type serviceRuntime struct {
	cfg    *config.Config
	logger *slog.Logger

	locks   *lock.Table
	runner  *ghidra.Runner
	orch    *pipeline.Service
	journal *sqlite.Journal // nil when disabled

	mu   sync.Mutex
	disp *dispatch.Server
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*serviceRuntime, error) {
	runner, err := ghidra.NewRunner(ghidra.Options{
		HeadlessPath:     cfg.Ghidra.HeadlessPath,
		ProjectDir:       cfg.Ghidra.ProjectDir,
		OutputLimitBytes: cfg.Ghidra.OutputLimitBytes,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	infer := openai.NewClient(openai.Options{
		APIKey:     cfg.OpenAI.APIKey,
		Model:      cfg.OpenAI.Model,
		MaxRetries: cfg.OpenAI.MaxRetries,
		BaseDelay:  time.Duration(cfg.OpenAI.RetryBaseDelayMS) * time.Millisecond,
		Logger:     logger,
	})

	var journal *sqlite.Journal
	if cfg.Journal.Path != "" {
		journal, err = sqlite.Open(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
	}

	var artifacts domain.ArtifactStore
	if cfg.Archive.Enabled {
		store, err := storage.New(ctx,
			cfg.Archive.Endpoint,
			cfg.Archive.Region,
			cfg.Archive.Bucket,
			cfg.Archive.AccessKey,
			cfg.Archive.SecretKey,
			cfg.Archive.UseSSL,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		artifacts = store
	}

	locks := lock.NewTable(logger)
	var journalPort domain.Journal
	if journal != nil {
		journalPort = journal
	}
	orch := pipeline.NewService(pipeline.Config{
		MaxConcurrent:   cfg.Pipeline.MaxConcurrent,
		DefaultDeadline: cfg.DefaultDeadline(),
		MaxDeadline:     cfg.MaxDeadline(),
	}, pipeline.Deps{
		Locks:     locks,
		Runner:    runner,
		Inference: infer,
		Journal:   journalPort,
		Artifacts: artifacts,
		Prompt:    prompt.Build,
		Logger:    logger,
	})

	rt := &serviceRuntime{
		cfg:     cfg,
		logger:  logger,
		locks:   locks,
		runner:  runner,
		orch:    orch,
		journal: journal,
	}
	statsFn := rt.pipelineStats
	middleware.PipelineStats.Store(&statsFn)
	return rt, nil
}

func (rt *serviceRuntime) Start(ctx context.Context) error {
	rt.orch.Reset()
	disp := dispatch.NewServer(rt.orch, rt.logger)

	if rt.cfg.Server.Listen == "stdio" {
		go disp.ServeStdio(ctx, os.Stdin, os.Stdout)
	} else if err := disp.Listen(rt.cfg.Server.Listen); err != nil {
		return err
	}

	rt.mu.Lock()
	rt.disp = disp
	rt.mu.Unlock()
	return nil
}

// Stop shuts the pair down cleanly: no new frames, cancel in-flight with
// the grace period, then release every held project lock.
func (rt *serviceRuntime) Stop(grace time.Duration) {
	rt.mu.Lock()
	disp := rt.disp
	rt.disp = nil
	rt.mu.Unlock()

	if disp != nil {
		disp.Close()
	}
	rt.orch.Shutdown(grace)
	rt.locks.ReleaseAll()
}

func (rt *serviceRuntime) Checks() map[string]middleware.HealthChecker {
	return map[string]middleware.HealthChecker{
		"dispatcher": middleware.CheckFunc(rt.checkDispatcher),
		"pipeline":   middleware.CheckFunc(rt.checkPipeline),
		"tool":       middleware.CheckFunc(rt.runner.Probe),
	}
}

func (rt *serviceRuntime) InFlight() int { return rt.orch.InFlight() }

func (rt *serviceRuntime) checkDispatcher(ctx context.Context) error {
	if rt.cfg.Server.Listen == "stdio" {
		return nil // no listener to probe in stdio mode
	}
	rt.mu.Lock()
	disp := rt.disp
	rt.mu.Unlock()
	if disp == nil || !disp.Accepting() {
		return fmt.Errorf("dispatcher not accepting connections")
	}
	return nil
}

// checkPipeline flags an in-flight table growing far past the admission
// cap, the deadlock proxy from the health design.
func (rt *serviceRuntime) checkPipeline(ctx context.Context) error {
	inflight := rt.orch.InFlight()
	bound := rt.orch.MaxConcurrent() * 32
	if inflight > bound {
		return fmt.Errorf("in-flight table at %d, bound %d: possible deadlock", inflight, bound)
	}
	return nil
}

func (rt *serviceRuntime) pipelineStats() map[string]any {
	return map[string]any{
		"in_flight":      rt.orch.InFlight(),
		"max_concurrent": rt.orch.MaxConcurrent(),
		"locks_held":     rt.locks.HeldCount(),
	}
}

// journalPort returns the journal as its port type, keeping the interface
// nil when the journal is disabled.
func (rt *serviceRuntime) journalPort() domain.Journal {
	if rt.journal == nil {
		return nil
	}
	return rt.journal
}

func (rt *serviceRuntime) CloseJournal() {
	if rt.journal != nil {
		rt.journal.Close()
	}
}
