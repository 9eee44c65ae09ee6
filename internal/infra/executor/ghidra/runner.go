// Package ghidra runs the external analysis engine (Ghidra headless) as an
// isolated child process, one invocation per analysis request.
package ghidra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

// candidatePaths are probed when no headless path is configured. Mirrors the
// install locations the Windows deployment scripts write to.
var candidatePaths = []string{
	`C:\ghidra\support\analyzeHeadless.bat`,
	`C:\Program Files\ghidra\support\analyzeHeadless.bat`,
	`C:\Program Files (x86)\ghidra\support\analyzeHeadless.bat`,
	`C:\tools\ghidra\support\analyzeHeadless.bat`,
	"/opt/ghidra/support/analyzeHeadless",
	"/usr/local/ghidra/support/analyzeHeadless",
}

type Options struct {
	HeadlessPath     string
	ProjectDir       string
	OutputLimitBytes int
	Logger           *slog.Logger
}

type Runner struct {
	headless    string
	projectDir  string
	outputLimit int
	logger      *slog.Logger
}

func NewRunner(opts Options) (*Runner, error) {
	headless := opts.HeadlessPath
	if headless == "" {
		headless = detectHeadless()
	}
	if headless == "" {
		return nil, fmt.Errorf("ghidra: analyzeHeadless not found; set ghidra.headless_path")
	}
	projectDir := opts.ProjectDir
	if projectDir == "" {
		projectDir = filepath.Join(os.TempDir(), "ghidrad-projects")
	}
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("ghidra: create project dir: %w", err)
	}
	limit := opts.OutputLimitBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		headless:    headless,
		projectDir:  projectDir,
		outputLimit: limit,
		logger:      logger,
	}, nil
}

func detectHeadless() string {
	if v := os.Getenv("GHIDRA_HEADLESS_PATH"); v != "" {
		return v
	}
	for _, p := range candidatePaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Run spawns one analyzeHeadless invocation. The caller must already hold
// the project lock: the child writes to the project's on-disk database.
// Output streams are captured into bounded buffers so a runaway tool cannot
// grow memory without bound.
func (r *Runner) Run(ctx context.Context, inv domain.Invocation) (domain.InvocationResult, error) {
	start := time.Now()
	res := domain.InvocationResult{RequestID: inv.RequestID, StartedAt: start}

	args, err := r.buildArgs(inv)
	if err != nil {
		return res, err
	}

	cmd := exec.CommandContext(ctx, r.headless, args...)
	cmd.Dir = r.projectDir
	stdout := newBoundedBuffer(r.outputLimit)
	stderr := newBoundedBuffer(r.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Info("tool invocation starting",
		"request", inv.RequestID, "kind", inv.Kind, "project", inv.Project, "target", inv.Target)

	runErr := cmd.Run()
	res.DurationMS = time.Since(start).Milliseconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	switch {
	case runErr == nil:
		res.Reason = domain.ReasonCompleted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Reason = domain.ReasonTimedOut
		res.ExitCode = -1
	case errors.Is(ctx.Err(), context.Canceled):
		res.Reason = domain.ReasonCancelled
		res.ExitCode = -1
	default:
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			res.Reason = domain.ReasonCrashed
			res.ExitCode = ee.ExitCode()
		} else {
			// spawn failure, not a child crash
			return res, fmt.Errorf("ghidra: run: %w", runErr)
		}
	}

	r.logger.Info("tool invocation finished",
		"request", inv.RequestID, "reason", res.Reason,
		"exit", res.ExitCode, "duration_ms", res.DurationMS, "truncated", res.Truncated)
	return res, nil
}

// buildArgs assembles the headless command line. Every invocation gets a
// throwaway project name inside the shared project directory; the project
// is deleted after analysis so repeated requests for the same target do not
// accumulate state.
func (r *Runner) buildArgs(inv domain.Invocation) ([]string, error) {
	projectName := fmt.Sprintf("%s_%s", sanitize(inv.Project), uuid.New().String()[:8])
	args := []string{r.projectDir, projectName}

	if inv.Kind == domain.KindQuery {
		// free-form queries need no binary import; a metadata-only pass keeps
		// the invocation cheap while still exercising the engine
		args = append(args, "-noanalysis", "-deleteProject")
		return args, nil
	}

	if inv.Target == "" {
		return nil, fmt.Errorf("%w: kind %s requires a target", domain.ErrDecode, inv.Kind)
	}
	args = append(args, "-import", inv.Target, "-analyzeAll", "-deleteProject")

	switch inv.Kind {
	case domain.KindFunctionAnalysis:
		if fn := inv.Params["function"]; fn != "" {
			args = append(args, "-postScript", "DecompileFunction.java", fn)
		}
	case domain.KindPatternSearch:
		if pat := inv.Params["pattern"]; pat != "" {
			args = append(args, "-postScript", "PatternSearch.java", pat)
		}
	case domain.KindFirmwareAnalysis:
		if arch := inv.Params["arch"]; arch != "" && arch != "auto_detect" {
			args = append(args, "-processor", arch)
		}
	}
	if inv.Params["depth"] == "quick" {
		// quick assessments skip the deep analyzer set
		args = append(args, "-analysisTimeoutPerFile", "60")
	}
	return args, nil
}

// Probe is the supervisor's liveness check against the tool pool: the
// headless launcher must exist and the project directory must be writable.
func (r *Runner) Probe(ctx context.Context) error {
	if _, err := os.Stat(r.headless); err != nil {
		return fmt.Errorf("ghidra: headless launcher missing: %w", err)
	}
	probe := filepath.Join(r.projectDir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("ghidra: project dir not writable: %w", err)
	}
	return os.Remove(probe)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "project"
	}
	return string(out)
}

// boundedBuffer retains at most limit bytes and records overflow.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.limit - len(b.buf)
	if remain <= 0 {
		b.truncated = true
		return len(p), nil // discard, but never stall the child
	}
	if len(p) > remain {
		b.buf = append(b.buf, p[:remain]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
