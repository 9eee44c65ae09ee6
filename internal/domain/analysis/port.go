package analysis

import "context"

// Runner port (interface for tool execution). Run blocks until the child
// process exits, the ctx deadline fires, or the caller cancels; the three
// are distinguished by the result's TerminationReason.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (InvocationResult, error)
	// Probe is a lightweight liveness check used by the supervisor health loop.
	Probe(ctx context.Context) error
}

// Inference port (interface for the AI backend call).
type Inference interface {
	Infer(ctx context.Context, p Prompt) (InferenceResult, error)
}

// Locker port (per-project mutual exclusion).
type Locker interface {
	Acquire(ctx context.Context, project string, id RequestID) error
	Release(project string, id RequestID) error
	ReleaseAll()
}

// Journal port (persistence for terminal requests).
type Journal interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id RequestID) (*Record, error)
	Latest(ctx context.Context, limit int) ([]*Record, error)
}

// ArtifactStore port (optional archiving of raw tool output).
type ArtifactStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	UploadAndCleanup(ctx context.Context, localPath, key string) (string, error)
}
