package analysis

import "time"

// TerminationReason classifies how a tool invocation ended.
type TerminationReason string

const (
	ReasonCompleted TerminationReason = "completed"
	ReasonTimedOut  TerminationReason = "timed-out"
	ReasonCancelled TerminationReason = "cancelled"
	ReasonCrashed   TerminationReason = "crashed"
)

// Invocation describes one run of the external analysis engine. The caller
// must hold the project lock before running it; the runner itself performs
// no locking.
type Invocation struct {
	RequestID RequestID
	Kind      Kind
	Target    string
	Project   string
	Params    map[string]string
}

// InvocationResult carries everything the orchestrator needs to decide
// whether partial output is usable.
type InvocationResult struct {
	RequestID  RequestID
	Reason     TerminationReason
	ExitCode   int
	Stdout     string
	Stderr     string
	Truncated  bool // bounded buffers overflowed
	StartedAt  time.Time
	DurationMS int64
}

// Usable reports whether the invocation produced output worth feeding to
// inference. A crash with recognizable partial output is still usable.
func (r InvocationResult) Usable() bool {
	if r.Reason == ReasonCompleted {
		return true
	}
	return r.Reason == ReasonCrashed && len(r.Stdout) > 0
}

// Prompt is the payload for one inference call, derived from tool output.
type Prompt struct {
	RequestID RequestID
	System    string
	User      string
	MaxTokens int
}

// InferenceResult is the outcome of the AI augmentation step.
type InferenceResult struct {
	RequestID RequestID
	Text      string
	Attempts  int
}
