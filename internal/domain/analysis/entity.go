package analysis

import (
	"time"
)

// RequestID identifies one analysis request
type RequestID string

// Kind enum, closed set of analysis request kinds
type Kind string

const (
	KindBinaryAnalysis     Kind = "binary-analysis"
	KindFunctionAnalysis   Kind = "function-analysis"
	KindMalwareAnalysis    Kind = "malware-analysis"
	KindExploitDevelopment Kind = "exploit-development"
	KindFirmwareAnalysis   Kind = "firmware-analysis"
	KindPatternSearch      Kind = "pattern-search"
	KindQuery              Kind = "query"
)

// KnownKind reports whether k belongs to the closed kind set. Unknown kinds
// must be rejected at the dispatcher, never coerced to a default.
func KnownKind(k Kind) bool {
	switch k {
	case KindBinaryAnalysis, KindFunctionAnalysis, KindMalwareAnalysis,
		KindExploitDevelopment, KindFirmwareAnalysis, KindPatternSearch, KindQuery:
		return true
	}
	return false
}

// Stage enum for the per-request pipeline state machine. Transitions are
// monotonic: Queued → Locking → RunningTool → {Failed | RunningInference} →
// {Completed | CompletedDegraded}.
type Stage string

const (
	StageQueued            Stage = "queued"
	StageLocking           Stage = "locking"
	StageRunningTool       Stage = "running-tool"
	StageRunningInference  Stage = "running-inference"
	StageCompleted         Stage = "completed"
	StageCompletedDegraded Stage = "completed-degraded"
	StageFailed            Stage = "failed"
)

// Terminal reports whether the stage is a terminal pipeline state.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCompletedDegraded || s == StageFailed
}

var stageRank = map[Stage]int{
	StageQueued:            0,
	StageLocking:           1,
	StageRunningTool:       2,
	StageRunningInference:  3,
	StageFailed:            4,
	StageCompleted:         4,
	StageCompletedDegraded: 4,
}

// Before reports whether s precedes other in the pipeline ordering.
func (s Stage) Before(other Stage) bool {
	return stageRank[s] < stageRank[other]
}

// Request is the immutable analysis request. Built by the dispatcher on
// decode; owned by exactly one pipeline instance until it reaches a
// terminal stage.
type Request struct {
	ID          RequestID         `json:"id"`
	Kind        Kind              `json:"kind"`
	Target      string            `json:"target"`
	Project     string            `json:"project"`
	Params      map[string]string `json:"params,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Deadline    time.Duration     `json:"deadline,omitempty"` // zero → use configured default
}

// Result is the terminal outcome delivered back to the dispatcher.
type Result struct {
	ID         RequestID `json:"id"`
	Stage      Stage     `json:"stage"`
	Text       string    `json:"text,omitempty"`     // AI-augmented analysis, empty on degraded/failure
	RawOutput  string    `json:"raw_output,omitempty"` // tool output, always present when the tool produced any
	Degraded   bool      `json:"degraded"`
	DegradedBy string    `json:"degraded_by,omitempty"` // why AI augmentation is missing
	Err        error     `json:"-"`
	DurationMS int64     `json:"duration_ms"`
}

// StageUpdate is one status event on a request's update stream. The terminal
// update carries the Result.
type StageUpdate struct {
	ID     RequestID `json:"id"`
	Stage  Stage     `json:"stage"`
	At     time.Time `json:"at"`
	Result *Result   `json:"result,omitempty"`
}

// Record is the journal row persisted for a terminal request.
type Record struct {
	ID          RequestID `json:"id"`
	Kind        Kind      `json:"kind"`
	Target      string    `json:"target"`
	Project     string    `json:"project"`
	Stage       Stage     `json:"stage"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Degraded    bool      `json:"degraded"`
	ToolExit    int       `json:"tool_exit"`
	ToolReason  string    `json:"tool_reason,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ResultPath  string    `json:"result_path,omitempty"`
}
