package analysis

import "errors"

// Error taxonomy. Every response frame maps one of these to a wire
// error_code; stage-local failures are classified at the orchestrator
// boundary and never crash the process.
var (
	// ErrProjectBusy indicates the project lock was not acquired within the
	// request deadline. Recoverable: the caller may retry later.
	ErrProjectBusy = errors.New("project busy")

	// ErrAnalysisFailed indicates the tool crashed or timed out with no
	// usable output.
	ErrAnalysisFailed = errors.New("analysis failed")

	// ErrInferenceUnavailable indicates the AI step exhausted retries or its
	// deadline. The pipeline still returns raw tool output, degraded.
	ErrInferenceUnavailable = errors.New("inference unavailable")

	// ErrInferenceRejected indicates a non-retryable AI failure (bad request,
	// auth, content policy). Also yields a degraded success.
	ErrInferenceRejected = errors.New("inference rejected")

	// ErrUnsupportedKind indicates an unknown request kind. Rejects only the
	// offending request.
	ErrUnsupportedKind = errors.New("unsupported request kind")

	// ErrDecode indicates a malformed request frame.
	ErrDecode = errors.New("decode error")

	// ErrCancelled indicates a caller-initiated cancel or shutdown.
	ErrCancelled = errors.New("request cancelled")

	// ErrInvariantViolation indicates an internal bug such as releasing a
	// lock not held by the caller. Fatal to the current request, logged
	// loudly, never silently swallowed.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrServiceDegraded / ErrServiceFailed are supervisor-level and drive
	// auto-restart then operator alerting.
	ErrServiceDegraded = errors.New("service degraded")
	ErrServiceFailed   = errors.New("service failed")
)

// ErrorCode maps a pipeline error to its wire error_code. Unknown errors
// map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProjectBusy):
		return "project_busy"
	case errors.Is(err, ErrAnalysisFailed):
		return "analysis_failed"
	case errors.Is(err, ErrInferenceUnavailable):
		return "inference_unavailable"
	case errors.Is(err, ErrInferenceRejected):
		return "inference_rejected"
	case errors.Is(err, ErrUnsupportedKind):
		return "unsupported_kind"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrServiceDegraded):
		return "service_degraded"
	case errors.Is(err, ErrServiceFailed):
		return "service_failed"
	default:
		return "internal"
	}
}
