package analysis

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnownKind(t *testing.T) {
	for _, k := range []Kind{
		KindBinaryAnalysis, KindFunctionAnalysis, KindMalwareAnalysis,
		KindExploitDevelopment, KindFirmwareAnalysis, KindPatternSearch, KindQuery,
	} {
		assert.True(t, KnownKind(k), "kind %s", k)
	}
	assert.False(t, KnownKind("steganography"))
	assert.False(t, KnownKind(""))
}

func TestStage_Terminal(t *testing.T) {
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageCompletedDegraded.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageQueued.Terminal())
	assert.False(t, StageRunningTool.Terminal())
}

// TestStage_Ordering pins the monotonic pipeline order.
func TestStage_Ordering(t *testing.T) {
	order := []Stage{StageQueued, StageLocking, StageRunningTool, StageRunningInference, StageCompleted}
	for i := 0; i < len(order)-1; i++ {
		assert.True(t, order[i].Before(order[i+1]), "%s before %s", order[i], order[i+1])
		assert.False(t, order[i+1].Before(order[i]))
	}
	assert.False(t, StageFailed.Before(StageCompleted), "terminals share a rank")
}

func TestInvocationResult_Usable(t *testing.T) {
	assert.True(t, InvocationResult{Reason: ReasonCompleted}.Usable())
	assert.True(t, InvocationResult{Reason: ReasonCrashed, Stdout: "partial"}.Usable())
	assert.False(t, InvocationResult{Reason: ReasonCrashed}.Usable())
	assert.False(t, InvocationResult{Reason: ReasonTimedOut, Stdout: "some"}.Usable())
	assert.False(t, InvocationResult{Reason: ReasonCancelled}.Usable())
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"":                       nil,
		"project_busy":           ErrProjectBusy,
		"analysis_failed":        ErrAnalysisFailed,
		"inference_unavailable":  ErrInferenceUnavailable,
		"inference_rejected":     ErrInferenceRejected,
		"unsupported_kind":       ErrUnsupportedKind,
		"decode_error":           ErrDecode,
		"cancelled":              ErrCancelled,
		"invariant_violation":    ErrInvariantViolation,
		"service_degraded":       ErrServiceDegraded,
		"service_failed":         ErrServiceFailed,
	}
	for code, err := range cases {
		assert.Equal(t, code, ErrorCode(err))
	}
	assert.Equal(t, "internal", ErrorCode(errors.New("surprise")))

	wrapped := fmt.Errorf("%w: project demo held too long", ErrProjectBusy)
	assert.Equal(t, "project_busy", ErrorCode(wrapped), "wrapped errors keep their code")
}
