package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

// KindCancel is the reserved frame kind that cancels an in-flight request
// (params.request_id) instead of submitting a new one.
const KindCancel = "$cancel"

// RequestFrame is one newline-delimited JSON request.
type RequestFrame struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Target     string                 `json:"target,omitempty"`
	Project    string                 `json:"project,omitempty"`
	Params     map[string]any         `json:"params,omitempty"`
	DeadlineMS int64                  `json:"deadline_ms,omitempty"`
}

// ResponseFrame is one newline-delimited JSON response, tagged by the
// request id. status is "ok" or "error"; degraded ok results carry the
// degraded flag so a raw-output result is never presented as AI-augmented.
type ResponseFrame struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Result    *ResultPayload `json:"result,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

type ResultPayload struct {
	Stage      string `json:"stage"`
	Text       string `json:"text,omitempty"`
	RawOutput  string `json:"raw_output,omitempty"`
	Degraded   bool   `json:"degraded"`
	DegradedBy string `json:"degraded_by,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// scalarParams converts the frame's params to the string→scalar mapping the
// domain requires. Nested objects and arrays are a decode error.
func scalarParams(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			out[k] = t.String()
		case nil:
			// drop explicit nulls
		default:
			return nil, fmt.Errorf("%w: param %q is not a scalar", domain.ErrDecode, k)
		}
	}
	return out, nil
}

func errorResponse(id string, err error) ResponseFrame {
	return ResponseFrame{
		ID:        id,
		Status:    "error",
		ErrorCode: domain.ErrorCode(err),
		Message:   err.Error(),
	}
}

func resultResponse(res *domain.Result) ResponseFrame {
	if res.Stage == domain.StageFailed {
		f := errorResponse(string(res.ID), res.Err)
		if res.RawOutput != "" {
			f.Result = &ResultPayload{
				Stage:      string(res.Stage),
				RawOutput:  res.RawOutput,
				DurationMS: res.DurationMS,
			}
		}
		return f
	}
	return ResponseFrame{
		ID:     string(res.ID),
		Status: "ok",
		Result: &ResultPayload{
			Stage:      string(res.Stage),
			Text:       res.Text,
			RawOutput:  res.RawOutput,
			Degraded:   res.Degraded,
			DegradedBy: res.DegradedBy,
			DurationMS: res.DurationMS,
		},
	}
}
