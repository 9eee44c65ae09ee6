package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores admin-surface counters alongside a provider callback for
// pipeline gauges owned elsewhere.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64
	StartTime       time.Time
}

var globalMetrics = &Metrics{StartTime: time.Now()}

// PipelineStats is supplied by the orchestrator wiring; nil until the
// service is running.
var PipelineStats atomic.Pointer[func() map[string]any]

// MetricsMiddleware tracks admin request counters.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&globalMetrics.RequestsTotal, 1)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			atomic.AddUint64(&globalMetrics.RequestsSuccess, 1)
		} else {
			atomic.AddUint64(&globalMetrics.RequestsFailed, 1)
		}
	})
}

// GetMetrics returns current metrics including runtime stats and, when
// registered, the pipeline gauges.
func GetMetrics() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	out := map[string]any{
		"requests_total":   atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_success": atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":  atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"uptime_seconds":   time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]any{
			"alloc_bytes": m.Alloc,
			"sys_bytes":   m.Sys,
			"num_gc":      m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
	if fn := PipelineStats.Load(); fn != nil {
		out["pipeline"] = (*fn)()
	}
	return out
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
