// Package httpserver exposes the local admin control surface: service
// status, health, metrics, and journal queries. Analysis requests do not
// flow through here; they use the framed dispatcher transport.
package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/thestingr/ghidrad/internal/application/pipeline"
	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
	"github.com/thestingr/ghidrad/internal/middleware"
	"github.com/thestingr/ghidrad/internal/supervisor"
)

type Router struct {
	sup     *supervisor.Supervisor
	orch    *pipeline.Service
	journal domain.Journal // nil when journaling disabled
	logger  *slog.Logger
}

func NewRouter(sup *supervisor.Supervisor, orch *pipeline.Service, journal domain.Journal,
	checks map[string]middleware.HealthChecker, logger *slog.Logger) http.Handler {

	r := &Router{sup: sup, orch: orch, journal: journal, logger: logger}
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET"},
	}))
	mux.Use(middleware.Logging(logger))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.RateLimit(30, 10))

	mux.Get("/livez", middleware.LivenessHandler)
	mux.Get("/health", middleware.HealthHandler(checks))
	mux.Get("/metrics", middleware.MetricsHandler)
	mux.Get("/status", r.wrap(r.handleStatus))
	mux.Get("/requests/latest", r.wrap(r.handleLatest))
	mux.Get("/requests/{id}", r.wrap(r.handleGet))

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

var errNotFound = errors.New("not found")

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			if errors.Is(err, errNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// GET /status → ServiceState plus in-flight table snapshot
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	status := r.sup.Status()
	stages := r.orch.Snapshot()
	payload := map[string]any{
		"service":  status,
		"in_flight": stages,
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(payload)
}

// GET /requests/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	if r.journal == nil {
		return errNotFound
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.journal.Latest(req.Context(), limit)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// GET /requests/{id} — in-flight stage first, then the journal
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id := domain.RequestID(chi.URLParam(req, "id"))

	if stage, ok := r.orch.Status(id); ok {
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(map[string]any{"id": id, "stage": stage})
	}
	if r.journal == nil {
		return errNotFound
	}
	rec, err := r.journal.Get(req.Context(), id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rec)
}
