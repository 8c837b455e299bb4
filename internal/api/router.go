package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldkit/shopcollector/internal/collector"
)

// RouterDeps holds what the local HTTP server serves.
type RouterDeps struct {
	App     *collector.App
	Shell   http.Handler // application shell; nil disables /*
	Metrics http.Handler // nil disables /metrics
	Logger  *slog.Logger
}

// NewRouter returns the local server: health, collector status, location
// refresh, metrics, and the application shell on every other path.
func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(logger))

	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(d.App))
	r.Post("/api/location/refresh", handleRefresh(d.App))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}
	if d.Shell != nil {
		r.Handle("/*", d.Shell)
	} else {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			httpError(w, http.StatusNotFound, "not_found", "no route for %s", r.URL.Path)
		})
	}
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, http.StatusMethodNotAllowed, "invalid_request_error", "%s not allowed on %s", r.Method, r.URL.Path)
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(app *collector.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Status())
	}
}

// handleRefresh restarts the location watch. The watch outlives the request,
// so it runs on a context detached from the request's cancellation.
func handleRefresh(app *collector.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app.State.Tracker.Refresh(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusAccepted, app.State.Tracker.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
