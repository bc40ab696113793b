package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/storm-tracker/internal/catalog"
	"github.com/couchcryptid/storm-tracker/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxListLimit = 1000

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// TrackStore is the read side of the track catalog.
type TrackStore interface {
	List(ctx context.Context, f catalog.Filter) ([]catalog.Summary, error)
	Get(ctx context.Context, model, exp, id string) (catalog.Summary, domain.Track, error)
}

// Server exposes health, readiness, metrics and track catalog endpoints.
type Server struct {
	httpServer *http.Server
	tracks     TrackStore
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and,
// when tracks is non-nil, /tracks routes.
func NewServer(addr string, ready ReadinessChecker, tracks TrackStore, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		tracks: tracks,
		logger: logger,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", handleReady(ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if tracks != nil {
		r.Get("/tracks", s.handleListTracks)
		r.Get("/tracks/{id}", s.handleGetTrack)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handleListTracks serves GET /tracks?model=&exp=&from=&to=&limit=, with
// from and to in RFC 3339.
func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filter{Model: q.Get("model"), Exp: q.Get("exp")}

	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid from: "+err.Error()))
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid to: "+err.Error()))
		return
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, err = strconv.Atoi(v)
		if err != nil || f.Limit <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
	}
	if f.Limit == 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	summaries, err := s.tracks.List(r.Context(), f)
	if err != nil {
		s.logger.Error("list tracks failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if summaries == nil {
		summaries = []catalog.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tracks": summaries,
		"count":  len(summaries),
	})
}

// handleGetTrack serves GET /tracks/{id}?model=&exp=.
func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	model, exp := r.URL.Query().Get("model"), r.URL.Query().Get("exp")
	if model == "" || exp == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("model and exp are required"))
		return
	}

	summary, track, err := s.tracks.Get(r.Context(), model, exp, id)
	if errors.Is(err, catalog.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	if err != nil {
		s.logger.Error("get track failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"track":   track,
	})
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
