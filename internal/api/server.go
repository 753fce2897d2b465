package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
)

const stateTimeout = 3 * time.Second

// StateReader loads persisted sync state documents.
type StateReader interface {
	LoadState(ctx context.Context, id string) (catalog.SyncState, error)
}

// Server wires the status handlers.
type Server struct {
	router  chi.Router
	states  StateReader
	stateID string
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes for the run identified
// by stateID.
func NewServer(states StateReader, stateID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		states:  states,
		stateID: stateID,
		timeout: stateTimeout,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/state", func(r chi.Router) {
		r.Get("/", s.getState)
		r.Get("/queries/{query}", s.getQuery)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.states == nil {
		s.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) loadState(w http.ResponseWriter, r *http.Request) (catalog.SyncState, bool) {
	if s.states == nil {
		s.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return catalog.SyncState{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	state, err := s.states.LoadState(ctx, s.stateID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "no sync state recorded")
		return catalog.SyncState{}, false
	case err != nil:
		s.logger.Error("load state failed", zap.String("state_id", s.stateID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return catalog.SyncState{}, false
	}
	return state, true
}

// getState handles GET /v1/state.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// getQuery handles GET /v1/state/queries/{query}; 404 when the query is not part
// of the run.
func (s *Server) getQuery(w http.ResponseWriter, r *http.Request) {
	query := chi.URLParam(r, "query")
	state, ok := s.loadState(w, r)
	if !ok {
		return
	}
	prog, found := state.MultiQuery.PerQuery[query]
	if !found || prog == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("query %q not found", query))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": query, "progress": prog})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
