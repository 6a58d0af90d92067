// Package api exposes the HTTP interface for the progress coordinator.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-coordinator/internal/config"
	"github.com/JakeFAU/progress-coordinator/internal/metrics"
	"github.com/JakeFAU/progress-coordinator/internal/progress"
	"github.com/JakeFAU/progress-coordinator/internal/store"
)

// Coordinator is the subset of *progress.Coordinator the handlers use.
type Coordinator interface {
	BeginRun(ctx context.Context, runID string, opts progress.RunOptions) error
	Dispose(ctx context.Context, runID string) error
	Deliver(ctx context.Context, evt progress.Event) error
	Snapshot(runID string) (progress.Snapshot, bool)
	Runs() []string
}

// Publisher pushes a raw event onto an in-process channel and reports how
// many listeners received it.
type Publisher interface {
	Publish(event string, payload []byte) int
}

// IDGenerator creates run ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies the time used for staleness.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators wired into the Server. History, Publisher,
// Metrics and Ready are optional.
type Deps struct {
	Coordinator Coordinator
	Hub         *Hub
	Publisher   Publisher
	History     store.RunRepository
	IDs         IDGenerator
	Clock       Clock
	Metrics     *metrics.HTTP
	Gatherer    prometheus.Gatherer
	Ready       func(ctx context.Context) error
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	history  *HistoryHandler
	upgrader websocket.Upgrader
	cfg      config.Config
	logger   *zap.Logger
}

const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	s := &Server{
		deps:    deps,
		history: NewHistoryHandler(deps.History, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			// The stream outlives any request timeout and needs the raw
			// writer for the upgrade.
			r.Get("/{run_id}/stream", s.streamRun)
			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Post("/", s.beginRun)
				r.Get("/", s.listRuns)
				r.Get("/{run_id}", s.getRun)
				r.Delete("/{run_id}", s.disposeRun)
			})
		})
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/events/{event}", s.ingestEvent)
			r.Get("/history", s.history.ListRuns)
			r.Get("/history/{run_id}", s.history.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
