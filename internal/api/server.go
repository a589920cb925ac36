package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefeed/internal/config"
	"github.com/JakeFAU/pagefeed/internal/enrich"
	"github.com/JakeFAU/pagefeed/internal/feed"
	"github.com/JakeFAU/pagefeed/internal/feedgen"
	"github.com/JakeFAU/pagefeed/internal/metrics"
	"github.com/JakeFAU/pagefeed/internal/source"
)

const requestTimeout = 3 * time.Minute

// FeedService generates feeds.
type FeedService interface {
	GetFeed(ctx context.Context, ref string, req feedgen.Request) (feedgen.Result, error)
}

// TaskService reports enrichment progress.
type TaskService interface {
	Task(id string) (enrich.TaskStatus, error)
	TaskItems(id string) ([]feed.Item, error)
	Tasks(state enrich.TaskState, limit, offset int) []enrich.TaskStatus
}

// SourceLister lists registered adapters.
type SourceLister interface {
	Descriptors() []source.Descriptor
}

// ReadyFunc reports whether downstream dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the orchestrator and the enrichment queue.
type Server struct {
	router  chi.Router
	feeds   FeedService
	tasks   *TaskHandler
	sources SourceLister
	ready   ReadyFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	feeds FeedService,
	tasks TaskService,
	sources SourceLister,
	ready ReadyFunc,
	auth config.AuthConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		feeds:   feeds,
		tasks:   NewTaskHandler(tasks, logger),
		sources: sources,
		ready:   ready,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/feed", s.getFeed)
		r.Get("/sources", s.listSources)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.tasks.ListTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.tasks.GetTask)
				r.Get("/items", s.tasks.GetTaskItems)
			})
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
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	descs := []source.Descriptor{}
	if s.sources != nil {
		descs = append(descs, s.sources.Descriptors()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": descs})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, feed.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, feed.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, feed.ErrConfiguration):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
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
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec))
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
