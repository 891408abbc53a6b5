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
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/engine"
	"github.com/JakeFAU/marmelspade/internal/metrics"
	"github.com/JakeFAU/marmelspade/internal/policy/ratelimit"
	"github.com/JakeFAU/marmelspade/internal/store"
)

// Config holds the gateway settings. It is decoupled from Viper so tests can
// build a server directly.
type Config struct {
	// Index is the only index queries are sent to.
	Index          string
	RequestTimeout time.Duration
	// RateLimitRPS is the per-client request rate. Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

const (
	defaultRequestTimeout = 10 * time.Second
	readyTimeout          = 2 * time.Second
)

// RequestIDs issues identifiers for inbound requests.
type RequestIDs interface {
	NewRequestID() string
}

// Server wires HTTP handlers to the search engine and run history.
type Server struct {
	router   chi.Router
	searcher engine.Searcher
	history  *HistoryHandler
	clients  *ratelimit.Limiter
	ids      RequestIDs
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be
// nil, in which case the run endpoints answer 503.
func NewServer(
	searcher engine.Searcher,
	history store.HistoryRepository,
	ids RequestIDs,
	cfg Config,
	logger *zap.Logger,
) (*Server, error) {
	if searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if ids == nil {
		return nil, errors.New("request id generator is required")
	}
	if cfg.Index == "" {
		return nil, errors.New("index is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		searcher: searcher,
		history:  NewHistoryHandler(history, logger),
		ids:      ids,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	if cfg.RateLimitRPS > 0 {
		s.clients = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimitRPS, DefaultBurst: cfg.RateLimitBurst})
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.clients != nil {
			r.Use(s.rateLimitMiddleware)
		}
		r.Get("/search", s.search)
		r.Route("/api/runs", func(r chi.Router) {
			r.Get("/", s.history.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.history.GetRun)
				r.Get("/roots", s.history.ListRunRoots)
				r.Get("/failures", s.history.ListRunFailures)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SweepClients drops idle per-client rate limit buckets every interval until
// ctx is done. It returns immediately when rate limiting is disabled.
func (s *Server) SweepClients(ctx context.Context, interval, idle time.Duration) {
	if s.clients == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.clients.Sweep(idle); n > 0 {
				s.logger.Debug("swept idle rate limit buckets", zap.Int("removed", n))
			}
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if !s.searcher.Healthy(ctx) {
		s.writeError(w, http.StatusServiceUnavailable, "search engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := s.ids.NewRequestID()
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
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
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
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.clients.Allow(clientIP(r)) {
			if r.URL.Path == "/search" {
				metrics.ObserveSearch(metrics.SearchRateLimited)
			}
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
