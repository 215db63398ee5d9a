package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/config"
	"github.com/JakeFAU/registry-fetcher/internal/lookup"
	"github.com/JakeFAU/registry-fetcher/internal/metrics"
	"github.com/JakeFAU/registry-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// Lookuper answers entity lookups.
type Lookuper interface {
	Lookup(ctx context.Context, req lookup.Request) lookup.Response
}

// RateStatus reports the admission bucket.
type RateStatus interface {
	GetStatus(id string) ratelimit.Status
}

// PoolStatus reports session pool health.
type PoolStatus interface {
	IsHealthy() bool
	Stats() browser.Stats
}

// IDGenerator returns request identifiers.
type IDGenerator interface {
	MustNewID() string
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Lookup   Lookuper
	Limiter  RateStatus
	Pool     PoolStatus
	IDs      IDGenerator
	SourceID string
}

// Server wires HTTP handlers to the lookup service and status sources.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

type rateLimitResponse struct {
	Source    string    `json:"source"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(timeout))
		r.Get("/entities/{key}", s.getEntity)
		r.Get("/ratelimit", s.getRateLimit)
		r.Get("/pool", s.getPool)
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
	if s.deps.Pool != nil && !s.deps.Pool.IsHealthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "browser pool unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lookup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lookup service not configured")
		return
	}
	includePeople, err := boolParam(r, "people")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	forceRefresh, err := boolParam(r, "refresh")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.deps.Lookup.Lookup(r.Context(), lookup.Request{
		Key:           chi.URLParam(r, "key"),
		IncludePeople: includePeople,
		ForceRefresh:  forceRefresh,
	})
	s.writeJSON(w, statusFor(resp), resp)
}

func (s *Server) getRateLimit(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Limiter == nil {
		s.writeError(w, http.StatusServiceUnavailable, "rate limiter not configured")
		return
	}
	st := s.deps.Limiter.GetStatus(s.deps.SourceID)
	s.writeJSON(w, http.StatusOK, rateLimitResponse{
		Source:    s.deps.SourceID,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt,
	})
}

func (s *Server) getPool(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		s.writeError(w, http.StatusServiceUnavailable, "browser pool not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

// statusFor maps a lookup outcome onto an HTTP status.
func statusFor(resp lookup.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Outcome {
	case lookup.OutcomeInvalid:
		return http.StatusBadRequest
	case registry.OutcomeNotFound:
		return http.StatusNotFound
	case registry.OutcomeFlagged:
		return http.StatusUnavailableForLegalReasons
	case registry.OutcomeQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		if resp.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("query parameter %s must be a boolean", name)
	}
	return v, nil
}

type requestIDKey struct{}

// RequestID returns the request id stored by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" && s.deps.IDs != nil {
			reqID = s.deps.IDs.MustNewID()
		}
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
					zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				_ = writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
