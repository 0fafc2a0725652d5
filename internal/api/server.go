// Package api exposes the lifecycle operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/yairfalse/overwatch/internal/binding"
	"github.com/yairfalse/overwatch/internal/daemon"
	"github.com/yairfalse/overwatch/internal/filter"
	"github.com/yairfalse/overwatch/internal/identity"
	"github.com/yairfalse/overwatch/internal/lifecycle"
	"github.com/yairfalse/overwatch/internal/reaper"
	"github.com/yairfalse/overwatch/internal/scan"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// Service is the set of operations the API serves. *lifecycle.Manager implements it.
type Service interface {
	Signup(ctx context.Context, name, email, password string) (identity.User, error)
	Login(ctx context.Context, email, password string) (identity.User, error)
	BindAccount(ctx context.Context, userID string, ref resource.AccountRef, rebind bool) (lifecycle.BindResult, error)
	ConfirmBind(ctx context.Context, userID string, ref resource.AccountRef) (binding.Binding, error)
	Binding(ctx context.Context, userID string) (binding.Binding, error)
	Scan(ctx context.Context, ref resource.AccountRef) (scan.Summary, error)
	ListResources(ctx context.Context, ref resource.AccountRef, q filter.Query) ([]resource.Record, error)
	ReapExpired(ctx context.Context, ref resource.AccountRef) (reaper.Summary, error)
	PlanReap(ctx context.Context, ref resource.AccountRef) ([]reaper.Candidate, error)
}

var _ Service = (*lifecycle.Manager)(nil)

// HealthReporter reports the state of background jobs. *daemon.Daemon implements it.
type HealthReporter interface {
	Health() daemon.HealthStatus
	Ready() bool
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc      Service
	health   HealthReporter
	log      zerolog.Logger
	location *time.Location
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithHealth makes /healthz and /readyz report h.
func WithHealth(h HealthReporter) Option {
	return func(s *Server) { s.health = h }
}

// WithLocation sets the zone for date-only range bounds.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) { s.location = loc }
}

// NewServer creates a Server.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, log: zerolog.Nop(), location: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/users", s.signup)
		r.Post("/sessions", s.login)

		r.Route("/users/{userID}/binding", func(r chi.Router) {
			r.Get("/", s.getBinding)
			r.Post("/", s.bindAccount)
			r.Post("/confirm", s.confirmBind)
		})

		r.Route("/accounts/{accountRef}", func(r chi.Router) {
			r.Post("/scan", s.scan)
			r.Get("/resources", s.listResources)
		})

		r.Post("/reap", s.reap)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Health())
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil && !s.health.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
