package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/cache"
	"github.com/anicoll/homedash/internal/pkg/config"
	"github.com/anicoll/homedash/internal/pkg/hass"
	"github.com/anicoll/homedash/internal/pkg/model"
	"github.com/anicoll/homedash/internal/pkg/ratelimit"
)

const (
	entitiesKey     = "entities"
	entitiesPattern = "^entities"
	maxBodyBytes    = 1 << 20
)

var errEmptyBody = errors.New("request body is empty")

type hassAPI interface {
	States(ctx context.Context) ([]model.Entity, error)
	CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error)
	Ping(ctx context.Context) (time.Duration, error)
}

type hub interface {
	Status() hass.Status
}

type sessions interface {
	Login(username, password string) (string, time.Time, error)
	Middleware(next http.Handler) http.Handler
	SetCookie(w http.ResponseWriter, token string, expires time.Time)
	ClearCookie(w http.ResponseWriter)
}

type server struct {
	api      hassAPI
	hub      hub
	sessions sessions
	events   http.Handler
	limiter  *ratelimit.Limiter
	entities *cache.Cache[[]model.Entity]
	metrics  *metrics
	limits   config.RateLimitConfig
	cacheTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// New wires the dashboard API. events serves the realtime stream and is
// mounted behind the session middleware.
func New(cfg *config.Config, api hassAPI, hub hub, sessions sessions, events http.Handler, opts ...func(*server)) *server {
	s := &server{
		api:      api,
		hub:      hub,
		sessions: sessions,
		events:   events,
		limiter:  ratelimit.New(),
		entities: cache.New[[]model.Entity](),
		metrics:  newMetrics(time.Now),
		limits:   cfg.RateLimitCfg,
		cacheTTL: cfg.EntityCacheTTL,
		now:      time.Now,
		logger:   zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithLimiter shares a limiter whose sweeper is owned by the caller.
func WithLimiter(l *ratelimit.Limiter) func(*server) {
	return func(s *server) {
		s.limiter = l
	}
}

func WithEntityCache(c *cache.Cache[[]model.Entity]) func(*server) {
	return func(s *server) {
		s.entities = c
	}
}

func (s *server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(SameOriginCORS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.GetHealth)
		r.Get("/metrics", s.GetMetrics)
		r.Delete("/metrics", s.DeleteMetrics)

		r.Post("/auth/login", s.PostLogin)
		r.Post("/auth/logout", s.PostLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.sessions.Middleware)
			r.Get("/ha/entities", s.GetEntities)
			r.Post("/ha/call_service", s.PostCallService)
			r.Method(http.MethodGet, "/ha/stream", s.events)
		})
	})
	return r
}

// allow applies a per-client limit and writes the rate limit headers. A
// denied request has already been answered when it returns false.
func (s *server) allow(w http.ResponseWriter, r *http.Request, maxRequests int, deniedMsg string) bool {
	res := s.limiter.Check(ratelimit.Identifier(r), ratelimit.Config{
		MaxRequests: maxRequests,
		Window:      s.limits.Window,
	})
	ratelimit.WriteHeaders(w, res, s.now())
	if !res.Success {
		writeError(w, http.StatusTooManyRequests, deniedMsg)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func unmarshalPayload[T any](r *http.Request) (*T, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", out, err)
	}
	return &out, nil
}
