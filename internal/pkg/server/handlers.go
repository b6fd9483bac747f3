package server

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/auth"
	"github.com/anicoll/homedash/internal/pkg/hass"
	"github.com/anicoll/homedash/internal/pkg/model"
	"github.com/anicoll/homedash/internal/pkg/validation"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusIdle      = "idle"
)

func (s *server) GetEntities(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.limits.MaxRequests, "Too many requests. Please try again later.") {
		return
	}
	start := time.Now()

	if entities, ok := s.entities.Get(entitiesKey, s.cacheTTL); ok {
		s.metrics.record(endpointEntities, time.Since(start), false)
		writeJSON(w, http.StatusOK, entities)
		return
	}

	entities, err := s.api.States(r.Context())
	if err != nil {
		s.metrics.record(endpointEntities, time.Since(start), true)
		s.logger.Error("failed to fetch entities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch entities from Home Assistant")
		return
	}
	s.entities.Set(entitiesKey, entities)
	s.metrics.record(endpointEntities, time.Since(start), false)
	writeJSON(w, http.StatusOK, entities)
}

func (s *server) PostCallService(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.limits.MaxServiceCalls, "Too many service calls. Please try again later.") {
		return
	}

	call, err := unmarshalPayload[model.ServiceCall](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateServiceCall(call); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	start := time.Now()
	res, err := s.api.CallService(r.Context(), *call)
	if err != nil {
		s.metrics.record(endpointServiceCall, time.Since(start), true)
		s.logger.Error("service call failed",
			zap.Error(err),
			zap.String("domain", call.Domain),
			zap.String("service", call.Service),
			zap.String("entity_id", call.EntityID),
		)
		writeError(w, http.StatusInternalServerError, "Failed to call Home Assistant service")
		return
	}
	s.metrics.record(endpointServiceCall, time.Since(start), false)

	if _, err := s.entities.Invalidate(entitiesPattern); err != nil {
		s.logger.Warn("failed to invalidate entity cache", zap.Error(err))
	}
	s.logger.Info("service called",
		zap.String("domain", call.Domain),
		zap.String("service", call.Service),
		zap.String("entity_id", call.EntityID),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res)
}

func validateServiceCall(call *model.ServiceCall) string {
	switch {
	case call.Domain == "" || call.Service == "" || call.EntityID == "":
		return "Missing required fields: domain, service, or entity_id"
	case !validation.EntityID(call.EntityID):
		return "Invalid entity_id format. Must be: domain.object_id"
	case !validation.Domain(call.Domain):
		return "Invalid or unsupported domain"
	case !validation.Service(call.Service):
		return "Invalid service name format"
	case !validation.ServiceData(call.Data):
		return "Invalid service data format"
	}
	return ""
}

type Check struct {
	Status  string  `json:"status"`
	Latency int64   `json:"latency"`
	Error   *string `json:"error"`
}

type RealtimeCheck struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Listeners int    `json:"listeners"`
	Attempts  int    `json:"attempts"`
}

type HealthChecks struct {
	HomeAssistant Check         `json:"homeAssistant"`
	Realtime      RealtimeCheck `json:"realtime"`
}

type HealthResponse struct {
	Timestamp    string       `json:"timestamp"`
	Status       string       `json:"status"`
	Checks       HealthChecks `json:"checks"`
	ResponseTime int64        `json:"responseTime"`
}

func (s *server) GetHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.limits.MaxHealthChecks, "Too many health check requests. Please try again later.") {
		return
	}
	start := time.Now()
	res := HealthResponse{
		Timestamp: model.FormatTimestamp(s.now()),
		Checks: HealthChecks{
			HomeAssistant: s.checkHomeAssistant(r),
			Realtime:      s.checkRealtime(),
		},
	}

	status := http.StatusOK
	res.Status = statusHealthy
	if res.Checks.HomeAssistant.Status != statusHealthy || res.Checks.Realtime.Status == statusUnhealthy {
		res.Status = statusDegraded
		status = http.StatusServiceUnavailable
	}
	res.ResponseTime = time.Since(start).Milliseconds()
	writeJSON(w, status, res)
}

func (s *server) checkHomeAssistant(r *http.Request) Check {
	latency, err := s.api.Ping(r.Context())
	c := Check{Status: statusHealthy, Latency: latency.Milliseconds()}
	if err != nil {
		msg := err.Error()
		c.Status = statusUnhealthy
		c.Error = &msg
	}
	return c
}

// checkRealtime treats a socket nobody has asked for yet as idle rather
// than down.
func (s *server) checkRealtime() RealtimeCheck {
	st := s.hub.Status()
	c := RealtimeCheck{
		State:     st.State.String(),
		Listeners: st.Listeners,
		Attempts:  st.Attempts,
	}
	switch {
	case st.State == hass.Authenticated:
		c.Status = statusHealthy
	case st.State == hass.Disconnected && st.Listeners == 0 && st.Attempts == 0:
		c.Status = statusIdle
	case st.State == hass.Connecting || st.State == hass.AuthPending:
		c.Status = statusDegraded
	default:
		c.Status = statusUnhealthy
	}
	return c
}

func (s *server) GetMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.summary())
}

func (s *server) DeleteMetrics(w http.ResponseWriter, _ *http.Request) {
	s.metrics.reset()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Metrics reset successfully"})
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) PostLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.limits.MaxServiceCalls, "Too many login attempts. Please try again later.") {
		return
	}
	req, err := unmarshalPayload[LoginRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	token, expires, err := s.sessions.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.logger.Warn("rejected login", zap.String("username", validation.SanitizeString(req.Username)))
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		s.logger.Error("failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred")
		return
	}
	s.sessions.SetCookie(w, token, expires)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"expires_at": model.FormatTimestamp(expires),
	})
}

func (s *server) PostLogout(w http.ResponseWriter, _ *http.Request) {
	s.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Signed out"})
}
