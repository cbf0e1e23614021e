package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

// HealthHandler serves liveness, readiness and breaker status
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates a health handler. breakers may be nil.
func NewHealthHandler(service, version string, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{service: service, version: version, checks: map[string]Check{}, breakers: breakers}
}

// AddCheck registers a readiness check
func (h *HealthHandler) AddCheck(name string, check Check) *HealthHandler {
	h.checks[name] = check
	return h
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

// Ready handles GET /ready. Any failing check makes the service unready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ready", http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status, code = "not ready", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

// Breakers handles GET /breakers
func (h *HealthHandler) Breakers(w http.ResponseWriter, _ *http.Request) {
	statuses := []circuitbreaker.HealthStatus{}
	if h.breakers != nil {
		statuses = h.breakers.Statuses()
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}
