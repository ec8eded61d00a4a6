package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthTimeout = 5 * time.Second

// Pinger is anything with a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports whether the Conversation Service is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// HealthHandler reports on the store and the Conversation Service.
type HealthHandler struct {
	store   Pinger
	backend Checker
	timeout time.Duration
}

// NewHealthHandler creates a health handler. A nil backend skips that check.
func NewHealthHandler(store Pinger, backend Checker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	return &HealthHandler{store: store, backend: backend, timeout: timeout}
}

// Health returns the status of the service and its dependencies. A backend
// outage degrades the service; an unreachable store makes it unavailable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.backend != nil {
		if err := h.backend.Check(ctx); err != nil {
			slog.Warn("Health check failed", "dependency", "backend", "error", err)
			checks["backend"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["backend"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the dependency health route. The bare /health
// heartbeat is served by middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
