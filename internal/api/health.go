package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	cache   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. cache may be nil when the
// persistent file cache is disabled.
func NewHealthHandler(cache Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{cache: cache, timeout: timeout}
}

// Health reports API and cache database health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	switch {
	case h.cache == nil:
		checks["cache"] = "disabled"
	case h.cache.Ping(ctx) != nil:
		slog.Error("Health check failed", "check", "cache")
		status["status"] = "degraded"
		checks["cache"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	default:
		checks["cache"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
