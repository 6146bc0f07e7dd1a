package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jonadableite/turbofy-gateway/internal/logging"
)

const readinessTimeout = 2 * time.Second

// Check is one readiness check. A failing critical check takes the instance
// out of rotation; any other failure only marks it degraded.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

type HealthHandler struct {
	version string
	checks  []Check
}

func NewHealthHandler(version string, checks ...Check) *HealthHandler {
	return &HealthHandler{version: version, checks: checks}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status, httpStatus := "ok", http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		err := c.Run(ctx)
		if err == nil {
			results[c.Name] = "ok"
			continue
		}

		logging.FromContext(ctx).Warn("readiness check failed", "check", c.Name, "error", err)
		if c.Critical {
			results[c.Name] = "down"
			status, httpStatus = "down", http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "degraded"
		if status == "ok" {
			status = "degraded"
		}
	}

	RespondJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    results,
	})
}
