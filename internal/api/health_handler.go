package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

// Health проверяет зависимости процесса.
// GET /healthz → 200 {"status":"ok"} или 503 со списком отказавших проверок.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		h.logger.Warn("health check failed", "failed", failed)
		JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
