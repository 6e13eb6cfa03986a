package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/sqlchat/internal/generation"
)

const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Backend  string `json:"backend"`
}

// Health reports database connectivity and, when the backend supports it,
// backend reachability. Only a database failure changes the status code.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Backend: "unknown"}
	status := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("database health check failed", "error", err)
		resp.Status, resp.Database = "unavailable", "error"
		status = http.StatusServiceUnavailable
	}

	if pinger, ok := h.backend.(generation.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			h.logger.Warn("generation backend health check failed", "error", err)
			resp.Backend = "error"
			if status == http.StatusOK {
				resp.Status = "degraded"
			}
		} else {
			resp.Backend = "ok"
		}
	}

	JSON(w, status, resp)
}
