package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	blocks    BlockSource
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler reporting the run mode.
func NewHealthHandler(blocks BlockSource, mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{blocks: blocks, mode: mode, startedAt: time.Now().UTC(), logger: logger}
}

// HealthCheck reports liveness and the block height the engine sees. A
// failing block clock degrades the response to 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	block, err := h.blocks.CurrentBlock(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "health: block clock unavailable", slog.String("error", err.Error()))
		resp["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["block"] = block
	writeJSON(w, http.StatusOK, resp)
}
