package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/proofline/internal/service"
	"github.com/timmy/proofline/internal/storage"
)

// healthTimeout bounds the storage and queue probes of one health request.
const healthTimeout = 5 * time.Second

// HealthHandler handles health check endpoints
type HealthHandler struct {
	backends service.BackendProvider
	queue    *service.ProofQueue
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(backends service.BackendProvider, queue *service.ProofQueue) *HealthHandler {
	return &HealthHandler{backends: backends, queue: queue}
}

// HealthResponse reports storage and queue state.
type HealthResponse struct {
	Status  string              `json:"status"`
	Storage *storage.Stats      `json:"storage,omitempty"`
	Queue   *service.QueueStats `json:"queue,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Health returns the health status of the service.
// The response is 503 when the storage backend cannot be built or reports unhealthy.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	backend, err := h.backends(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		stats := backend.Stats(ctx)
		resp.Storage = &stats
		if !stats.Healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	if h.queue != nil {
		if qs, err := h.queue.GetStats(ctx); err == nil {
			resp.Queue = &qs
		} else if resp.Error == "" {
			resp.Error = err.Error()
		}
	}

	c.JSON(status, resp)
}
