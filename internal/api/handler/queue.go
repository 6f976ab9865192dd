package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/proofline/internal/service"
)

// QueueHandler exposes the proof queue to operators.
type QueueHandler struct {
	queue *service.ProofQueue
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(queue *service.ProofQueue) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// Stats returns the number of queued jobs and whether a worker holds the lock.
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.queue.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to read queue stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Run processes one batch synchronously. A run that finds the lock held
// reports skipped and returns 202 so callers can retry later.
func (h *QueueHandler) Run(c *gin.Context) {
	res, err := h.queue.ProcessQueue(c.Request.Context())
	if err != nil {
		respondError(c, err, "Queue run failed")
		return
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}
