package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/service"
)

// ProofHandler resolves proof URLs for gallery pages.
type ProofHandler struct {
	proofs   *service.ProofService
	backends service.BackendProvider
}

// NewProofHandler creates a new proof handler.
// Parameters:
//   - proofs: proof service.
//   - backends: builds the storage backend for one request.
//
// Returns:
//   - *ProofHandler: initialized handler.
func NewProofHandler(proofs *service.ProofService, backends service.BackendProvider) *ProofHandler {
	return &ProofHandler{proofs: proofs, backends: backends}
}

// ProofBatchRequest names the images of one gallery page. Larger galleries page their requests.
type ProofBatchRequest struct {
	ContextID string            `json:"context_id" binding:"required,max=200"`
	Images    []domain.ImageRef `json:"images" binding:"required,max=1000"`
}

// ProofBatchResponse maps each image's result key to a URL.
type ProofBatchResponse struct {
	URLs map[string]string `json:"urls"`
}

// Resolve returns a proof or placeholder URL for every requested image.
// Missing proofs are queued for generation; the call never waits for them.
func (h *ProofHandler) Resolve(c *gin.Context) {
	var req ProofBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := logger.SetContextID(c.Request.Context(), req.ContextID)
	backend, err := h.backends(ctx)
	if err != nil {
		respondError(c, err, "Storage backend unavailable")
		return
	}

	urls := h.proofs.GetProofURLs(ctx, req.ContextID, req.Images, backend)
	c.JSON(http.StatusOK, ProofBatchResponse{URLs: urls})
}

// Invalidate drops the cached URLs of one image set so the next Resolve recomputes them.
func (h *ProofHandler) Invalidate(c *gin.Context) {
	var req ProofBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := logger.SetContextID(c.Request.Context(), req.ContextID)
	if err := h.proofs.Invalidate(ctx, req.ContextID, req.Images); err != nil {
		respondError(c, err, "Failed to invalidate proof cache")
		return
	}
	c.Status(http.StatusNoContent)
}
