package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/proofline/internal/api/middleware"
	"github.com/timmy/proofline/internal/domain"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/service"
)

// UploadHandler handles chunked original uploads.
type UploadHandler struct {
	uploads  *service.UploadService
	backends service.BackendProvider
	queue    service.JobEnqueuer
}

// NewUploadHandler creates a new upload handler.
// Parameters:
//   - uploads: chunk session service.
//   - backends: builds the storage backend receiving completed files.
//   - queue: receives a proof job per completed upload. Nil disables pre-generation.
//
// Returns:
//   - *UploadHandler: initialized handler.
func NewUploadHandler(uploads *service.UploadService, backends service.BackendProvider, queue service.JobEnqueuer) *UploadHandler {
	return &UploadHandler{uploads: uploads, backends: backends, queue: queue}
}

// InitUploadRequest opens a chunked upload session.
type InitUploadRequest struct {
	ProjectID   int64  `json:"project_id" binding:"required,min=1"`
	Filename    string `json:"filename" binding:"required,max=255"`
	TotalChunks int    `json:"total_chunks" binding:"required,min=1,max=10000"`
	TotalBytes  int64  `json:"total_bytes" binding:"min=0"`
	Mime        string `json:"mime"`
}

// CompleteUploadResponse reports the stored original and whether its proof was queued.
type CompleteUploadResponse struct {
	*domain.UploadResult
	ProofPath   string `json:"proof_path"`
	ProofQueued bool   `json:"proof_queued"`
}

// Init opens a session and returns it with 201.
func (h *UploadHandler) Init(c *gin.Context) {
	var req InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sess, err := h.uploads.InitSession(c.Request.Context(), req.ProjectID, req.Filename, req.TotalChunks, req.TotalBytes, req.Mime)
	if err != nil {
		respondError(c, err, "Failed to start upload")
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// WriteChunk stores the raw request body as one chunk.
func (h *UploadHandler) WriteChunk(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, err)
		return
	}

	progress, err := h.uploads.WriteChunk(c.Request.Context(), c.Param("id"), index, c.Request.Body)
	if err != nil {
		respondError(c, err, "Failed to store chunk")
		return
	}
	c.JSON(http.StatusOK, progress)
}

// Progress reports received and total chunks.
func (h *UploadHandler) Progress(c *gin.Context) {
	progress, err := h.uploads.Progress(c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to read upload progress")
		return
	}
	c.JSON(http.StatusOK, progress)
}

// Complete assembles the session, stores the original and queues its proof.
func (h *UploadHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	ctx := logger.SetUploadID(c.Request.Context(), id)

	// The session is gone once Complete succeeds, so read its project first.
	sess, err := h.uploads.Session(id)
	if err != nil {
		respondError(c, err, "Failed to complete upload")
		return
	}

	backend, err := h.backends(ctx)
	if err != nil {
		respondError(c, err, "Storage backend unavailable")
		return
	}

	res, err := h.uploads.Complete(ctx, id, backend)
	if err != nil {
		respondError(c, err, "Failed to complete upload")
		return
	}

	resp := CompleteUploadResponse{UploadResult: res, ProofPath: service.ProofPathFor(res.Key)}
	if h.queue != nil {
		projectID := sess.ProjectID
		job := domain.ProofJob{OriginalPath: res.Key, ProofPath: resp.ProofPath, ProjectID: &projectID}
		n, err := h.queue.EnqueueBatch(ctx, []domain.ProofJob{job})
		if err != nil {
			middleware.GetLogger(c).WithError(err).Warn("Failed to queue proof for upload")
		}
		resp.ProofQueued = n > 0
	}
	c.JSON(http.StatusCreated, resp)
}
