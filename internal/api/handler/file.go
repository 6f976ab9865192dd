package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/proofline/internal/logger"
	"github.com/timmy/proofline/internal/service"
	"github.com/timmy/proofline/internal/storage"
)

// FileHandler serves objects of the local backend through single-use tokens.
type FileHandler struct {
	backends service.BackendProvider
}

// NewFileHandler creates a new file handler.
func NewFileHandler(backends service.BackendProvider) *FileHandler {
	return &FileHandler{backends: backends}
}

// Serve consumes the token in the path and streams the file it grants.
// Unknown, used or expired tokens are 404; tokens bound to another client are 403.
func (h *FileHandler) Serve(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: storage.ErrTokenInvalid.Error()})
		return
	}

	ctx := c.Request.Context()
	backend, err := h.backends(ctx)
	if err != nil {
		respondError(c, err, "Storage backend unavailable")
		return
	}
	resolver, ok := backend.(storage.TokenResolver)
	if !ok {
		respondError(c, storage.ErrTokenInvalid, "File tokens are only served by the local backend")
		return
	}

	grant, err := resolver.ResolveToken(ctx, token, c.ClientIP())
	if err != nil {
		respondError(c, err, "File token rejected")
		return
	}

	logger.FromContext(ctx).WithField(logger.FieldObjectKey, grant.Path).Debug("Serving local file")
	if grant.Mime != "" {
		c.Header("Content-Type", grant.Mime)
	}
	c.Header("Cache-Control", "private, no-store")
	c.File(grant.Path)
}
