package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/proofline/internal/api/middleware"
	"github.com/timmy/proofline/internal/service"
	"github.com/timmy/proofline/internal/storage"
)

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusOf maps service and storage errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, storage.ErrTokenInvalid),
		errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrTokenForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidUpload),
		errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrMissingChunk):
		return http.StatusConflict
	case errors.Is(err, service.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrMimeNotAllowed):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, storage.ErrUnknownDriver),
		errors.Is(err, storage.ErrInvalidConfig):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrOperationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err at a level matching its status and writes the error body.
func respondError(c *gin.Context, err error, msg string) {
	status := statusOf(err)
	log := middleware.GetLogger(c).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg)
		_ = c.Error(err)
	} else {
		log.Warn(msg)
	}

	body := ErrorResponse{Error: msg}
	if status < http.StatusInternalServerError {
		body.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

// badRequest rejects malformed input without touching the services.
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
