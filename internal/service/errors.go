package service

import "errors"

var (
	// ErrUnsupportedImage is returned when an original cannot be decoded into a proof.
	ErrUnsupportedImage = errors.New("unsupported image")

	// ErrQueueFull is logged when the proof queue refuses new jobs at capacity.
	ErrQueueFull = errors.New("proof queue is full")

	// ErrSessionNotFound is returned for unknown or expired upload sessions.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrMissingChunk is returned when completing an upload with chunks outstanding.
	ErrMissingChunk = errors.New("upload chunk missing")

	// ErrUploadTooLarge is returned when an upload exceeds the configured byte limit.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")

	// ErrMimeNotAllowed is returned when assembled bytes are not an accepted image type.
	ErrMimeNotAllowed = errors.New("mime type not allowed")

	// ErrInvalidUpload is returned for malformed session parameters or chunk indexes.
	ErrInvalidUpload = errors.New("invalid upload request")
)
