package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationFailed matches every wrapped upload, delete and URL failure.
	ErrOperationFailed = errors.New("storage operation failed")

	// ErrUnknownDriver is returned by the factory for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown storage driver")

	// ErrInvalidConfig is returned when required driver settings are missing.
	ErrInvalidConfig = errors.New("invalid storage configuration")

	// ErrInvalidKey is returned for keys that escape the storage root.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrObjectNotFound is returned when a resolved object is no longer present.
	ErrObjectNotFound = errors.New("object not found")

	// ErrTokenInvalid is returned for unknown, consumed or expired file tokens.
	ErrTokenInvalid = errors.New("file token invalid or expired")

	// ErrTokenForbidden is returned when a token is presented from a different client IP.
	ErrTokenForbidden = errors.New("file token bound to another client")
)

// OpError records the operation, backend and key of a failed storage call.
type OpError struct {
	Op      string
	Backend string
	Key     string
	Err     error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s %s %q: %v", ErrOperationFailed, e.Backend, e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrOperationFailed) hold for every OpError.
func (e *OpError) Is(target error) bool {
	return target == ErrOperationFailed
}
