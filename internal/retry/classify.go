package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Class names the category an error falls into for retry decisions.
type Class string

const (
	ClassClient    Class = "client_error"
	ClassServer    Class = "server_error"
	ClassThrottled Class = "throttled"
	ClassTimeout   Class = "timeout"
	ClassLock      Class = "lock_contention"
	ClassCanceled  Class = "canceled"
	ClassUnknown   Class = "unknown"
)

// HTTPError is returned by HTTP-based storage backends and the downloader
// when a response carries a non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

// NewHTTPError builds an HTTPError, truncating long bodies.
func NewHTTPError(status int, body string) *HTTPError {
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &HTTPError{Status: status, Body: strings.TrimSpace(body)}
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// StatusCode returns the HTTP status of the failed response.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

type statusCoder interface {
	StatusCode() int
}

// httpStatusCoder matches AWS smithy response errors.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

var (
	timeoutPatterns   = []string{"requesttimeout", "request timeout", "timed out", "timeout"}
	throttlePatterns  = []string{"throttlingexception", "throttling", "slowdown", "slow down", "too many requests", "rate exceeded"}
	serverPatterns    = []string{"503", "service unavailable", "internalerror"}
	lockPatterns      = []string{"resource temporarily unavailable", "lock"}
	permanentPatterns = []string{"accessdenied", "nosuchbucket", "invalidaccesskeyid", "signaturedoesnotmatch"}
)

// StatusOf extracts an HTTP status code from err, or 0 when none is carried.
func StatusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	var hsc httpStatusCoder
	if errors.As(err, &hsc) {
		return hsc.HTTPStatusCode()
	}
	return 0
}

// Classify assigns err to a Class. Status codes win over message patterns.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	if status := StatusOf(err); status != 0 {
		switch {
		case status == 429:
			return ClassThrottled
		case status == 408:
			return ClassTimeout
		case status >= 400 && status < 500:
			return ClassClient
		case status >= 500:
			return ClassServer
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) {
		return ClassLock
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, permanentPatterns):
		return ClassClient
	case containsAny(msg, throttlePatterns):
		return ClassThrottled
	case containsAny(msg, timeoutPatterns):
		return ClassTimeout
	case containsAny(msg, serverPatterns):
		return ClassServer
	case containsAny(msg, lockPatterns):
		return ClassLock
	}
	return ClassUnknown
}

// ShouldRetry reports whether err is transient. Unknown errors are not retried.
func ShouldRetry(err error) bool {
	switch Classify(err) {
	case ClassServer, ClassThrottled, ClassTimeout, ClassLock:
		return true
	default:
		return false
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
