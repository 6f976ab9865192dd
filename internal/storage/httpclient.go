package storage

import (
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/proofline/internal/retry"
)

// DefaultHTTPTimeout bounds every call to a hosted media API.
const DefaultHTTPTimeout = 60 * time.Second

// NewHTTPClient creates the resty client shared by the hosted backends.
// Retries are left to the retry executor.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", "proofline/1.0")
	client.SetRetryCount(0)
	return client
}

// checkResponse turns a transport error or a non-2xx response into an error
// the retry classifier understands.
func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return retry.NewHTTPError(resp.StatusCode(), resp.String())
	}
	return nil
}
