package catalog

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound signals that the requested document does not exist.
var ErrNotFound = errors.New("catalog document not found")

// RequestError is a failed remote request with whatever response was received.
// Status is zero for transport-level failures.
type RequestError struct {
	URL     string
	Status  int
	Body    []byte
	Headers http.Header
	Err     error
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("request %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries an HTTP 429 response.
func IsRateLimited(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status == http.StatusTooManyRequests
	}
	return false
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	return 0
}

// NewSyncError builds an audit row from a terminal error.
func NewSyncError(ec ErrorContext, err error) SyncError {
	out := SyncError{ErrorContext: ec}
	if err != nil {
		out.Message = err.Error()
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		out.Status = reqErr.Status
		out.Data = append([]byte(nil), reqErr.Body...)
		if len(reqErr.Headers) > 0 {
			out.Headers = reqErr.Headers.Clone()
		}
		if out.URL == "" {
			out.URL = reqErr.URL
		}
	}
	return out
}
