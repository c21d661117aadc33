package manus

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPollTimeout is returned by WaitForCompletion when the deadline passes
// while the task is still running.
var ErrPollTimeout = errors.New("task did not complete before the polling deadline")

// APIError is a non-2xx answer from the remote task API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("manus api %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("manus api %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
