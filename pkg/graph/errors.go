package graph

import (
	"fmt"
	"net/http"
)

// DownstreamError is a non-success response of the downstream API.
type DownstreamError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("graph %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), string(e.Body))
}

// HTTPStatusCode passes the downstream status through.
func (e *DownstreamError) HTTPStatusCode() int {
	return e.StatusCode
}

type rateLimitedError struct{}

func (rateLimitedError) Error() string {
	return "too many downstream requests for this credential"
}

func (rateLimitedError) HTTPStatusCode() int {
	return http.StatusTooManyRequests
}

// ErrRateLimited is returned when a credential exceeds its request budget.
var ErrRateLimited error = rateLimitedError{}
