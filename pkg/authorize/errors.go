package authorize

import (
	"errors"
	"net/http"
)

// ErrorWithCode is an error that knows which HTTP status it maps to.
type ErrorWithCode interface {
	error
	HTTPStatusCode() int
}

const (
	ReasonMissingBearer = "missing bearer token"
	ReasonInvalidToken  = "invalid token"
)

// UnauthenticatedError is returned for every rejected inbound credential.
// Reason is safe to show to callers, Err carries the cause for diagnostics.
type UnauthenticatedError struct {
	Reason string
	Err    error
}

func (e *UnauthenticatedError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *UnauthenticatedError) Unwrap() error {
	return e.Err
}

func (e *UnauthenticatedError) HTTPStatusCode() int {
	return http.StatusUnauthorized
}

// InvalidToken wraps cause into an UnauthenticatedError.
func InvalidToken(cause error) *UnauthenticatedError {
	return &UnauthenticatedError{Reason: ReasonInvalidToken, Err: cause}
}

// IsUnauthenticated reports whether err is, or wraps, an UnauthenticatedError.
func IsUnauthenticated(err error) bool {
	var uerr *UnauthenticatedError
	return errors.As(err, &uerr)
}
