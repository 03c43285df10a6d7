package oauth2

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// ExchangeFailedError is returned when the identity provider declines a
// token exchange. Description carries the provider's error_description,
// or its full response body when no description was given.
type ExchangeFailedError struct {
	Grant       string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeFailedError) Error() string {
	msg := fmt.Sprintf("%s exchange failed", e.Grant)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeFailedError) Unwrap() error {
	return e.Err
}

func (e *ExchangeFailedError) HTTPStatusCode() int {
	return http.StatusBadGateway
}

func exchangeFailed(grant string, err error) *ExchangeFailedError {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return &ExchangeFailedError{Grant: grant, Description: err.Error()}
	}

	xerr := &ExchangeFailedError{
		Grant:       grant,
		Code:        rerr.ErrorCode,
		Description: rerr.ErrorDescription,
	}
	if rerr.Response != nil {
		xerr.StatusCode = rerr.Response.StatusCode
	}
	if xerr.Description == "" {
		xerr.Description = string(rerr.Body)
	}
	return xerr
}
