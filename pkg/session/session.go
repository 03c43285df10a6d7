// Package session keeps the downstream credentials obtained through the
// interactive sign-in, keyed by the correlation token handed to the
// browser.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const notSignedInMessage = "not signed in; complete interactive sign-in and retry with the returned correlation token"

// Entry is the credential remembered for one correlation token.
type Entry struct {
	Subject      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	CreatedAt    time.Time
}

type Store interface {
	// Put stores a copy of e under token, replacing any previous entry.
	Put(ctx context.Context, token string, e *Entry) error
	// Get returns a copy of the entry stored under token, or
	// *NotSignedInError when there is none.
	Get(ctx context.Context, token string) (*Entry, error)
	// Delete removes the entry stored under token. Deleting an unknown
	// token is not an error.
	Delete(ctx context.Context, token string) error
	// Keys lists the stored tokens in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// NotSignedInError is returned when no session exists for a correlation token.
type NotSignedInError struct {
	Token string
}

func (e *NotSignedInError) Error() string {
	return notSignedInMessage
}

func (e *NotSignedInError) HTTPStatusCode() int {
	return http.StatusUnauthorized
}

// NewCorrelationToken returns a fresh random correlation token.
func NewCorrelationToken() string {
	return uuid.NewString()
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}
