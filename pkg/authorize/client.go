package authorize

import (
	"context"
	"time"
)

// Credential is a verified inbound bearer credential.
type Credential struct {
	// Raw is the compact serialized token as presented by the caller.
	Raw string

	Subject  string
	ObjectID string
	TenantID string
	Issuer   string
	Audience []string
	Expiry   time.Time
	KeyID    string
	Scopes   []string
}

// UserID returns the object id of the caller, falling back to the subject.
func (c *Credential) UserID() string {
	if c.ObjectID != "" {
		return c.ObjectID
	}
	return c.Subject
}

// Verifier validates a raw Authorization header value.
type Verifier interface {
	Verify(ctx context.Context, header string) (*Credential, error)
}

type key int

const credentialKey key = iota

// WithCredential returns a copy of ctx carrying c.
func WithCredential(ctx context.Context, c *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, c)
}

// FromContext returns the credential stored by WithCredential, if any.
func FromContext(ctx context.Context) (*Credential, bool) {
	c, ok := ctx.Value(credentialKey).(*Credential)
	return c, ok && c != nil
}
