package jwt

import (
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/openshift/planner-proxy/pkg/authorize"
)

// Claims are the registered claims plus the private claims the identity
// platform adds to access and id tokens.
type Claims struct {
	jwt.Claims

	ObjectID string `json:"oid,omitempty"`
	TenantID string `json:"tid,omitempty"`
	Scope    string `json:"scp,omitempty"`
	Name     string `json:"name,omitempty"`
}

func (c *Claims) credential(raw, keyID string) *authorize.Credential {
	var expiry time.Time
	if c.Expiry != nil {
		expiry = c.Expiry.Time()
	}
	return &authorize.Credential{
		Raw:      raw,
		Subject:  c.Subject,
		ObjectID: c.ObjectID,
		TenantID: c.TenantID,
		Issuer:   c.Issuer,
		Audience: []string(c.Audience),
		Expiry:   expiry,
		KeyID:    keyID,
		Scopes:   strings.Fields(c.Scope),
	}
}

// NewClaims returns claims for a token issued now and valid for lifetime.
func NewClaims(subject, objectID string, audience []string, lifetime time.Duration) *Claims {
	now := now()
	return &Claims{
		Claims: jwt.Claims{
			Subject:   subject,
			Audience:  jwt.Audience(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(lifetime)),
		},
		ObjectID: objectID,
	}
}
