package oauth2

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAssertion describes the client assertion
// according to https://tools.ietf.org/html/rfc7523#section-3.
// The client id is used as both issuer and subject.
type ClientAssertion struct {
	ClientID string
	// Audience is the token endpoint URL.
	Audience string
	Lifetime time.Duration
}

type jwtClientAuthenticator struct {
	assertion ClientAssertion
	signer    jose.Signer
	next      http.RoundTripper

	now func() time.Time
}

// NewJWTClientAuthenticator returns a http.RoundTripper that replaces the
// client secret of token endpoint requests with a signed client assertion
// according to https://tools.ietf.org/html/rfc7523#section-2.2.
//
// It does not implement an authorization grant; the grant parameters of
// the request are forwarded untouched.
//
// It is safe for concurrent use.
func NewJWTClientAuthenticator(assertion ClientAssertion, signer jose.Signer, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &jwtClientAuthenticator{
		assertion: assertion,
		signer:    signer,
		next:      next,
		now:       time.Now,
	}
}

func (rt *jwtClientAuthenticator) RoundTrip(req *http.Request) (*http.Response, error) {
	now := rt.now()

	claims := jwt.Claims{
		Issuer:    rt.assertion.ClientID,
		Subject:   rt.assertion.ClientID,
		Audience:  jwt.Audience{rt.assertion.Audience},
		ID:        uuid.NewString(),
		Expiry:    jwt.NewNumericDate(now.Add(rt.assertion.Lifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
	}

	clientAuthJWT, err := jwt.Signed(rt.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return nil, err
	}

	req = req.Clone(req.Context())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Del("Authorization") // replaced with client assertion

	if err := req.ParseForm(); err != nil {
		return nil, err
	}

	req.PostForm.Del("client_secret")
	req.PostForm.Set("client_assertion_type", clientAssertionType)
	req.PostForm.Set("client_assertion", clientAuthJWT)

	newBody := req.PostForm.Encode()
	req.Body = io.NopCloser(strings.NewReader(newBody))
	req.ContentLength = int64(len(newBody))

	return rt.next.RoundTrip(req)
}
