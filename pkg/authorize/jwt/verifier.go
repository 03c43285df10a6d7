package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oidc "github.com/coreos/go-oidc"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/openshift/planner-proxy/pkg/authorize"
)

var supportedAlgorithms = map[jose.SignatureAlgorithm]struct{}{
	jose.RS256: {}, jose.RS384: {}, jose.RS512: {},
	jose.PS256: {}, jose.PS384: {}, jose.PS512: {},
	jose.ES256: {}, jose.ES384: {}, jose.ES512: {},
}

// Verifier validates bearer credentials issued by the identity provider
// for this service. Signing keys come from keySet, which fetches the
// provider's JWKS on first use and again whenever a token names a key id
// it has not seen.
type Verifier struct {
	keySet   oidc.KeySet
	issuer   string
	audience string
	logger   log.Logger

	now func() time.Time
}

var _ authorize.Verifier = (*Verifier)(nil)

func NewVerifier(logger log.Logger, keySet oidc.KeySet, issuer, audience string) *Verifier {
	return &Verifier{
		keySet:   keySet,
		issuer:   issuer,
		audience: audience,
		logger:   log.With(logger, "component", "authorize/jwt"),
		now:      now,
	}
}

// Verify validates the Authorization header value and returns the verified
// credential. All failures are returned as *authorize.UnauthenticatedError.
func (v *Verifier) Verify(ctx context.Context, header string) (*authorize.Credential, error) {
	raw, err := authorize.BearerToken(header)
	if err != nil {
		return nil, err
	}

	c, err := v.verify(ctx, raw)
	if err != nil {
		level.Debug(v.logger).Log("msg", "token rejected", "err", err)
		return nil, authorize.InvalidToken(err)
	}
	return c, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*authorize.Credential, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("expected exactly one signature, got %d", len(tok.Headers))
	}
	header := tok.Headers[0]
	if _, ok := supportedAlgorithms[jose.SignatureAlgorithm(header.Algorithm)]; !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", header.Algorithm)
	}

	// The key set resolves the key by kid, refreshing itself on a miss,
	// and only returns the payload once the signature checks out.
	payload, err := v.keySet.VerifySignature(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("malformed claims: %w", err)
	}

	if !claims.Audience.Contains(v.audience) {
		return nil, fmt.Errorf("%w: expected %q, got %q", jwt.ErrInvalidAudience, v.audience, []string(claims.Audience))
	}
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: expected %q, got %q", jwt.ErrInvalidIssuer, v.issuer, claims.Issuer)
	}
	if claims.Expiry == nil {
		return nil, errors.New("token has no expiry")
	}
	if !claims.Expiry.Time().After(v.now()) {
		return nil, jwt.ErrExpired
	}

	return claims.credential(raw, header.KeyID), nil
}
