package oauth2

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/oauth2"
)

// expiryDelta treats grants as expired slightly ahead of time so a token
// does not lapse while a downstream request is in flight.
const expiryDelta = 10 * time.Second

// Expired reports whether the grant's access token can no longer be used at now.
// Grants without an expiry never expire.
func (g *Grant) Expired(now time.Time) bool {
	if g.Expiry.IsZero() {
		return false
	}
	return !g.Expiry.Add(-expiryDelta).After(now)
}

// Refresh redeems a refresh token for a new resource token. The refresh
// token is carried over when the provider does not rotate it.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, &ExchangeFailedError{Grant: GrantRefreshToken, Code: "invalid_grant", Description: "no refresh token"}
	}

	src := e.config(e.cfg.ResourceScopes, e.cfg.RedirectURL).TokenSource(e.context(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		level.Warn(e.logger).Log("msg", "refresh token exchange failed", "err", err)
		return nil, exchangeFailed(GrantRefreshToken, err)
	}

	g := newGrant(tok)
	if g.RefreshToken == "" {
		g.RefreshToken = refreshToken
	}
	return g, nil
}

// Renew returns g when it is still valid at now and a refreshed grant
// otherwise. The boolean reports whether a refresh happened.
func (e *Exchanger) Renew(ctx context.Context, g *Grant, now time.Time) (*Grant, bool, error) {
	if !g.Expired(now) {
		return g, false, nil
	}
	fresh, err := e.Refresh(ctx, g.RefreshToken)
	if err != nil {
		return nil, false, err
	}
	if fresh.Subject == "" {
		fresh.Subject = g.Subject
	}
	return fresh, true, nil
}
