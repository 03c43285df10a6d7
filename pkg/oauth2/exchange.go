// Package oauth2 exchanges credentials with the identity provider on
// behalf of signed-in users: authorization codes from the interactive
// sign-in, inbound bearer tokens through the on-behalf-of flow, and
// refresh tokens of existing sessions.
package oauth2

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	oidc "github.com/coreos/go-oidc"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/square/go-jose.v2/jwt"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantOnBehalfOf        = "on_behalf_of"
	GrantRefreshToken      = "refresh_token"

	//nolint:gosec // URN, not a credential.
	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// loginOnlyScopes are meaningful when starting an interactive sign-in but
// must never be requested when redeeming the resulting code for a
// resource token.
var loginOnlyScopes = map[string]struct{}{
	oidc.ScopeOpenID:        {},
	oidc.ScopeOfflineAccess: {},
	"profile":               {},
	"email":                 {},
}

// Config describes the confidential client and its two scope sets.
type Config struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	RedirectURL  string

	// LoginScopes are sent to the authorize endpoint.
	LoginScopes []string
	// ResourceScopes are the downstream API scopes requested from the token endpoint.
	ResourceScopes []string

	// IDTokenVerifier verifies id_tokens returned by the code exchange.
	// When nil the subject is read from the id_token without verification.
	IDTokenVerifier *oidc.IDTokenVerifier

	// HTTPClient is used for token endpoint requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Grant is a credential scoped to the downstream resource.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// Subject is the object id of the signed-in user, when known.
	Subject string
}

// String implements fmt.Stringer, redacting the tokens.
func (g Grant) String() string {
	accessToken := redactedPlaceholder
	if g.AccessToken == "" {
		accessToken = emptyPlaceholder
	}
	refreshToken := redactedPlaceholder
	if g.RefreshToken == "" {
		refreshToken = emptyPlaceholder
	}
	return fmt.Sprintf("Grant{AccessToken: %s, RefreshToken: %s, Expiry: %s, Subject: %s}",
		accessToken, refreshToken, g.Expiry.Format(time.RFC3339), g.Subject)
}

// Exchanger performs server-to-server token exchanges with the identity
// provider. It never stores the credentials it obtains.
type Exchanger struct {
	cfg    Config
	logger log.Logger
}

func NewExchanger(logger log.Logger, cfg Config) *Exchanger {
	return &Exchanger{
		cfg:    cfg,
		logger: log.With(logger, "component", "oauth2"),
	}
}

// ResourceScopes returns the configured downstream scopes.
func (e *Exchanger) ResourceScopes() []string {
	return append([]string(nil), e.cfg.ResourceScopes...)
}

func (e *Exchanger) config(scopes []string, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret,
		Endpoint:     e.cfg.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

func (e *Exchanger) context(ctx context.Context) context.Context {
	if e.cfg.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, e.cfg.HTTPClient)
}

// AuthCodeURL returns the authorize endpoint URL that starts the
// interactive sign-in. It requests the login scope set.
func (e *Exchanger) AuthCodeURL(state string) string {
	return e.config(e.cfg.LoginScopes, e.cfg.RedirectURL).AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

// ExchangeCode redeems a one-time authorization code. scopes must be the
// resource-only scope set; login-only scopes are rejected before any
// request is made.
func (e *Exchanger) ExchangeCode(ctx context.Context, code string, scopes []string, redirectURI string) (*Grant, error) {
	if code == "" {
		return nil, &ExchangeFailedError{Grant: GrantAuthorizationCode, Code: "invalid_request", Description: "missing authorization code"}
	}
	if err := validateResourceScopes(GrantAuthorizationCode, scopes); err != nil {
		return nil, err
	}

	ctx = e.context(ctx)
	tok, err := e.config(scopes, redirectURI).Exchange(ctx, code,
		oauth2.SetAuthURLParam("scope", strings.Join(scopes, " ")),
	)
	if err != nil {
		level.Warn(e.logger).Log("msg", "authorization code exchange failed", "err", err)
		return nil, exchangeFailed(GrantAuthorizationCode, err)
	}

	g := newGrant(tok)
	if g.Subject, err = e.subject(ctx, tok); err != nil {
		return nil, &ExchangeFailedError{Grant: GrantAuthorizationCode, Description: "invalid id_token", Err: err}
	}
	level.Debug(e.logger).Log("msg", "authorization code redeemed", "grant", g)
	return g, nil
}

// OnBehalfOf trades an already verified inbound token for a token scoped
// to scopes, authenticating as the confidential client.
func (e *Exchanger) OnBehalfOf(ctx context.Context, assertion string, scopes []string) (*Grant, error) {
	if assertion == "" {
		return nil, &ExchangeFailedError{Grant: GrantOnBehalfOf, Code: "invalid_request", Description: "missing assertion"}
	}
	if err := validateResourceScopes(GrantOnBehalfOf, scopes); err != nil {
		return nil, err
	}

	cfg := clientcredentials.Config{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret,
		TokenURL:     e.cfg.Endpoint.TokenURL,
		AuthStyle:    e.cfg.Endpoint.AuthStyle,
		Scopes:       scopes,
		EndpointParams: url.Values{
			"grant_type":          {grantTypeJWTBearer},
			"assertion":           {assertion},
			"requested_token_use": {GrantOnBehalfOf},
		},
	}

	tok, err := cfg.Token(e.context(ctx))
	if err != nil {
		level.Warn(e.logger).Log("msg", "on-behalf-of exchange failed", "err", err)
		return nil, exchangeFailed(GrantOnBehalfOf, err)
	}
	return newGrant(tok), nil
}

func (e *Exchanger) subject(ctx context.Context, tok *oauth2.Token) (string, error) {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", nil
	}

	var claims struct {
		Subject  string `json:"sub"`
		ObjectID string `json:"oid"`
	}
	if e.cfg.IDTokenVerifier != nil {
		idToken, err := e.cfg.IDTokenVerifier.Verify(ctx, raw)
		if err != nil {
			return "", err
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", err
		}
	} else {
		parsed, err := jwt.ParseSigned(raw)
		if err != nil {
			return "", err
		}
		if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
			return "", err
		}
	}

	if claims.ObjectID != "" {
		return claims.ObjectID, nil
	}
	return claims.Subject, nil
}

func validateResourceScopes(grant string, scopes []string) error {
	if len(scopes) == 0 {
		return &ExchangeFailedError{Grant: grant, Code: "invalid_scope", Description: "no resource scopes requested"}
	}
	var login []string
	for _, s := range scopes {
		if _, ok := loginOnlyScopes[s]; ok {
			login = append(login, s)
		}
	}
	if len(login) > 0 {
		return &ExchangeFailedError{
			Grant:       grant,
			Code:        "invalid_scope",
			Description: fmt.Sprintf("login-only scopes %q cannot be requested for the resource token", login),
		}
	}
	return nil
}

func newGrant(tok *oauth2.Token) *Grant {
	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
