// Package mock is a minimal OpenID Connect provider shaped like the
// Microsoft identity platform v2.0 endpoints. It signs in a fixed user
// without any interaction and supports the grants the proxy relies on.
package mock

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	jose "gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	"github.com/openshift/planner-proxy/pkg/authorize/jwt"
)

const (
	DiscoveryPath = "/.well-known/openid-configuration"
	KeysPath      = "/discovery/v2.0/keys"
	AuthorizePath = "/oauth2/v2.0/authorize"
	TokenPath     = "/oauth2/v2.0/token"

	grantTypeJWTBearer  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

var loginOnlyScopes = map[string]struct{}{
	"openid":         {},
	"profile":        {},
	"offline_access": {},
	"email":          {},
}

// User is the account signed in by the provider.
type User struct {
	ObjectID string
	Subject  string
	Name     string
	TenantID string
}

type Config struct {
	ClientID     string
	ClientSecret string
	// Audience is the application id URI of the proxy; inbound tokens
	// minted by IssueToken and on-behalf-of assertions carry it.
	Audience string
	// ResourceAudience is written into exchanged resource tokens.
	ResourceAudience string
	User             User
	// AccessTokenLifetime defaults to one hour.
	AccessTokenLifetime time.Duration
}

type authorizationCode struct {
	redirectURI string
	user        User
}

// Provider implements discovery, JWKS, authorize and token endpoints.
type Provider struct {
	issuer string
	cfg    Config
	signer *jwt.Signer
	logger log.Logger

	mu            sync.Mutex
	codes         map[string]authorizationCode
	refreshTokens map[string]User
	accessTokens  map[string]time.Time
}

// New returns a provider whose issuer identifier is issuer. The handler
// must be served at that URL.
func New(logger log.Logger, issuer string, cfg Config) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if cfg.AccessTokenLifetime == 0 {
		cfg.AccessTokenLifetime = time.Hour
	}
	if cfg.ResourceAudience == "" {
		cfg.ResourceAudience = "https://graph.microsoft.com"
	}
	if cfg.User.ObjectID == "" {
		cfg.User = User{
			ObjectID: "00000000-0000-0000-0000-0000000000aa",
			Subject:  "mock-subject",
			Name:     "Mock User",
			TenantID: "00000000-0000-0000-0000-0000000000bb",
		}
	}

	issuer = strings.TrimSuffix(issuer, "/")
	return &Provider{
		issuer:        issuer,
		cfg:           cfg,
		signer:        jwt.NewSigner(issuer, uuid.NewString(), key),
		logger:        log.With(logger, "component", "identity/mock"),
		codes:         make(map[string]authorizationCode),
		refreshTokens: make(map[string]User),
		accessTokens:  make(map[string]time.Time),
	}, nil
}

// Issuer returns the issuer identifier.
func (p *Provider) Issuer() string {
	return p.issuer
}

// Handler serves the provider endpoints relative to the issuer URL.
func (p *Provider) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(DiscoveryPath, p.discovery)
	r.Get(KeysPath, p.keys)
	r.Get(AuthorizePath, p.authorize)
	r.Post(TokenPath, p.token)
	return r
}

// IssueToken mints an inbound token for the configured user, as the
// single-page application would receive it.
func (p *Provider) IssueToken(lifetime time.Duration) (string, error) {
	c := p.claims(p.cfg.User, []string{p.cfg.Audience}, lifetime)
	c.Scope = "access_as_user"
	return p.signer.GenerateToken(c)
}

// Authorized reports whether token is an unexpired resource token issued
// by this provider.
func (p *Provider) Authorized(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.accessTokens[token]
	return ok && time.Now().Before(exp)
}

// Expire invalidates every issued resource token.
func (p *Provider) Expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token := range p.accessTokens {
		p.accessTokens[token] = time.Time{}
	}
}

func (p *Provider) claims(u User, audience []string, lifetime time.Duration) *jwt.Claims {
	c := jwt.NewClaims(u.Subject, u.ObjectID, audience, lifetime)
	c.ID = uuid.NewString()
	c.TenantID = u.TenantID
	c.Name = u.Name
	return c
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	write(w, http.StatusOK, map[string]interface{}{
		"issuer":                                p.issuer,
		"authorization_endpoint":                p.issuer + AuthorizePath,
		"token_endpoint":                        p.issuer + TokenPath,
		"jwks_uri":                              p.issuer + KeysPath,
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query"},
		"subject_types_supported":               []string{"pairwise"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
	}, p.logger)
}

func (p *Provider) keys(w http.ResponseWriter, _ *http.Request) {
	jwk, err := p.signer.JSONWebKey()
	if err != nil {
		level.Error(p.logger).Log("msg", "failed to build JWKS", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	write(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}, p.logger)
}

func (p *Provider) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.cfg.ClientID {
		http.Error(w, "AADSTS700016: Application not found in the directory.", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		http.Error(w, "AADSTS900144: The request body must contain the following parameter: 'response_type'.", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || !redirect.IsAbs() {
		http.Error(w, "AADSTS50011: The redirect URI specified in the request does not match.", http.StatusBadRequest)
		return
	}

	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = authorizationCode{redirectURI: redirect.String(), user: p.cfg.User}
	p.mu.Unlock()

	v := redirect.Query()
	v.Set("code", code)
	if state := q.Get("state"); state != "" {
		v.Set("state", state)
	}
	redirect.RawQuery = v.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.fail(w, http.StatusBadRequest, "invalid_request", "AADSTS900144: Unable to parse the request body.")
		return
	}
	if !p.authenticateClient(r) {
		p.fail(w, http.StatusUnauthorized, "invalid_client", "AADSTS7000215: Invalid client secret provided.")
		return
	}

	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		p.exchangeCode(w, r.PostForm)
	case grantTypeJWTBearer:
		p.onBehalfOf(w, r.PostForm)
	case "refresh_token":
		p.refresh(w, r.PostForm)
	default:
		p.fail(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("AADSTS70003: The app requested an unsupported grant type %q.", grant))
	}
}

func (p *Provider) authenticateClient(r *http.Request) bool {
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != p.cfg.ClientID {
		return false
	}
	if r.PostForm.Get("client_assertion_type") == clientAssertionType {
		tok, err := josejwt.ParseSigned(r.PostForm.Get("client_assertion"))
		if err != nil {
			return false
		}
		var c josejwt.Claims
		if err := tok.UnsafeClaimsWithoutVerification(&c); err != nil {
			return false
		}
		return c.Issuer == p.cfg.ClientID && c.Subject == p.cfg.ClientID
	}
	return secret == p.cfg.ClientSecret
}

func (p *Provider) exchangeCode(w http.ResponseWriter, form url.Values) {
	scopes := strings.Fields(form.Get("scope"))
	for _, s := range scopes {
		if _, ok := loginOnlyScopes[s]; ok {
			p.fail(w, http.StatusBadRequest, "invalid_scope", fmt.Sprintf("AADSTS70011: The provided value for the input parameter 'scope' is not valid. The scope %s is not valid for a resource token.", s))
			return
		}
	}

	p.mu.Lock()
	code, ok := p.codes[form.Get("code")]
	delete(p.codes, form.Get("code"))
	p.mu.Unlock()

	if !ok {
		p.fail(w, http.StatusBadRequest, "invalid_grant", "AADSTS70008: The provided authorization code or refresh token has expired or was already redeemed.")
		return
	}
	if form.Get("redirect_uri") != code.redirectURI {
		p.fail(w, http.StatusBadRequest, "invalid_grant", "AADSTS50011: The redirect URI specified in the request does not match the redirect URIs configured for the application.")
		return
	}

	idToken, err := p.signer.GenerateToken(p.claims(code.user, []string{p.cfg.ClientID}, p.cfg.AccessTokenLifetime))
	if err != nil {
		p.fail(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	p.issue(w, code.user, scopes, true, map[string]interface{}{"id_token": idToken})
}

func (p *Provider) onBehalfOf(w http.ResponseWriter, form url.Values) {
	if form.Get("requested_token_use") != "on_behalf_of" {
		p.fail(w, http.StatusBadRequest, "invalid_request", "AADSTS50027: requested_token_use must be on_behalf_of.")
		return
	}

	jwk, err := p.signer.JSONWebKey()
	if err != nil {
		p.fail(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	tok, err := josejwt.ParseSigned(form.Get("assertion"))
	if err != nil {
		p.fail(w, http.StatusBadRequest, "invalid_request", "AADSTS50027: JWT token is invalid or malformed.")
		return
	}
	var c jwt.Claims
	if err := tok.Claims(jwk.Key, &c); err != nil {
		p.fail(w, http.StatusBadRequest, "invalid_grant", "AADSTS50013: Assertion failed signature validation.")
		return
	}
	if err := c.ValidateWithLeeway(josejwt.Expected{Issuer: p.issuer, Audience: josejwt.Audience{p.cfg.Audience}, Time: time.Now()}, 0); err != nil {
		p.fail(w, http.StatusBadRequest, "invalid_grant", fmt.Sprintf("AADSTS500133: Assertion is not within its valid time range or audience: %v.", err))
		return
	}

	user := User{ObjectID: c.ObjectID, Subject: c.Subject, Name: c.Name, TenantID: c.TenantID}
	p.issue(w, user, strings.Fields(form.Get("scope")), false, nil)
}

func (p *Provider) refresh(w http.ResponseWriter, form url.Values) {
	p.mu.Lock()
	user, ok := p.refreshTokens[form.Get("refresh_token")]
	delete(p.refreshTokens, form.Get("refresh_token"))
	p.mu.Unlock()

	if !ok {
		p.fail(w, http.StatusBadRequest, "invalid_grant", "AADSTS700082: The refresh token has expired due to inactivity.")
		return
	}
	p.issue(w, user, strings.Fields(form.Get("scope")), true, nil)
}

func (p *Provider) issue(w http.ResponseWriter, u User, scopes []string, withRefresh bool, extra map[string]interface{}) {
	c := p.claims(u, []string{p.cfg.ResourceAudience}, p.cfg.AccessTokenLifetime)
	c.Scope = strings.Join(scopes, " ")
	accessToken, err := p.signer.GenerateToken(c)
	if err != nil {
		p.fail(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	body := map[string]interface{}{
		"token_type":   "Bearer",
		"access_token": accessToken,
		"expires_in":   int64(p.cfg.AccessTokenLifetime / time.Second),
		"scope":        strings.Join(scopes, " "),
	}
	for k, v := range extra {
		body[k] = v
	}

	p.mu.Lock()
	p.accessTokens[accessToken] = time.Now().Add(p.cfg.AccessTokenLifetime)
	if withRefresh {
		refreshToken := uuid.NewString()
		p.refreshTokens[refreshToken] = u
		body["refresh_token"] = refreshToken
	}
	p.mu.Unlock()

	write(w, http.StatusOK, body, p.logger)
}

func (p *Provider) fail(w http.ResponseWriter, status int, code, description string) {
	level.Debug(p.logger).Log("msg", "token request rejected", "error", code, "description", description)
	write(w, status, map[string]interface{}{
		"error":             code,
		"error_description": description,
		"timestamp":         time.Now().UTC().Format("2006-01-02 15:04:05Z"),
		"trace_id":          uuid.NewString(),
	}, p.logger)
}

func write(w http.ResponseWriter, statusCode int, resp interface{}, logger log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		level.Error(logger).Log("msg", "marshaling response failed", "err", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		level.Error(logger).Log("msg", "writing response failed", "err", err)
		return
	}
}
