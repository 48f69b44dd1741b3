// Package oidcauth implements the OIDC authorization-code login and
// session handling of spec.md §4.11: discovery validation, the
// authorization-code redirect, the callback's token exchange and role
// extraction, and the encrypted session cookie.
//
// Grounded on bnema/gordon's internal/httpserve/middleware/secure.go
// (InitSessionMiddleware: gorilla/sessions.NewCookieStore with
// HttpOnly/Secure/SameSite=Lax options keyed off whether TLS is
// active) and internal/httpserve/handler/oauth.go (session.Get +
// sess.Save around an OAuth round-trip), generalized from gordon's
// single hardcoded GitHub provider to a configurable OIDC authority
// reached through golang.org/x/oauth2, with ID-token claims parsed by
// golang-jwt/jwt/v5.
package oidcauth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"github.com/bnema/harborgate/internal/harborlog"
)

var log = harborlog.Component("oidcauth")

// SessionCookieName is the cookie carrying the established session
// (spec.md §4.11).
const SessionCookieName = "HarborGate.Auth"

// stateCookieName carries the pending authorization request's state
// and return path between the redirect and the callback. It is
// short-lived and distinct from SessionCookieName.
const stateCookieName = "HarborGate.State"

const stateCookieMaxAge = 10 * time.Minute

// DefaultScopes is used when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email"}

// DefaultCallbackPath is used when Config.CallbackPath is empty.
const DefaultCallbackPath = "/signin-oidc"

// DefaultRoleClaim is used when Config.RoleClaimType is empty.
const DefaultRoleClaim = "roles"

// Config configures an Authenticator (spec.md §6's OIDC options).
type Config struct {
	Authority            string
	ClientID             string
	ClientSecret         string
	CallbackPath         string
	Scopes               []string
	RoleClaimType        string
	RequireHTTPSMetadata bool
	SaveTokens           bool
	PublicOrigin         string // scheme://host used to build redirect_uri
	SessionKey           []byte // 32 bytes, process-scoped (spec.md §12 redesign flag)
}

// discoveryDocument is the subset of the OIDC discovery document the
// core relies on.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

func (d discoveryDocument) validate() error {
	switch {
	case d.Issuer == "":
		return fmt.Errorf("oidcauth: discovery document missing issuer")
	case d.AuthorizationEndpoint == "":
		return fmt.Errorf("oidcauth: discovery document missing authorization_endpoint")
	case d.TokenEndpoint == "":
		return fmt.Errorf("oidcauth: discovery document missing token_endpoint")
	}
	return nil
}

// Session is the cookie payload (spec.md §4: "Session ... opaque to
// caller; stored in a signed, encrypted cookie").
type Session struct {
	Subject    string
	Name       string
	Roles      []string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ReturnPath string
}

// HasAnyRole implements spec.md §8 property 8, the RBAC "any-of" rule:
// admitted iff required is empty or the role sets intersect,
// case-insensitive.
func (s Session) HasAnyRole(required []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]bool, len(s.Roles))
	for _, r := range s.Roles {
		held[strings.ToLower(r)] = true
	}
	for _, want := range required {
		if held[strings.ToLower(want)] {
			return true
		}
	}
	return false
}

// Authenticator drives the authorization-code flow and session cookie
// lifecycle.
type Authenticator struct {
	cfg       Config
	discovery discoveryDocument
	oauth     oauth2.Config
	store     *sessions.CookieStore
	client    *http.Client
}

// New fetches and validates the discovery document, then returns a
// ready Authenticator. Discovery failure is fatal at startup
// (spec.md §6).
func New(ctx context.Context, cfg Config) (*Authenticator, error) {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.RoleClaimType == "" {
		cfg.RoleClaimType = DefaultRoleClaim
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if len(cfg.SessionKey) != 32 {
		return nil, fmt.Errorf("oidcauth: session key must be 32 bytes, got %d", len(cfg.SessionKey))
	}

	client := &http.Client{Timeout: 30 * time.Second}

	discoveryURL := strings.TrimRight(cfg.Authority, "/") + "/.well-known/openid-configuration"
	if cfg.RequireHTTPSMetadata && !strings.HasPrefix(discoveryURL, "https://") {
		return nil, fmt.Errorf("oidcauth: authority %q is not https and requireHttpsMetadata is set", cfg.Authority)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("oidcauth: build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidcauth: fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidcauth: discovery endpoint returned %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("oidcauth: decode discovery document: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}

	// SessionKey authenticates the cookie; a key derived from it
	// encrypts the payload (AES-256).
	blockKey := sha256.Sum256(append([]byte("harborgate-cookie-encryption:"), cfg.SessionKey...))
	store := sessions.NewCookieStore(cfg.SessionKey, blockKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((24 * time.Hour).Seconds()),
	}

	a := &Authenticator{
		cfg:       cfg,
		discovery: doc,
		store:     store,
		client:    client,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			RedirectURL:  strings.TrimRight(cfg.PublicOrigin, "/") + cfg.CallbackPath,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
	}

	log.Info("oidc discovery validated", "authority", cfg.Authority, "issuer", doc.Issuer)
	return a, nil
}

// CallbackPath returns the path the callback handler must be
// registered under.
func (a *Authenticator) CallbackPath() string { return a.cfg.CallbackPath }

// Middleware installs echo-contrib's session middleware, which stashes
// the cookie store on the echo.Context so session.Get(name, c) can
// retrieve a session without a direct store reference (grounded on
// bnema/gordon's internal/httpserve/handler/oauth.go session.Get("session", c)
// call shape). It must run ahead of any handler calling Challenge,
// Callback, or CurrentSession.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return session.Middleware(a.store)
}
