package oidcauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

// fakeIDToken builds a JWT carrying the given claims whose header names
// HS256 but whose signature segment is a placeholder, not a real
// signature; Callback only parses claims, it never verifies the
// signature.
func fakeIDToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON) + "." + enc.EncodeToString([]byte("sig"))
}

// withSession runs c through a's session middleware so that
// session.Get (used by Callback and CurrentSession) can find the
// cookie store stashed on the context, mirroring how Pipeline.Handler
// registers it ahead of those handlers in production.
func withSession(t *testing.T, a *Authenticator, c echo.Context) {
	t.Helper()
	handler := a.Middleware()(func(echo.Context) error { return nil })
	require.NoError(t, handler(c))
}

func newTestAuthenticator(t *testing.T, tokenHandler http.HandlerFunc) (*Authenticator, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	var authorityURL string

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(discoveryDocument{
			Issuer:                authorityURL,
			AuthorizationEndpoint: authorityURL + "/authorize",
			TokenEndpoint:         authorityURL + "/token",
		})
	})
	if tokenHandler != nil {
		mux.HandleFunc("/token", tokenHandler)
	}

	srv := httptest.NewServer(mux)
	authorityURL = srv.URL

	a, err := New(context.Background(), Config{
		Authority:    srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		PublicOrigin: "https://proxy.test",
		SessionKey:   make([]byte, 32),
	})
	require.NoError(t, err)
	return a, srv
}

func TestChallengeRedirectsToAuthorizationEndpointAndSetsStateCookie(t *testing.T) {
	a, srv := newTestAuthenticator(t, nil)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	require.NoError(t, a.Challenge(c, "/protected"))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), srv.URL+"/authorize"))
	require.NotEmpty(t, loc.Query().Get("state"))

	var sawStateCookie bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			sawStateCookie = true
		}
	}
	require.True(t, sawStateCookie)
}

func TestCallbackEstablishesSessionAndRejectsStateMismatch(t *testing.T) {
	var issuedIDToken string

	a, srv := newTestAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access-123",
			"token_type":   "Bearer",
			"id_token":     issuedIDToken,
		})
	})
	defer srv.Close()

	issuedIDToken = fakeIDToken(t, map[string]interface{}{
		"sub":   "user-1",
		"name":  "Regular User",
		"roles": []interface{}{"user"},
	})

	e := echo.New()

	// Step 1: Challenge, to capture the state cookie.
	req1 := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	require.NoError(t, a.Challenge(c1, "/protected"))

	loc, _ := url.Parse(rec1.Header().Get("Location"))
	state := loc.Query().Get("state")

	var stateCookie *http.Cookie
	for _, ck := range rec1.Result().Cookies() {
		if ck.Name == stateCookieName {
			stateCookie = ck
		}
	}
	require.NotNil(t, stateCookie)

	// Step 2: Callback with mismatched state must fail.
	req2 := httptest.NewRequest(http.MethodGet, "/signin-oidc?state=wrong&code=abc", nil)
	req2.AddCookie(stateCookie)
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	withSession(t, a, c2)
	_, err := a.Callback(context.Background(), c2)
	require.Error(t, err)

	// Step 3: Callback with correct state succeeds and establishes a session.
	req3 := httptest.NewRequest(http.MethodGet, "/signin-oidc?state="+state+"&code=abc", nil)
	req3.AddCookie(stateCookie)
	rec3 := httptest.NewRecorder()
	c3 := e.NewContext(req3, rec3)
	withSession(t, a, c3)
	returnPath, err := a.Callback(context.Background(), c3)
	require.NoError(t, err)
	require.Equal(t, "/protected", returnPath)

	var sessionCookie *http.Cookie
	for _, ck := range rec3.Result().Cookies() {
		if ck.Name == SessionCookieName {
			sessionCookie = ck
		}
	}
	require.NotNil(t, sessionCookie)

	req4 := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req4.AddCookie(sessionCookie)
	rec4 := httptest.NewRecorder()
	c4 := e.NewContext(req4, rec4)
	withSession(t, a, c4)

	session, ok := a.CurrentSession(c4)
	require.True(t, ok)
	require.Equal(t, "user-1", session.Subject)
	require.Equal(t, "Regular User", session.Name)
	require.True(t, session.HasAnyRole([]string{"user"}))
}
