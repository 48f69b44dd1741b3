package oidcauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

// Challenge redirects the caller to the authorization endpoint,
// stashing an opaque state and the original request path in a
// short-lived, encrypted state cookie (spec.md §4.11).
func (a *Authenticator) Challenge(c echo.Context, returnPath string) error {
	state := uuid.NewString()

	sess := sessions.NewSession(a.store, stateCookieName)
	sess.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.Request().TLS != nil,
		MaxAge:   int(stateCookieMaxAge.Seconds()),
	}
	sess.Values["state"] = state
	sess.Values["return_path"] = returnPath
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return fmt.Errorf("oidcauth: save state cookie: %w", err)
	}

	authURL := a.oauth.AuthCodeURL(state)
	return c.Redirect(http.StatusFound, authURL)
}

// Callback completes the authorization-code exchange: validates
// state, exchanges the code, parses the ID token, extracts roles, and
// establishes the session cookie, returning the path the caller
// originally requested.
func (a *Authenticator) Callback(ctx context.Context, c echo.Context) (string, error) {
	stateSess, err := session.Get(stateCookieName, c)
	if err != nil {
		return "", fmt.Errorf("oidcauth: missing or invalid state cookie: %w", err)
	}
	wantState, _ := stateSess.Values["state"].(string)
	returnPath, _ := stateSess.Values["return_path"].(string)
	if returnPath == "" {
		returnPath = "/"
	}

	gotState := c.QueryParam("state")
	if wantState == "" || gotState != wantState {
		return "", fmt.Errorf("oidcauth: state mismatch")
	}

	code := c.QueryParam("code")
	if code == "" {
		return "", fmt.Errorf("oidcauth: callback missing code parameter")
	}

	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("oidcauth: token exchange failed: %w", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return "", fmt.Errorf("oidcauth: token response missing id_token")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(rawIDToken, claims); err != nil {
		return "", fmt.Errorf("oidcauth: parse id_token: %w", err)
	}

	subject, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	roles := extractRoles(claims, a.cfg.RoleClaimType)

	if name == "" && a.discovery.UserinfoEndpoint != "" {
		if info, err := a.fetchUserinfo(ctx, token.AccessToken); err == nil {
			if n, ok := info["name"].(string); ok {
				name = n
			}
			if len(roles) == 0 {
				roles = extractRoles(jwt.MapClaims(info), a.cfg.RoleClaimType)
			}
		} else {
			log.Warn("userinfo lookup failed", "error", err)
		}
	}

	now := time.Now()
	session := Session{
		Subject:    subject,
		Name:       name,
		Roles:      roles,
		IssuedAt:   now,
		ExpiresAt:  now.Add(24 * time.Hour),
		ReturnPath: returnPath,
	}

	if err := a.saveSession(c, session); err != nil {
		return "", err
	}

	// Clear the now-consumed state cookie.
	stateSess.Options.MaxAge = -1
	_ = stateSess.Save(c.Request(), c.Response())

	return returnPath, nil
}

// extractRoles reads claimName from claims, falling back to the
// standard "roles" claim if claimName itself is absent or empty
// (spec.md §4.11: "also accept the standard role claim as fallback").
func extractRoles(claims jwt.MapClaims, claimName string) []string {
	if roles := rolesFromClaim(claims, claimName); len(roles) > 0 {
		return roles
	}
	if claimName != DefaultRoleClaim {
		return rolesFromClaim(claims, DefaultRoleClaim)
	}
	return nil
}

func rolesFromClaim(claims jwt.MapClaims, claimName string) []string {
	raw, ok := claims[claimName]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return []string{v}
	default:
		return nil
	}
}

func (a *Authenticator) fetchUserinfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.discovery.UserinfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return info, nil
}

func (a *Authenticator) saveSession(c echo.Context, session Session) error {
	sess := sessions.NewSession(a.store, SessionCookieName)
	sess.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.Request().TLS != nil,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
	}
	sess.Values["subject"] = session.Subject
	sess.Values["name"] = session.Name
	sess.Values["roles"] = session.Roles
	sess.Values["issued_at"] = session.IssuedAt.Unix()
	sess.Values["expires_at"] = session.ExpiresAt.Unix()

	return sess.Save(c.Request(), c.Response())
}

// CurrentSession reads and validates the session cookie, returning
// (Session{}, false) if it is missing, invalid, or expired
// (spec.md §4.11).
func (a *Authenticator) CurrentSession(c echo.Context) (Session, bool) {
	sess, err := session.Get(SessionCookieName, c)
	if err != nil || sess.IsNew {
		return Session{}, false
	}

	expiresAtUnix, ok := sess.Values["expires_at"].(int64)
	if !ok {
		return Session{}, false
	}
	expiresAt := time.Unix(expiresAtUnix, 0)
	if time.Now().After(expiresAt) {
		return Session{}, false
	}

	issuedAtUnix, _ := sess.Values["issued_at"].(int64)
	subject, _ := sess.Values["subject"].(string)
	name, _ := sess.Values["name"].(string)
	roles, _ := sess.Values["roles"].([]string)

	return Session{
		Subject:   subject,
		Name:      name,
		Roles:     roles,
		IssuedAt:  time.Unix(issuedAtUnix, 0),
		ExpiresAt: expiresAt,
	}, true
}
