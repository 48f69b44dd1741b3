// Package pipeline wires the ordered request middleware of spec.md
// §4.10: HTTPS redirect, ACME challenge responder, health endpoint,
// conditional OIDC authentication plus RBAC, and finally the reverse
// proxy handoff.
//
// Grounded on bnema/gordon's internal/proxy/proxy.go NewProxy/
// configureRoutes (echo.New, middleware.Recover, a custom
// requestContext carried via c.Set to let the logger skip blacklisted
// requests, and the HTTP server's catch-all redirect-to-HTTPS
// handler), generalized from gordon's single admin-domain special
// case to label-driven per-route auth decisions read from the route
// table.
package pipeline

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bnema/harborgate/internal/blacklist"
	"github.com/bnema/harborgate/internal/challenge"
	"github.com/bnema/harborgate/internal/harborlog"
	"github.com/bnema/harborgate/internal/oidcauth"
	"github.com/bnema/harborgate/internal/reverseproxy"
	"github.com/bnema/harborgate/internal/routetable"
)

var log = harborlog.Component("pipeline")

// acmeChallengePath is the well-known HTTP-01 path prefix.
const acmeChallengePath = "/.well-known/acme-challenge/"

// healthPath is never redirected, authenticated, or proxied.
const healthPath = "/_health"

// Config carries the static pieces of the health payload and the
// redirect toggle (spec.md §6).
type Config struct {
	ServiceName     string
	Version         string
	HTTPSEnabled    bool
	RedirectToHTTPS bool
	HTTPSPort       int // appended to the redirect Location when != 443
}

// Pipeline builds the echo.Echo handler shared by the plaintext and
// TLS listeners.
type Pipeline struct {
	cfg        Config
	routes     *routetable.Table
	challenges *challenge.Store
	blacklist  *blacklist.List         // nil disables IP filtering
	oidc       *oidcauth.Authenticator // nil disables authentication
	proxy      *reverseproxy.Proxy
}

// New constructs a Pipeline. blacklist and oidc may be nil to disable
// those stages.
func New(cfg Config, routes *routetable.Table, challenges *challenge.Store, bl *blacklist.List, oidc *oidcauth.Authenticator) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		routes:     routes,
		challenges: challenges,
		blacklist:  bl,
		oidc:       oidc,
		proxy:      reverseproxy.New(routes),
	}
}

// Handler returns the fully assembled echo.Echo.
func (p *Pipeline) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(p.blacklistMiddleware)
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			return isExemptPath(c.Request().URL.Path)
		},
	}))
	e.Use(p.httpsRedirectMiddleware)
	if p.oidc != nil {
		e.Use(p.oidc.Middleware())
	}

	e.GET(acmeChallengePath+":token", p.acmeChallengeHandler)
	e.GET(healthPath, p.healthHandler)
	if p.oidc != nil {
		e.GET(p.oidc.CallbackPath(), p.oidcCallbackHandler)
	}
	e.Any("/*", p.routeHandler)

	return e
}

func isExemptPath(path string) bool {
	return path == healthPath || strings.HasPrefix(path, acmeChallengePath)
}

// blacklistMiddleware rejects requests from denied IPs before any
// other stage runs.
func (p *Pipeline) blacklistMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p.blacklist == nil {
			return next(c)
		}
		ip := c.RealIP()
		if p.blacklist.IsBlocked(ip) {
			log.Warn("blocked request from blacklisted ip", "ip", ip, "path", c.Request().URL.Path)
			return c.String(http.StatusForbidden, "Forbidden")
		}
		return next(c)
	}
}

// httpsRedirectMiddleware implements spec.md §4.10 step 1: redirect
// plaintext requests to HTTPS, except for the ACME challenge path and
// the health endpoint.
func (p *Pipeline) httpsRedirectMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if !p.cfg.HTTPSEnabled || !p.cfg.RedirectToHTTPS || isExemptPath(req.URL.Path) || req.TLS != nil {
			return next(c)
		}
		host := req.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if p.cfg.HTTPSPort != 0 && p.cfg.HTTPSPort != 443 {
			host = fmt.Sprintf("%s:%d", host, p.cfg.HTTPSPort)
		}
		target := "https://" + host + req.RequestURI
		return c.Redirect(http.StatusMovedPermanently, target)
	}
}
