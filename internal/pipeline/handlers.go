package pipeline

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bnema/harborgate/internal/routetable"
)

// acmeChallengeHandler serves the HTTP-01 key authorization for token,
// or 404 if it is not (or no longer) pending (spec.md §4.10 step 2).
func (p *Pipeline) acmeChallengeHandler(c echo.Context) error {
	token := c.Param("token")
	keyAuth, ok := p.challenges.Get(token)
	if !ok {
		return c.String(http.StatusNotFound, "not found")
	}
	return c.String(http.StatusOK, keyAuth)
}

type healthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
	HTTPS   bool   `json:"https"`
	OIDC    bool   `json:"oidc"`
}

// healthHandler implements spec.md §4.10 step 3.
func (p *Pipeline) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Service: p.cfg.ServiceName,
		Status:  "running",
		Version: p.cfg.Version,
		HTTPS:   p.cfg.HTTPSEnabled,
		OIDC:    p.oidc != nil,
	})
}

// oidcCallbackHandler completes the authorization-code exchange and
// sends the caller back to the path they originally requested
// (spec.md §4.11). State/code tampering yields 400 (spec.md §7).
func (p *Pipeline) oidcCallbackHandler(c echo.Context) error {
	returnPath, err := p.oidc.Callback(c.Request().Context(), c)
	if err != nil {
		log.Warn("oidc callback rejected", "error", err)
		return c.String(http.StatusBadRequest, "invalid authentication callback")
	}
	return c.Redirect(http.StatusFound, returnPath)
}

// routeHandler implements spec.md §4.10 steps 4-5: resolve the route
// for the request's host, gate it behind OIDC + RBAC if the route
// demands it, then hand off to the reverse proxy.
func (p *Pipeline) routeHandler(c echo.Context) error {
	req := c.Request()
	host := hostOnly(req.Host)

	route, err := p.proxy.Resolve(host)
	if err != nil {
		return c.String(http.StatusNotFound, "Domain not found")
	}

	if p.oidc != nil && route.AuthRequired {
		handled, err := p.authorize(c, route)
		if handled {
			return err
		}
	}

	p.proxy.ServeHTTP(c.Response(), req)
	return nil
}

type forbiddenBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// authorize reports whether the request was already answered (handled
// true: either an OIDC challenge redirect or a fixed 403 body) and, if
// so, the echo error to propagate. handled false means the caller's
// session satisfies route.RequiredRoles and the request may proceed
// to the reverse proxy (spec.md §4.10 step 4, §8 property 8).
func (p *Pipeline) authorize(c echo.Context, route routetable.Route) (handled bool, err error) {
	session, ok := p.oidc.CurrentSession(c)
	if !ok {
		return true, p.oidc.Challenge(c, c.Request().URL.RequestURI())
	}
	if !session.HasAnyRole(route.RequiredRoles) {
		return true, c.JSON(http.StatusForbidden, forbiddenBody{
			Error:   "Forbidden",
			Message: "You do not have the required roles to access this resource",
		})
	}
	return false, nil
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
