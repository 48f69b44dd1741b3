// Package reverseproxy implements the host-routed reverse proxy engine
// of spec.md §4.12, forwarding requests (including upgraded WebSocket
// connections) to the backend resolved from the route table snapshot.
//
// Grounded on bnema/gordon's internal/proxy/proxy.go configureRoutes
// handler: httputil.NewSingleHostReverseProxy per request, a Director
// override injecting X-Forwarded-* headers, and an ErrorHandler
// mapping backend failures to an HTTP status. httputil.ReverseProxy
// has handled "Connection: Upgrade" requests (WebSocket) by hijacking
// and splicing the raw connection since Go 1.12, so no bespoke
// WebSocket code is needed beyond using it as the transport.
package reverseproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/bnema/harborgate/internal/harborlog"
	"github.com/bnema/harborgate/internal/routetable"
)

var log = harborlog.Component("reverseproxy")

// ErrNoRoute is returned by Resolve when no route matches the host.
var ErrNoRoute = errors.New("reverseproxy: no route for host")

// Proxy resolves a request's Host header against a route table
// snapshot and forwards it to the matching backend.
type Proxy struct {
	routes *routetable.Table
}

// New returns a Proxy reading from routes.
func New(routes *routetable.Table) *Proxy {
	return &Proxy{routes: routes}
}

// Resolve looks up host (already stripped of any port) in the current
// snapshot.
func (p *Proxy) Resolve(host string) (routetable.Route, error) {
	snap := p.routes.Snapshot()
	route, ok := snap.ByHost[host]
	if !ok {
		return routetable.Route{}, ErrNoRoute
	}
	return route, nil
}

// ServeHTTP forwards r to the backend for r.Host, writing a 404 if no
// route matches.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	route, err := p.Resolve(host)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	target := &url.URL{
		Scheme: route.Backend.Scheme,
		Host:   fmt.Sprintf("%s:%d", route.Backend.Address, route.Backend.Port),
	}

	clientIP := clientAddr(r)

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Forwarded-Proto", schemeOf(r))
		req.Header.Set("X-Forwarded-Host", host)
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Real-IP", clientIP)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("proxy error", "host", host, "target", target.String(), "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, http.StatusText(status), status)
	}

	proxy.ServeHTTP(w, r)
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
