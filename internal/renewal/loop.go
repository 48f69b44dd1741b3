// Package renewal implements the background certificate renewal loop
// of spec.md §4.8: after an initial delay, periodically walk every
// host known to the certificate store and ask its provider to renew
// if needed.
//
// Grounded on the goroutine-plus-ticker shape used throughout
// bnema/gordon's container event handling (internal/container/docker.go's
// Events loop) for the select-on-ctx.Done()-or-timer pattern, adapted
// here to a fixed-period sweep instead of an event stream.
package renewal

import (
	"context"
	"time"

	"github.com/bnema/harborgate/internal/certprovider"
	"github.com/bnema/harborgate/internal/certstore"
	"github.com/bnema/harborgate/internal/harborlog"
)

var log = harborlog.Component("renewal")

// InitialDelay is how long the loop waits before its first sweep,
// giving freshly-issued certificates from startup time to settle
// (spec.md §4.8).
const InitialDelay = 60 * time.Second

// Interval is the steady-state period between sweeps.
const Interval = 12 * time.Hour

// HostLister enumerates the hosts currently tracked, independent of
// which provider issued their certificate.
type HostLister interface {
	Hosts() []string
}

// Loop periodically renews certificates that need it. A renewal
// failure for one host is logged and does not interrupt the sweep of
// the remaining hosts (spec.md §4.8 edge case).
type Loop struct {
	hosts    HostLister
	provider certprovider.Provider
}

// New constructs a Loop over hosts, renewing through provider.
func New(hosts HostLister, provider certprovider.Provider) *Loop {
	return &Loop{hosts: hosts, provider: provider}
}

// Run blocks, sweeping on InitialDelay then every Interval, until ctx
// is cancelled.
func (l *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("renewal loop stopping")
			return
		case <-timer.C:
			l.sweep(ctx)
			timer.Reset(Interval)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	hosts := l.hosts.Hosts()
	log.Info("renewal sweep starting", "hosts", len(hosts))

	renewed, failed := 0, 0
	for _, host := range hosts {
		if ctx.Err() != nil {
			return
		}
		if !l.provider.NeedsRenewal(host) {
			continue
		}
		if _, err := l.provider.Renew(ctx, host); err != nil {
			log.Error("certificate renewal failed", "host", host, "error", err)
			failed++
			continue
		}
		renewed++
	}
	log.Info("renewal sweep finished", "renewed", renewed, "failed", failed, "total", len(hosts))
}

// StoreHosts adapts a *certstore.Store to HostLister.
type StoreHosts struct {
	Store *certstore.Store
}

func (s StoreHosts) Hosts() []string { return s.Store.Hosts() }
