// Package observer implements the Container Observer (spec.md §4.4):
// it reconciles the route table against the container source's
// current state, then keeps it in sync from the lifecycle event
// stream.
//
// Grounded on bnema/gordon's internal/container/manager.go event-loop
// shape (an initial reconciliation pass, then a for-select over a
// Docker events channel feeding incremental updates) and
// internal/proxy/routes_helpers.go's per-container label-to-route
// translation, generalized here to the label.Parse/routetable.Upsert
// pair instead of gordon's direct *ProxyRouteInfo construction.
package observer

import (
	"context"
	"errors"
	"time"

	"github.com/bnema/harborgate/internal/containersource"
	"github.com/bnema/harborgate/internal/harborlog"
	"github.com/bnema/harborgate/internal/label"
	"github.com/bnema/harborgate/internal/routetable"
)

var log = harborlog.Component("observer")

// backoff bounds the delay between Events reconnect attempts
// (spec.md §4.4: "must reconnect with no data loss beyond in-flight
// events").
const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// settleDelay tolerates containers that expose ports only after
// initialisation (spec.md §4.4).
const settleDelay = 500 * time.Millisecond

// errNoTargetPort means neither the label nor the exposed-port list
// yielded a port to route to.
var errNoTargetPort = errors.New("observer: no target port discoverable")

// errNoHostBinding means no backend address could be derived: the
// proxy runs on the host and the target port has no published
// host-side binding, or it runs inside a container and the container
// has no network IP.
var errNoHostBinding = errors.New("observer: no host-port binding for target port")

// Observer bridges a containersource.Source to a routetable.Table.
type Observer struct {
	source containersource.Source
	routes *routetable.Table
}

// New returns an Observer reading from source and writing into routes.
func New(source containersource.Source, routes *routetable.Table) *Observer {
	return &Observer{source: source, routes: routes}
}

// Run performs an initial reconciliation, then consumes lifecycle
// events until ctx is cancelled, reconnecting the event stream with
// exponential backoff on transient failures.
func (o *Observer) Run(ctx context.Context) error {
	if err := o.reconcile(ctx); err != nil {
		return err
	}

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		events, errs := o.source.Events(ctx)
		clean := o.consume(ctx, events, errs)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if clean {
			backoff = minBackoff
			continue
		}

		log.Warn("event stream ended, reconnecting", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// reconcile lists every currently running container and upserts its
// route, establishing the table's initial state (spec.md §4.4 step 1).
func (o *Observer) reconcile(ctx context.Context) error {
	descriptors, err := o.source.List(ctx)
	if err != nil {
		return err
	}
	for _, desc := range descriptors {
		o.apply(desc)
	}
	return nil
}

// consume drains events until the channel closes or ctx is cancelled.
// It returns true if the channel closed without an error (a clean
// shutdown the caller should not treat as a failure to back off from).
func (o *Observer) consume(ctx context.Context, events <-chan containersource.Event, errs <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case err, ok := <-errs:
			if !ok {
				continue
			}
			if err != nil {
				log.Error("container event stream error", "error", err)
				return false
			}
		case ev, ok := <-events:
			if !ok {
				return true
			}
			o.handle(ctx, ev)
		}
	}
}

func (o *Observer) handle(ctx context.Context, ev containersource.Event) {
	switch ev.Action {
	case containersource.ActionStart:
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			return
		}
		desc, err := o.source.Inspect(ctx, ev.ID)
		if err != nil {
			log.Warn("failed to inspect started container, skipping",
				"container", harborlog.ShortID(ev.ID), "error", err)
			return
		}
		o.apply(desc)
	case containersource.ActionDie, containersource.ActionStop, containersource.ActionDestroy:
		o.routes.Remove(ev.ID)
	}
}

// apply translates one container's labels into a route and upserts or
// removes it, per spec.md §4.1/§4.4.
func (o *Observer) apply(desc containersource.ContainerDescriptor) {
	intent := label.Parse(desc.ID, desc.Labels)
	if !intent.Enable || intent.Host == "" {
		o.routes.Remove(desc.ID)
		return
	}

	backend, err := o.resolveBackend(desc, intent)
	if err != nil {
		log.Warn("cannot derive backend endpoint, skipping route",
			"container", harborlog.ShortID(desc.ID), "host", intent.Host, "error", err)
		o.routes.Remove(desc.ID)
		return
	}

	o.routes.Upsert(desc.ID, routetable.Route{
		Name:          desc.Name,
		Host:          intent.Host,
		Backend:       backend,
		TLS:           intent.TLS,
		AuthRequired:  intent.AuthRequired,
		RequiredRoles: intent.RequiredRoles,
	})
}

// targetPort picks intent.Port if set, else the lowest exposed port
// (desc.ExposedPorts is kept in ascending order by containersource,
// resolving spec.md §9's "first exposed port" ambiguity).
func targetPort(desc containersource.ContainerDescriptor, intent label.RouteIntent) (int, error) {
	if intent.Port != 0 {
		return intent.Port, nil
	}
	if len(desc.ExposedPorts) == 0 {
		return 0, errNoTargetPort
	}
	if len(desc.ExposedPorts) > 1 {
		log.Warn("container exposes multiple ports without an explicit port label, using the lowest",
			"container", harborlog.ShortID(desc.ID), "ports", desc.ExposedPorts)
	}
	return desc.ExposedPorts[0], nil
}

// resolveBackend implements spec.md §4.4's endpoint-derivation rules.
func (o *Observer) resolveBackend(desc containersource.ContainerDescriptor, intent label.RouteIntent) (routetable.BackendEndpoint, error) {
	port, err := targetPort(desc, intent)
	if err != nil {
		return routetable.BackendEndpoint{}, err
	}

	if o.source.RunsInsideContainer() {
		if len(desc.Networks) == 0 || desc.Networks[0].IP == "" {
			return routetable.BackendEndpoint{}, errNoHostBinding
		}
		return routetable.BackendEndpoint{
			Host:    intent.Host,
			Scheme:  "http",
			Address: desc.Networks[0].IP,
			Port:    port,
		}, nil
	}

	for _, binding := range desc.PortBindings {
		if binding.ContainerPort == port {
			return routetable.BackendEndpoint{
				Host:    intent.Host,
				Scheme:  "http",
				Address: "127.0.0.1",
				Port:    binding.HostPort,
			}, nil
		}
	}
	return routetable.BackendEndpoint{}, errNoHostBinding
}
