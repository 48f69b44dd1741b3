// Package routetable implements the concurrent, hot-reloadable host →
// backend map (spec.md §4.3).
//
// Grounded on bnema/gordon's internal/proxy.Proxy.routes (a
// mutex-guarded map[string]*ProxyRouteInfo), redesigned per spec.md §9
// as an atomic copy-on-write snapshot instead of a readers-writer lock
// on the hot path.
package routetable

import (
	"sync"
	"sync/atomic"

	"github.com/bnema/harborgate/internal/harborlog"
)

var log = harborlog.Component("routetable")

// BackendEndpoint is where a Route forwards traffic.
type BackendEndpoint struct {
	Host    string // the DNS name that selects this backend
	Scheme  string // always "http" per spec.md §3
	Address string // IP literal
	Port    int
}

// Route is one live host → backend binding.
type Route struct {
	ContainerID   string
	Name          string
	Host          string
	Backend       BackendEndpoint
	TLS           bool
	AuthRequired  bool
	RequiredRoles []string
}

// Snapshot is an immutable view of the table, safe to read without
// locking (spec.md §3 RouteTableSnapshot).
type Snapshot struct {
	ByHost      map[string]Route
	ChangeEpoch uint64
}

// Table is the single mutable cell holding the current Snapshot.
// Writers (only the Container Observer) serialise through mu; readers
// call Load and never block.
type Table struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	epoch   uint64
	byID    map[string]Route // id -> route, for Remove/displacement bookkeeping
}

// New returns an empty Table.
func New() *Table {
	t := &Table{byID: make(map[string]Route)}
	t.current.Store(&Snapshot{ByHost: map[string]Route{}})
	return t
}

// Snapshot returns the current immutable snapshot. Safe to call from
// the hot request path with zero allocation beyond the returned
// pointer (spec.md §4.3 contract).
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Upsert inserts or replaces the route for id. If another id
// currently owns route.Host, that id's route is displaced: the newer
// route wins (spec.md §4.3, "last writer wins").
func (t *Table) Upsert(id string, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	route.ContainerID = id

	for otherID, otherRoute := range t.byID {
		if otherID != id && otherRoute.Host == route.Host {
			log.Warn("displacing route on host collision",
				"host", route.Host,
				"displaced_container", harborlog.ShortID(otherID),
				"new_container", harborlog.ShortID(id))
			delete(t.byID, otherID)
		}
	}

	t.byID[id] = route
	t.publish()
}

// Remove deletes the route for id if present.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	t.publish()
}

// publish must be called with mu held. It builds a fresh snapshot
// from byID and atomically swaps it in, bumping the change epoch.
func (t *Table) publish() {
	byHost := make(map[string]Route, len(t.byID))
	for _, route := range t.byID {
		byHost[route.Host] = route
	}
	t.epoch++
	t.current.Store(&Snapshot{ByHost: byHost, ChangeEpoch: t.epoch})
}
