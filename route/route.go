// Package route is the router's forwarding table.
package route

import (
	"errors"
	"net/netip"
	"slices"
	"sync"

	"github.com/gaissmai/bart"

	"go.universe.tf/natrouter/config"
)

// ErrNoRoute is returned when no prefix covers a destination.
var ErrNoRoute = errors.New("no route to destination")

// Route sends traffic for Prefix out of Interface, through Gateway if
// it is set.
type Route struct {
	Prefix    netip.Prefix
	Gateway   netip.Addr
	Interface string
}

// NextHop returns the address to resolve on the link when forwarding
// to dst along r.
func (r Route) NextHop(dst netip.Addr) netip.Addr {
	if r.Gateway.IsValid() && !r.Gateway.IsUnspecified() {
		return r.Gateway
	}
	return dst
}

// Table is a longest-prefix-match route table, safe for concurrent
// use.
type Table struct {
	mu     sync.RWMutex
	lpm    bart.Table[Route]
	routes []Route
}

// New returns a table holding routes.
func New(routes ...Route) *Table {
	t := &Table{}
	for _, r := range routes {
		t.Add(r)
	}
	return t
}

// FromConfig builds a table from the topology file's routes.
func FromConfig(rs []config.Route) *Table {
	t := &Table{}
	for _, r := range rs {
		t.Add(Route{Prefix: r.Prefix, Gateway: r.Gateway, Interface: r.Interface})
	}
	return t
}

// Add inserts r, replacing any route for the same prefix.
func (t *Table) Add(r Route) {
	r.Prefix = r.Prefix.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lpm.Insert(r.Prefix, r)
	t.routes = slices.DeleteFunc(t.routes, func(o Route) bool { return o.Prefix == r.Prefix })
	t.routes = append(t.routes, r)
}

// Lookup returns the most specific route covering dst.
func (t *Table) Lookup(dst netip.Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lpm.Lookup(dst)
}

// Resolve returns the route for dst and the next-hop address on its
// link.
func (t *Table) Resolve(dst netip.Addr) (Route, netip.Addr, error) {
	r, ok := t.Lookup(dst)
	if !ok {
		return Route{}, netip.Addr{}, ErrNoRoute
	}
	return r, r.NextHop(dst), nil
}

// Routes returns the configured routes in insertion order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.routes)
}
