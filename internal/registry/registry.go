// Package registry tracks the process-wide set of active groups. It is
// owned exclusively by the dispatcher's single event-loop goroutine and
// carries no synchronization: see the concurrency note in DESIGN.md for
// why that departs from the mutex-protected registries elsewhere in the
// codebase this was grounded on.
package registry

import (
	"crypto/subtle"
	"net/netip"

	"github.com/OpenIRL/srtla/internal/conn"
	"github.com/OpenIRL/srtla/internal/group"
)

// MaxGroups caps the number of concurrently registered groups.
const MaxGroups = 200

// Registry is the process-wide ordered set of groups.
type Registry struct {
	groups []*group.Group
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Len returns the number of registered groups.
func (r *Registry) Len() int {
	return len(r.groups)
}

// Full reports whether the registry is at MaxGroups capacity.
func (r *Registry) Full() bool {
	return len(r.groups) >= MaxGroups
}

// Groups returns the live slice of registered groups. Callers must not
// retain it across a mutation of the registry.
func (r *Registry) Groups() []*group.Group {
	return r.groups
}

// FindByID performs a linear scan for the group whose id matches id,
// using a constant-time comparison to avoid leaking group-id guesses
// through timing.
func (r *Registry) FindByID(id [32]byte) *group.Group {
	for _, g := range r.groups {
		if subtle.ConstantTimeCompare(g.ID[:], id[:]) == 1 {
			return g
		}
	}
	return nil
}

// FindByAddr returns the group owning addr and, if addr belongs to one of
// its registered connections, that connection. If addr matches only a
// group's LastAddr (no connection registered under that exact address),
// the group is returned with a nil connection. If no group matches
// either way, both return values are nil.
func (r *Registry) FindByAddr(addr netip.AddrPort) (*group.Group, *conn.Conn) {
	for _, g := range r.groups {
		if c := g.FindConn(addr); c != nil {
			return g, c
		}
		if g.LastAddr == addr {
			return g, nil
		}
	}
	return nil, nil
}

// Insert adds g to the registry. It fails if the registry is already at
// MaxGroups.
func (r *Registry) Insert(g *group.Group) bool {
	if r.Full() {
		return false
	}
	r.groups = append(r.groups, g)
	return true
}

// Remove drops g from the registry and closes its downstream socket via
// remove (typically Poller.Remove), releasing the sidecar file. It is
// idempotent: removing a group not present is a no-op.
func (r *Registry) Remove(g *group.Group, remove func(fd int) error) {
	for i, cur := range r.groups {
		if cur == g {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			break
		}
	}
	g.Close(remove)
}
