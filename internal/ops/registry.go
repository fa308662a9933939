// Package ops serves the read-only operator view of a running control
// plane: persisted scope state over HTTP, a live decision stream over
// websocket, and the per-cycle observability snapshot. Nothing in this
// package writes trading state; the snapshot file is its only output.
package ops

import (
	"sort"

	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/scheduler"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
)

// ScopeHandle bundles everything the ops layer may read for one scope.
// Scheduler and Proposals are optional: a handle without a scheduler
// cannot answer staleness queries, and one without a proposal store
// cannot list governance artifacts.
type ScopeHandle struct {
	Scope     scope.Scope
	Layout    scope.Layout
	Scheduler *scheduler.Scheduler
	Proposals *governance.Store
}

// Registry maps scope slugs to their handles. It is populated once at
// startup, before the server starts; scopes are immutable for the
// process lifetime, so no locking is needed afterwards.
type Registry struct {
	handles map[string]ScopeHandle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]ScopeHandle)}
}

// Add registers a scope handle, replacing any previous handle for the
// same slug.
func (r *Registry) Add(h ScopeHandle) {
	r.handles[h.Scope.Slug()] = h
}

// Get returns the handle for a slug.
func (r *Registry) Get(slug string) (ScopeHandle, bool) {
	h, ok := r.handles[slug]
	return h, ok
}

// Slugs returns the registered scope slugs in sorted order.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.handles))
	for slug := range r.handles {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// proposals returns the handle's proposal store, building a default
// read-only store when none was attached. Persisted artifacts remain
// readable even when governance is disabled in this process.
func (h ScopeHandle) proposals() *governance.Store {
	if h.Proposals != nil {
		return h.Proposals
	}
	return governance.NewStore(h.Layout, 0)
}
