// Package scope provides the capability-scope catalog consulted during
// client and token scope validation.
//
// The registry is built once at startup and treated as immutable afterwards:
// all hot-path operations (Contains, Allowed) are read-only and safe for
// concurrent use without synchronization once registration has finished.
package scope

import (
	"fmt"
	"sort"
)

// Wildcard is the scope value that satisfies any scope requirement.
const Wildcard = "*"

// Scope is a named capability a client or token may be restricted to.
type Scope struct {
	// ID is the scope string as it appears in OAuth requests, e.g. "read".
	ID string

	// HelpText is a human-readable description for consent screens.
	HelpText string

	// Group organizes related scopes for display purposes.
	Group string

	// Internal marks scopes that are never shown in user-facing pickers
	// and can only be carried by internal clients and tokens.
	Internal bool
}

// Registry is an append-only catalog of known scopes.
// Register all scopes during startup, then pass the registry to the OAuth
// engine; it is never mutated at request time.
type Registry struct {
	scopes map[string]Scope
}

// NewRegistry creates an empty scope registry.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string]Scope)}
}

// Register adds a scope to the registry.
// It fails if a scope with the same ID is already present.
func (r *Registry) Register(s Scope) error {
	if s.ID == "" {
		return fmt.Errorf("scope ID cannot be empty")
	}
	if _, exists := r.scopes[s.ID]; exists {
		return fmt.Errorf("scope %q is already registered", s.ID)
	}
	r.scopes[s.ID] = s
	return nil
}

// MustRegister registers a scope and panics on failure.
// Intended for startup wiring where a duplicate is a programming error.
func (r *Registry) MustRegister(s Scope) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Contains reports whether the scope ID is known to the registry.
func (r *Registry) Contains(id string) bool {
	_, ok := r.scopes[id]
	return ok
}

// Get returns the scope with the given ID.
func (r *Registry) Get(id string) (Scope, bool) {
	s, ok := r.scopes[id]
	return s, ok
}

// List returns all registered scopes sorted by ID.
// When excludeInternal is true, internal-only scopes are omitted; this is
// the view presented to user-facing scope pickers.
func (r *Registry) List(excludeInternal bool) []Scope {
	out := make([]Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		if excludeInternal && s.Internal {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Allowed reports whether every ID in the set names a registered scope.
// The wildcard scope is always allowed.
func (r *Registry) Allowed(ids []string) bool {
	for _, id := range ids {
		if id == Wildcard {
			continue
		}
		if !r.Contains(id) {
			return false
		}
	}
	return true
}
