package auth

import (
	"context"
	"strings"
)

// Authorization actions are strings of the form "subject:verb", e.g.
// "schedule:manage". The authorizer here implements a coarse policy: any
// authenticated principal may read and watch, while mutating actions can be
// restricted to a configured set of principals. Platforms with a central
// policy service plug in their own implementation instead.

// PrincipalAuthorizer grants access based on the principal alone.
type PrincipalAuthorizer struct {
	// managers, when non-empty, is the set of principals allowed to perform
	// mutating actions. Empty means every authenticated principal may.
	managers map[string]struct{}
}

// PrincipalAuthorizerOption configures a PrincipalAuthorizer.
type PrincipalAuthorizerOption func(*PrincipalAuthorizer)

// WithManagers restricts mutating actions to the given principals.
func WithManagers(principals ...string) PrincipalAuthorizerOption {
	return func(a *PrincipalAuthorizer) {
		for _, p := range principals {
			a.managers[p] = struct{}{}
		}
	}
}

// NewPrincipalAuthorizer creates an authorizer.
func NewPrincipalAuthorizer(opts ...PrincipalAuthorizerOption) *PrincipalAuthorizer {
	a := &PrincipalAuthorizer{managers: make(map[string]struct{})}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allowed reports whether the principal may perform the action. An empty
// principal is never allowed.
func (a *PrincipalAuthorizer) Allowed(_ context.Context, principal, action, _ string) bool {
	if principal == "" {
		return false
	}
	if len(a.managers) == 0 || !isMutating(action) {
		return true
	}
	_, ok := a.managers[principal]
	return ok
}

// isMutating reports whether an action changes state, as opposed to reads
// and watch joins.
func isMutating(action string) bool {
	switch {
	case strings.HasSuffix(action, ":read"), strings.HasSuffix(action, ":watch"):
		return false
	default:
		return true
	}
}
