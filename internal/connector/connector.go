// Package connector defines the collaborators the check core consumes: the
// resource directory that resolves connection descriptors and the per-kind
// testers that probe them.
package connector

import (
	"context"
	"fmt"

	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
)

// Descriptor identifies one external resource connection. The core never
// owns resources; it only holds enough to hand the right tester its target.
type Descriptor struct {
	ID       string
	Kind     string
	Address  string
	Settings map[string]string
}

// Directory resolves resource ids to connection descriptors. Implemented by
// the connection-management collaborator.
type Directory interface {
	GetResource(ctx context.Context, resourceID string) (Descriptor, error)
}

// Tester probes a single resource kind. Implementations are opaque to the
// core; they should honor ctx cancellation but are not required to.
type Tester interface {
	Test(ctx context.Context, desc Descriptor) (run.Outcome, error)
}

// Registry dispatches descriptors to the tester registered for their kind.
type Registry struct {
	testers map[string]Tester
}

// NewRegistry creates a registry with the given kind to tester mapping.
func NewRegistry() *Registry {
	return &Registry{testers: make(map[string]Tester)}
}

// Register binds a tester to a resource kind, replacing any previous one.
func (r *Registry) Register(kind string, tester Tester) {
	r.testers[kind] = tester
}

// Test routes the descriptor to its kind's tester.
func (r *Registry) Test(ctx context.Context, desc Descriptor) (run.Outcome, error) {
	tester, ok := r.testers[desc.Kind]
	if !ok {
		return run.Outcome{}, fmt.Errorf("%w: no tester for resource kind %q", errs.ErrNotFound, desc.Kind)
	}
	return tester.Test(ctx, desc)
}
