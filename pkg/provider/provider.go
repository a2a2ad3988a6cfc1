package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/types"
)

// Provider executes one kind of granted operation and answers status and
// cancellation queries for operations it dispatched.
type Provider interface {
	// Execute dispatches the operation. Agent providers return once the
	// work is scheduled; the remote LLM provider returns once the remote
	// submission is accepted.
	Execute(ctx context.Context, grant *types.Grant, filesContent [][]byte, execCtx types.ExecContext) (*types.CreateResponse, error)

	// Get renders the current client-visible state of an operation
	Get(ctx context.Context, opID string) (*types.OperationView, error)

	// Cancel requests best-effort cancellation, reporting acceptance
	Cancel(ctx context.Context, opID string) (bool, error)
}

// Registry maps operation names to provider constructors. Stateful
// providers register a singleton so Get and Cancel observe the same
// state as Execute; stateless ones may construct per call.
type Registry struct {
	mu       sync.RWMutex
	ctors    map[string]func() Provider
	prefixes map[string]string // operation id prefix -> operation name
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		ctors:    make(map[string]func() Provider),
		prefixes: make(map[string]string),
	}
}

// Register binds an operation name and its id prefix to a constructor.
// For a singleton, pass a ctor returning the same instance.
func (r *Registry) Register(operation, idPrefix string, ctor func() Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[operation] = ctor
	if idPrefix != "" {
		r.prefixes[idPrefix] = operation
	}
}

// Get returns a provider for the operation name
func (r *Registry) Get(operation string) (Provider, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[operation]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Validation("no provider registered for operation %q", operation)
	}
	return ctor(), nil
}

// OperationFromID maps an operation id of the form <prefix>_<suffix> back
// to the operation name that produced it. Ids without a registered prefix
// return false and route to the default provider.
func (r *Registry) OperationFromID(opID string) (string, bool) {
	idx := strings.Index(opID, "_")
	if idx <= 0 {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.prefixes[opID[:idx]]
	return op, ok
}

// Singleton wraps an instance as a constructor
func Singleton(p Provider) func() Provider {
	return func() Provider { return p }
}
