package resolver

import (
	"context"
	"errors"
	"sync"
)

// Capability is the contract the engine consumes from a pluggable resolver.
// Implementations validate creation parameters, compute candidate answers and
// render human-readable descriptions; the engine never knows concrete types.
type Capability interface {
	IsValidTemplate(template string) bool
	AnswerKind(template string) (Kind, error)
	ValidateAndOpen(ctx context.Context, unitID, template string, payload []byte, creator string) (InitialState, error)
	ComputeAnswer(ctx context.Context, unitID, caller string, payload []byte) ([]byte, error)
	Describe(ctx context.Context, unitID string) (string, error)
}

// ErrUnknownCapability signals that no executable module is bound to the
// resolver identity.
var ErrUnknownCapability = errors.New("resolver: unknown capability")

// Registry holds the executable resolver modules keyed by identity. Binding
// is in-process; the persisted trust record lives in the resolvers table.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Bind associates a capability implementation with a resolver identity.
// Rebinding an identity replaces the previous implementation.
func (r *Registry) Bind(id string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[id] = c
}

// Lookup returns the capability bound to id.
func (r *Registry) Lookup(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	if !ok {
		return nil, ErrUnknownCapability
	}
	return c, nil
}
