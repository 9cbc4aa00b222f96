package adjudicator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Opinion is the adjudicator's verdict on a creation request.
type Opinion string

const (
	OpinionApprove    Opinion = "approve"
	OpinionSoftReject Opinion = "soft_reject"
	OpinionHardReject Opinion = "hard_reject"
)

// EvalParams carries the full unit parameters to the adjudicator, both for
// the creation pre-check and the assignment call.
type EvalParams struct {
	UnitID             string
	ResolverID         string
	Template           string
	Creator            string
	Payload            []byte
	ResolutionTime     time.Time
	DisputeWindow      time.Duration
	AdjudicationWindow time.Duration
	EscalationWindow   time.Duration
	PostFinalityWindow time.Duration
}

// Capability is the contract consumed from an external adjudicator
// ("TruthKeeper"). How the judgment is formed is out of scope.
type Capability interface {
	Evaluate(ctx context.Context, params EvalParams) (Opinion, error)
}

var ErrUnknownCapability = errors.New("adjudicator: unknown capability")

// Registry binds adjudicator identities to executable modules.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Bind(id string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[id] = c
}

func (r *Registry) Lookup(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	if !ok {
		return nil, ErrUnknownCapability
	}
	return c, nil
}

// Static always answers with a fixed opinion. Used by tests and the stress
// harness.
type Static struct {
	Opinion Opinion
}

func (s Static) Evaluate(ctx context.Context, params EvalParams) (Opinion, error) {
	return s.Opinion, nil
}
