package resolver

import (
	"context"
	"fmt"
	"sync"
)

// BoolCapability is a minimal resolver module answering yes/no templates from
// a table of pre-seeded answers. Test harnesses and the stress actors use it;
// production resolvers live outside this repository.
type BoolCapability struct {
	mu        sync.RWMutex
	templates map[string]bool
	answers   map[string]bool // keyed by unit id payload string
	open      InitialState
}

func NewBoolCapability(templates ...string) *BoolCapability {
	c := &BoolCapability{
		templates: make(map[string]bool, len(templates)),
		answers:   make(map[string]bool),
		open:      InitialActive,
	}
	for _, t := range templates {
		c.templates[t] = true
	}
	return c
}

// WithInitialState makes ValidateAndOpen return the given state, so tests can
// drive the pending approval path.
func (c *BoolCapability) WithInitialState(st InitialState) *BoolCapability {
	c.open = st
	return c
}

// Seed records the answer the module will compute for a payload key.
func (c *BoolCapability) Seed(key string, answer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[key] = answer
}

func (c *BoolCapability) IsValidTemplate(template string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.templates[template]
}

func (c *BoolCapability) AnswerKind(template string) (Kind, error) {
	if !c.IsValidTemplate(template) {
		return "", fmt.Errorf("resolver: unknown template %q", template)
	}
	return KindBoolean, nil
}

func (c *BoolCapability) ValidateAndOpen(ctx context.Context, unitID, template string, payload []byte, creator string) (InitialState, error) {
	if !c.IsValidTemplate(template) {
		return "", fmt.Errorf("resolver: unknown template %q", template)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("resolver: empty payload")
	}
	return c.open, nil
}

func (c *BoolCapability) ComputeAnswer(ctx context.Context, unitID, caller string, payload []byte) ([]byte, error) {
	c.mu.RLock()
	answer, ok := c.answers[string(payload)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolver: no answer for payload %q", string(payload))
	}
	if answer {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (c *BoolCapability) Describe(ctx context.Context, unitID string) (string, error) {
	return fmt.Sprintf("yes/no claim %s", unitID), nil
}
