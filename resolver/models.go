package resolver

import "time"

// TrustLevel bounds how long a resolver may lock consumer capital behind
// dispute horizons.
type TrustLevel string

const (
	TrustNone     TrustLevel = "none"
	TrustBasic    TrustLevel = "basic"
	TrustVerified TrustLevel = "verified"
	TrustSystem   TrustLevel = "system"
)

// MaxWindow returns the largest time window a unit created against a resolver
// of the given trust level may carry.
func MaxWindow(level TrustLevel) time.Duration {
	switch level {
	case TrustBasic:
		return 24 * time.Hour
	case TrustVerified, TrustSystem:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Kind classifies the encoded answer a template produces.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindNumeric Kind = "numeric"
	KindGeneric Kind = "generic"
)

// InitialState is what a resolver's ValidateAndOpen decides a fresh unit
// starts in.
type InitialState string

const (
	InitialPending InitialState = "pending"
	InitialActive  InitialState = "active"
)

// Record mirrors the resolvers table.
type Record struct {
	ID           string
	Trust        TrustLevel
	RegisteredBy string
	RegisteredAt time.Time
}
