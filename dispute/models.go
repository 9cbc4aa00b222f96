package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Phase distinguishes a challenge to a not-yet-final proposal from a
// correction attempt against an already-final result.
type Phase string

const (
	PhasePreFinality  Phase = "pre_finality"
	PhasePostFinality Phase = "post_finality"
)

// Verdict is applied uniformly wherever a dispute episode is decided.
type Verdict string

const (
	VerdictUpholdDispute Verdict = "uphold_dispute"
	VerdictRejectDispute Verdict = "reject_dispute"
	VerdictCancel        Verdict = "cancel"
	VerdictTooEarly      Verdict = "too_early"
)

func validVerdict(v Verdict) bool {
	switch v {
	case VerdictUpholdDispute, VerdictRejectDispute, VerdictCancel, VerdictTooEarly:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound       = errors.New("dispute: not found")
	ErrForbidden      = errors.New("dispute: forbidden")
	ErrInvalidState   = errors.New("dispute: operation not legal in current state")
	ErrWindowClosed   = errors.New("dispute: deadline already passed")
	ErrWindowOpen     = errors.New("dispute: deadline not yet reached")
	ErrAlreadyExists  = errors.New("dispute: live record already exists")
	ErrAlreadyDecided = errors.New("dispute: adjudicator already decided")
	ErrNoDecision     = errors.New("dispute: no adjudicator decision recorded")
)

// Record mirrors the disputes table. One live record per unit; a second,
// independent episode is only possible post-finality.
type Record struct {
	ID                 string
	UnitID             string
	Phase              Phase
	Disputer           string
	EscrowID           string
	Reason             string
	EvidenceURI        string
	ProposedCorrection []byte
	FiledAt            time.Time
	ResolvedAt         *time.Time
	WasCorrected       bool
	Decision           *Verdict
	DecidedAt          *time.Time
	DecisionCorrection []byte
}

// Escalation mirrors the escalations table; it exists only when a round-1
// decision was challenged.
type Escalation struct {
	ID                 string
	UnitID             string
	Challenger         string
	EscrowID           string
	Reason             string
	EvidenceURI        string
	ProposedCorrection []byte
	FiledAt            time.Time
	ResolvedAt         *time.Time
}

const disputeColumns = `
	id, unit_id, phase::text, disputer, escrow_id, reason, evidence_uri,
	proposed_correction, filed_at, resolved_at, was_corrected, decision, decided_at,
	decision_correction
`

func scanDispute(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.UnitID, &rec.Phase, &rec.Disputer, &rec.EscrowID, &rec.Reason, &rec.EvidenceURI,
		&rec.ProposedCorrection, &rec.FiledAt, &rec.ResolvedAt, &rec.WasCorrected, &rec.Decision, &rec.DecidedAt,
		&rec.DecisionCorrection,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func liveDisputeForUpdate(ctx context.Context, tx pgx.Tx, unitID string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE unit_id = $1 AND resolved_at IS NULL FOR UPDATE`
	rec, err := scanDispute(tx.QueryRow(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: load live dispute: %w", err)
	}
	return rec, nil
}

const escalationColumns = `
	id, unit_id, challenger, escrow_id, reason, evidence_uri,
	proposed_correction, filed_at, resolved_at
`

func scanEscalation(row pgx.Row) (Escalation, error) {
	var esc Escalation
	err := row.Scan(
		&esc.ID, &esc.UnitID, &esc.Challenger, &esc.EscrowID, &esc.Reason, &esc.EvidenceURI,
		&esc.ProposedCorrection, &esc.FiledAt, &esc.ResolvedAt,
	)
	if err != nil {
		return Escalation{}, err
	}
	return esc, nil
}

// liveEscalationForUpdate returns the unresolved escalation or nil when the
// round-2 state was reached by adjudication timeout instead of a challenge.
func liveEscalationForUpdate(ctx context.Context, tx pgx.Tx, unitID string) (*Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE unit_id = $1 AND resolved_at IS NULL FOR UPDATE`
	esc, err := scanEscalation(tx.QueryRow(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispute: load escalation: %w", err)
	}
	return &esc, nil
}
