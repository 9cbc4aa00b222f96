package unit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"truthflow/fee"
	"truthflow/resolver"
)

// State is the truth-unit lifecycle position. Rejected and Cancelled are
// terminal; Resolved becomes terminal once its post-finality window elapses
// with no unresolved dispute.
type State string

const (
	StatePending    State = "pending"
	StateActive     State = "active"
	StateResolving  State = "resolving"
	StateResolved   State = "resolved"
	StateDisputedR1 State = "disputed_r1"
	StateDisputedR2 State = "disputed_r2"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
)

var (
	ErrNotFound         = errors.New("unit: not found")
	ErrForbidden        = errors.New("unit: forbidden")
	ErrInvalidState     = errors.New("unit: operation not legal in current state")
	ErrWindowTooLong    = errors.New("unit: window exceeds trust-derived maximum")
	ErrWindowOpen       = errors.New("unit: deadline not yet reached")
	ErrInvalidTemplate  = errors.New("unit: invalid template for resolver")
	ErrCreationRejected = errors.New("unit: adjudicator hard-rejected creation")
	ErrAlreadyExists    = errors.New("unit: live record already exists")
	ErrNoResult         = errors.New("unit: no result stored")
	ErrNotFinal         = errors.New("unit: result not irreversibly final")
)

// TruthUnit mirrors the truth_units row. Tier never changes after creation.
type TruthUnit struct {
	ID                   string
	Creator              string
	ResolverID           string
	Template             string
	Payload              []byte
	AnswerKind           resolver.Kind
	State                State
	AdjudicatorID        string
	Tier                 fee.Tier
	ResolutionTime       time.Time
	DisputeWindow        time.Duration
	AdjudicationWindow   time.Duration
	EscalationWindow     time.Duration
	PostFinalityWindow   time.Duration
	DisputeDeadline      *time.Time
	AdjudicationDeadline *time.Time
	EscalationDeadline   *time.Time
	PostFinalityDeadline *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Proposal mirrors resolution_proposals. At most one live instance per unit;
// a too-early verdict deletes it outright.
type Proposal struct {
	UnitID    string
	Proposer  string
	EscrowID  *string
	Result    []byte
	CreatedAt time.Time
}

// ResultRecord is the stored answer plus its correction flag.
type ResultRecord struct {
	UnitID      string
	Value       []byte
	Corrected   bool
	FinalizedAt time.Time
}

const unitColumns = `
	id, creator, resolver_id, template, payload, answer_kind::text, state::text,
	adjudicator_id, tier::text, resolution_time,
	dispute_window_secs, adjudication_window_secs, escalation_window_secs, post_finality_window_secs,
	dispute_deadline, adjudication_deadline, escalation_deadline, post_finality_deadline,
	created_at, updated_at
`

func scanUnit(row pgx.Row) (TruthUnit, error) {
	var (
		u       TruthUnit
		dwSecs  int64
		awSecs  int64
		ewSecs  int64
		pfwSecs int64
	)
	err := row.Scan(
		&u.ID, &u.Creator, &u.ResolverID, &u.Template, &u.Payload, &u.AnswerKind, &u.State,
		&u.AdjudicatorID, &u.Tier, &u.ResolutionTime,
		&dwSecs, &awSecs, &ewSecs, &pfwSecs,
		&u.DisputeDeadline, &u.AdjudicationDeadline, &u.EscalationDeadline, &u.PostFinalityDeadline,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return TruthUnit{}, err
	}
	u.DisputeWindow = time.Duration(dwSecs) * time.Second
	u.AdjudicationWindow = time.Duration(awSecs) * time.Second
	u.EscalationWindow = time.Duration(ewSecs) * time.Second
	u.PostFinalityWindow = time.Duration(pfwSecs) * time.Second
	return u, nil
}

// LockForUpdate loads the unit row under a FOR UPDATE lock. Every mutating
// engine operation takes this lock first, which serializes operations per
// unit and blocks re-entrant call-outs for the life of the transaction.
func LockForUpdate(ctx context.Context, tx pgx.Tx, unitID string) (TruthUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM truth_units WHERE id = $1 FOR UPDATE`
	u, err := scanUnit(tx.QueryRow(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TruthUnit{}, ErrNotFound
		}
		return TruthUnit{}, fmt.Errorf("unit: lock for update: %w", err)
	}
	return u, nil
}

// StoreResultTx upserts the stored answer. Post-finality corrections
// overwrite the value and raise the corrected flag.
func StoreResultTx(ctx context.Context, tx pgx.Tx, unitID string, value []byte, corrected bool, finalizedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO results (unit_id, value, corrected, finalized_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (unit_id) DO UPDATE SET value = EXCLUDED.value, corrected = EXCLUDED.corrected, finalized_at = EXCLUDED.finalized_at
	`, unitID, value, corrected, finalizedAt)
	if err != nil {
		return fmt.Errorf("unit: store result: %w", err)
	}
	return nil
}

// DeleteProposalTx clears the live proposal, as a too-early verdict demands.
func DeleteProposalTx(ctx context.Context, tx pgx.Tx, unitID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM resolution_proposals WHERE unit_id = $1`, unitID); err != nil {
		return fmt.Errorf("unit: clear proposal: %w", err)
	}
	return nil
}

// ProposalForUpdate loads the live proposal under lock.
func ProposalForUpdate(ctx context.Context, tx pgx.Tx, unitID string) (Proposal, error) {
	const query = `
		SELECT unit_id, proposer, escrow_id, result, created_at
		FROM resolution_proposals
		WHERE unit_id = $1
		FOR UPDATE
	`
	var p Proposal
	err := tx.QueryRow(ctx, query, unitID).Scan(&p.UnitID, &p.Proposer, &p.EscrowID, &p.Result, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("unit: load proposal: %w", err)
	}
	return p, nil
}

// AppendTimelineTx appends the next timeline event for a unit inside the
// caller's transaction.
func AppendTimelineTx(ctx context.Context, tx pgx.Tx, unitID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unit: marshal timeline payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE unit_id = $1`,
		unitID).Scan(&seq); err != nil {
		return fmt.Errorf("unit: next timeline seq: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (unit_id, seq, type, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, unitID, seq, eventType, actor, body); err != nil {
		return fmt.Errorf("unit: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutboxTx writes a transactional outbox message.
func EnqueueOutboxTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unit: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("unit: enqueue outbox: %w", err)
	}
	return nil
}
