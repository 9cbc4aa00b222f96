package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"truthflow/adjudicator"
	"truthflow/bond"
	"truthflow/fee"
	"truthflow/resolver"
)

// Service is the truth-unit lifecycle engine. Every operation runs as one
// transaction holding the unit's row lock, including all calls into the
// resolver and adjudicator capabilities, so operations on the same unit are
// strictly serialized and capability failures abort without partial effect.
type Service struct {
	pool         *pgxpool.Pool
	resolvers    *resolver.Registry
	adjudicators *adjudicator.Registry
	bonds        *bond.Ledger
	fees         *fee.Distributor
	idGen        func() string
	now          func() time.Time
}

func NewService(pool *pgxpool.Pool, resolvers *resolver.Registry, adjudicators *adjudicator.Registry, bonds *bond.Ledger, fees *fee.Distributor) *Service {
	return &Service{
		pool:         pool,
		resolvers:    resolvers,
		adjudicators: adjudicators,
		bonds:        bonds,
		fees:         fees,
		idGen:        func() string { return uuid.NewString() },
		now:          time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateParams struct {
	Creator            string
	ResolverID         string
	Template           string
	Payload            []byte
	ResolutionTime     time.Time
	DisputeWindow      time.Duration
	AdjudicationWindow time.Duration
	EscalationWindow   time.Duration
	PostFinalityWindow time.Duration
	AdjudicatorID      string
	AttachedAsset      string
	AttachedAmount     int64
}

func validateWindows(params CreateParams, maxWindow time.Duration) error {
	for _, w := range []time.Duration{
		params.DisputeWindow,
		params.AdjudicationWindow,
		params.EscalationWindow,
		params.PostFinalityWindow,
	} {
		if w < 0 {
			return fmt.Errorf("unit: negative window")
		}
		if w > maxWindow {
			return ErrWindowTooLong
		}
	}
	return nil
}

// computeTier freezes the accountability tier at creation. No adjudicator
// approval means no guarantee; approval by a recognized adjudicator on a
// system-trust resolver is system-backed; any other approval is
// adjudicator-guaranteed.
func computeTier(opinion adjudicator.Opinion, trust resolver.TrustLevel, recognized bool) fee.Tier {
	if opinion != adjudicator.OpinionApprove {
		return fee.TierNoGuarantee
	}
	if trust == resolver.TrustSystem && recognized {
		return fee.TierSystemBacked
	}
	return fee.TierAdjudicatorGuaranteed
}

// Create opens a new truth unit. The adjudicator is consulted first (a hard
// reject aborts with no unit and no fee), the tier is frozen, the creation
// fee is charged, and only then is the resolver capability asked to validate
// and open — so a failed resolver call rolls the fee back with everything
// else.
func (s *Service) Create(ctx context.Context, params CreateParams) (TruthUnit, error) {
	if params.Creator == "" {
		return TruthUnit{}, fmt.Errorf("unit: missing creator")
	}
	if params.ResolverID == "" || params.AdjudicatorID == "" {
		return TruthUnit{}, fmt.Errorf("unit: missing resolver or adjudicator id")
	}
	if params.ResolutionTime.IsZero() {
		return TruthUnit{}, fmt.Errorf("unit: missing resolution time")
	}

	resolverCap, err := s.resolvers.Lookup(params.ResolverID)
	if err != nil {
		return TruthUnit{}, err
	}
	adjCap, err := s.adjudicators.Lookup(params.AdjudicatorID)
	if err != nil {
		return TruthUnit{}, err
	}
	if !resolverCap.IsValidTemplate(params.Template) {
		return TruthUnit{}, ErrInvalidTemplate
	}
	kind, err := resolverCap.AnswerKind(params.Template)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: answer kind: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	var trust resolver.TrustLevel
	if err := tx.QueryRow(ctx, `SELECT trust::text FROM resolvers WHERE id = $1`, params.ResolverID).Scan(&trust); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TruthUnit{}, resolver.ErrNotFound
		}
		return TruthUnit{}, fmt.Errorf("unit: load resolver trust: %w", err)
	}
	if err := validateWindows(params, resolver.MaxWindow(trust)); err != nil {
		return TruthUnit{}, err
	}

	unitID := s.idGen()

	opinion, err := adjCap.Evaluate(ctx, adjudicator.EvalParams{
		UnitID:             unitID,
		ResolverID:         params.ResolverID,
		Template:           params.Template,
		Creator:            params.Creator,
		Payload:            params.Payload,
		ResolutionTime:     params.ResolutionTime,
		DisputeWindow:      params.DisputeWindow,
		AdjudicationWindow: params.AdjudicationWindow,
		EscalationWindow:   params.EscalationWindow,
		PostFinalityWindow: params.PostFinalityWindow,
	})
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: adjudicator evaluate: %w", err)
	}
	if opinion == adjudicator.OpinionHardReject {
		return TruthUnit{}, ErrCreationRejected
	}

	var recognized bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recognized_adjudicators WHERE id = $1)`,
		params.AdjudicatorID).Scan(&recognized); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: check recognized adjudicator: %w", err)
	}
	tier := computeTier(opinion, trust, recognized)

	charge, err := s.fees.ChargeCreationTx(ctx, tx, fee.ChargeParams{
		UnitID:         unitID,
		ResolverID:     params.ResolverID,
		Template:       params.Template,
		AttachedAsset:  params.AttachedAsset,
		AttachedAmount: params.AttachedAmount,
	})
	if err != nil {
		return TruthUnit{}, err
	}

	initial, err := resolverCap.ValidateAndOpen(ctx, unitID, params.Template, params.Payload, params.Creator)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: resolver validate: %w", err)
	}
	var state State
	switch initial {
	case resolver.InitialPending:
		state = StatePending
	case resolver.InitialActive:
		state = StateActive
	default:
		return TruthUnit{}, fmt.Errorf("unit: resolver returned invalid initial state %q", initial)
	}

	const insertSQL = `
		INSERT INTO truth_units (
			id, creator, resolver_id, template, payload, answer_kind, state,
			adjudicator_id, tier, resolution_time,
			dispute_window_secs, adjudication_window_secs, escalation_window_secs, post_finality_window_secs
		)
		VALUES ($1, $2, $3, $4, $5, $6::answer_kind, $7::unit_state, $8, $9::accountability_tier, $10, $11, $12, $13, $14)
		RETURNING ` + unitColumns

	u, err := scanUnit(tx.QueryRow(ctx, insertSQL,
		unitID, params.Creator, params.ResolverID, params.Template, params.Payload, kind, state,
		params.AdjudicatorID, tier, params.ResolutionTime,
		int64(params.DisputeWindow/time.Second),
		int64(params.AdjudicationWindow/time.Second),
		int64(params.EscalationWindow/time.Second),
		int64(params.PostFinalityWindow/time.Second),
	))
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: insert: %w", err)
	}

	if err := AppendTimelineTx(ctx, tx, unitID, "UNIT_CREATED", params.Creator, map[string]any{
		"resolver_id":    params.ResolverID,
		"adjudicator_id": params.AdjudicatorID,
		"template":       params.Template,
		"tier":           string(tier),
		"opinion":        string(opinion),
		"fee_charged":    charge.Fee,
		"fee_refund":     charge.Refund,
		"initial_state":  string(state),
	}); err != nil {
		return TruthUnit{}, err
	}
	if err := EnqueueOutboxTx(ctx, tx, "unit.created", map[string]any{
		"unit_id": unitID,
		"state":   string(state),
		"tier":    string(tier),
	}); err != nil {
		return TruthUnit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: commit create: %w", err)
	}
	return u, nil
}

// Approve moves a pending unit to active. Resolver identity only.
func (s *Service) Approve(ctx context.Context, unitID, actorID string) (TruthUnit, error) {
	return s.settlePending(ctx, unitID, actorID, StateActive, "UNIT_APPROVED", "unit.approved")
}

// Reject tombstones a pending unit. Resolver identity only.
func (s *Service) Reject(ctx context.Context, unitID, actorID string) (TruthUnit, error) {
	return s.settlePending(ctx, unitID, actorID, StateRejected, "UNIT_REJECTED", "unit.rejected")
}

func (s *Service) settlePending(ctx context.Context, unitID, actorID string, next State, eventType, topic string) (TruthUnit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := LockForUpdate(ctx, tx, unitID)
	if err != nil {
		return TruthUnit{}, err
	}
	if u.ResolverID != actorID {
		return TruthUnit{}, ErrForbidden
	}
	if u.State != StatePending {
		return TruthUnit{}, ErrInvalidState
	}

	updated, err := scanUnit(tx.QueryRow(ctx,
		`UPDATE truth_units SET state = $2::unit_state WHERE id = $1 RETURNING `+unitColumns,
		unitID, next))
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: settle pending: %w", err)
	}

	if err := AppendTimelineTx(ctx, tx, unitID, eventType, actorID, map[string]any{"state": string(next)}); err != nil {
		return TruthUnit{}, err
	}
	if err := EnqueueOutboxTx(ctx, tx, topic, map[string]any{"unit_id": unitID}); err != nil {
		return TruthUnit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: commit settle: %w", err)
	}
	return updated, nil
}
