package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"truthflow/bond"
	"truthflow/fee"
	"truthflow/unit"
)

// Service runs the two-round dispute and escalation protocol on top of the
// unit lifecycle engine. Like the lifecycle service, every operation is one
// transaction holding the unit's row lock.
type Service struct {
	pool  *pgxpool.Pool
	bonds *bond.Ledger
	fees  *fee.Distributor
	idGen func() string
	now   func() time.Time
}

func NewService(pool *pgxpool.Pool, bonds *bond.Ledger, fees *fee.Distributor) *Service {
	return &Service{
		pool:  pool,
		bonds: bonds,
		fees:  fees,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
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

type FileParams struct {
	UnitID             string
	Disputer           string
	BondAsset          string
	BondAmount         int64
	Reason             string
	EvidenceURI        string
	ProposedCorrection []byte
}

// File opens a dispute: pre-finality while the unit is resolving and the
// dispute deadline is open, or post-finality while a resolved unit's
// correction window is open and no earlier post-finality episode exists.
func (s *Service) File(ctx context.Context, params FileParams) (Record, error) {
	if params.Disputer == "" {
		return Record{}, fmt.Errorf("dispute: missing disputer")
	}
	if params.Reason == "" {
		return Record{}, fmt.Errorf("dispute: missing reason")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin file: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, params.UnitID)
	if err != nil {
		return Record{}, err
	}
	now := s.now()

	var phase Phase
	switch u.State {
	case unit.StateResolving:
		if u.DisputeDeadline == nil || !now.Before(*u.DisputeDeadline) {
			return Record{}, ErrWindowClosed
		}
		phase = PhasePreFinality
	case unit.StateResolved:
		if u.PostFinalityDeadline == nil || !now.Before(*u.PostFinalityDeadline) {
			return Record{}, ErrWindowClosed
		}
		var prior bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE unit_id = $1 AND phase = 'post_finality')`,
			u.ID).Scan(&prior); err != nil {
			return Record{}, fmt.Errorf("dispute: check prior episode: %w", err)
		}
		if prior {
			return Record{}, ErrAlreadyExists
		}
		phase = PhasePostFinality
	default:
		return Record{}, ErrInvalidState
	}

	var live bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE unit_id = $1 AND resolved_at IS NULL)`,
		u.ID).Scan(&live); err != nil {
		return Record{}, fmt.Errorf("dispute: check live dispute: %w", err)
	}
	if live {
		return Record{}, ErrAlreadyExists
	}

	ok, err := s.bonds.AcceptableTx(ctx, tx, bond.CategoryDispute, params.BondAsset, params.BondAmount)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, bond.ErrRejected
	}
	esc, err := s.bonds.EscrowTx(ctx, tx, bond.EscrowParams{
		UnitID:   u.ID,
		Category: bond.CategoryDispute,
		Owner:    params.Disputer,
		Asset:    params.BondAsset,
		Amount:   params.BondAmount,
	})
	if err != nil {
		return Record{}, err
	}

	insertSQL := `
		INSERT INTO disputes (id, unit_id, phase, disputer, escrow_id, reason, evidence_uri, proposed_correction)
		VALUES ($1, $2, $3::dispute_phase, $4, $5, $6, $7, $8)
		RETURNING ` + disputeColumns
	rec, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		s.idGen(), u.ID, phase, params.Disputer, esc.ID, params.Reason, params.EvidenceURI, params.ProposedCorrection))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if phase == PhasePreFinality {
		deadline := now.Add(u.AdjudicationWindow)
		if _, err := tx.Exec(ctx, `
			UPDATE truth_units SET state = 'disputed_r1', adjudication_deadline = $2 WHERE id = $1
		`, u.ID, deadline); err != nil {
			return Record{}, fmt.Errorf("dispute: enter round 1: %w", err)
		}
	}

	if err := unit.AppendTimelineTx(ctx, tx, u.ID, "DISPUTE_FILED", params.Disputer, map[string]any{
		"phase":  string(phase),
		"reason": params.Reason,
	}); err != nil {
		return Record{}, err
	}
	if err := unit.EnqueueOutboxTx(ctx, tx, "dispute.filed", map[string]any{
		"unit_id": u.ID,
		"phase":   string(phase),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit file: %w", err)
	}
	return rec, nil
}

type DecideParams struct {
	UnitID          string
	ActorID         string
	Verdict         Verdict
	CorrectedResult []byte
}

// AdjudicatorDecide records the round-1 decision. Only the unit's designated
// adjudicator, only once. TooEarly is applied immediately; any other verdict
// stays pending until the escalation window elapses unchallenged. The
// corrected result is stored alongside the verdict and installed as the
// answer if an uphold stands.
func (s *Service) AdjudicatorDecide(ctx context.Context, params DecideParams) error {
	if !validVerdict(params.Verdict) {
		return fmt.Errorf("dispute: invalid verdict %q", params.Verdict)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin decide: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, params.UnitID)
	if err != nil {
		return err
	}
	if u.State != unit.StateDisputedR1 {
		return ErrInvalidState
	}
	if u.AdjudicatorID != params.ActorID {
		return ErrForbidden
	}

	rec, err := liveDisputeForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}
	if rec.Decision != nil {
		return ErrAlreadyDecided
	}

	now := s.now()
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET decision = $2, decided_at = $3, decision_correction = $4 WHERE id = $1
	`, rec.ID, string(params.Verdict), now, params.CorrectedResult); err != nil {
		return fmt.Errorf("dispute: record decision: %w", err)
	}
	rec.Decision = &params.Verdict
	rec.DecidedAt = &now
	rec.DecisionCorrection = params.CorrectedResult

	if err := unit.AppendTimelineTx(ctx, tx, u.ID, "ADJUDICATOR_DECIDED", params.ActorID, map[string]any{
		"verdict": string(params.Verdict),
	}); err != nil {
		return err
	}

	if params.Verdict == VerdictTooEarly {
		if err := s.applyVerdict(ctx, tx, u, rec, nil, VerdictTooEarly, params.CorrectedResult, params.ActorID); err != nil {
			return err
		}
	} else {
		deadline := now.Add(u.EscalationWindow)
		if _, err := tx.Exec(ctx, `
			UPDATE truth_units SET escalation_deadline = $2 WHERE id = $1
		`, u.ID, deadline); err != nil {
			return fmt.Errorf("dispute: set escalation deadline: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit decide: %w", err)
	}
	return nil
}

type ChallengeParams struct {
	UnitID             string
	Challenger         string
	BondAsset          string
	BondAmount         int64
	Reason             string
	EvidenceURI        string
	ProposedCorrection []byte
}

// Challenge escalates a recorded round-1 decision to round 2. Requires the
// higher-tier escalation bond and an open escalation window.
func (s *Service) Challenge(ctx context.Context, params ChallengeParams) (Escalation, error) {
	if params.Challenger == "" {
		return Escalation{}, fmt.Errorf("dispute: missing challenger")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escalation{}, fmt.Errorf("dispute: begin challenge: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, params.UnitID)
	if err != nil {
		return Escalation{}, err
	}
	if u.State != unit.StateDisputedR1 {
		return Escalation{}, ErrInvalidState
	}

	rec, err := liveDisputeForUpdate(ctx, tx, u.ID)
	if err != nil {
		return Escalation{}, err
	}
	if rec.Decision == nil {
		return Escalation{}, ErrNoDecision
	}

	now := s.now()
	if u.EscalationDeadline == nil || !now.Before(*u.EscalationDeadline) {
		return Escalation{}, ErrWindowClosed
	}

	ok, err := s.bonds.AcceptableTx(ctx, tx, bond.CategoryEscalation, params.BondAsset, params.BondAmount)
	if err != nil {
		return Escalation{}, err
	}
	if !ok {
		return Escalation{}, bond.ErrRejected
	}
	escBond, err := s.bonds.EscrowTx(ctx, tx, bond.EscrowParams{
		UnitID:   u.ID,
		Category: bond.CategoryEscalation,
		Owner:    params.Challenger,
		Asset:    params.BondAsset,
		Amount:   params.BondAmount,
	})
	if err != nil {
		return Escalation{}, err
	}

	insertSQL := `
		INSERT INTO escalations (id, unit_id, challenger, escrow_id, reason, evidence_uri, proposed_correction)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + escalationColumns
	esc, err := scanEscalation(tx.QueryRow(ctx, insertSQL,
		s.idGen(), u.ID, params.Challenger, escBond.ID, params.Reason, params.EvidenceURI, params.ProposedCorrection))
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return Escalation{}, ErrAlreadyExists
		}
		return Escalation{}, fmt.Errorf("dispute: insert escalation: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE truth_units SET state = 'disputed_r2' WHERE id = $1`, u.ID); err != nil {
		return Escalation{}, fmt.Errorf("dispute: enter round 2: %w", err)
	}

	if err := unit.AppendTimelineTx(ctx, tx, u.ID, "DISPUTE_CHALLENGED", params.Challenger, map[string]any{
		"round_one_verdict": string(*rec.Decision),
	}); err != nil {
		return Escalation{}, err
	}
	if err := unit.EnqueueOutboxTx(ctx, tx, "dispute.challenged", map[string]any{"unit_id": u.ID}); err != nil {
		return Escalation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escalation{}, fmt.Errorf("dispute: commit challenge: %w", err)
	}
	return esc, nil
}

// FinalizeAfterAdjudicator applies the recorded round-1 decision once the
// escalation window has elapsed unchallenged. Permissionless.
func (s *Service) FinalizeAfterAdjudicator(ctx context.Context, unitID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, unitID)
	if err != nil {
		return err
	}
	if u.State != unit.StateDisputedR1 {
		return ErrInvalidState
	}

	rec, err := liveDisputeForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}
	if rec.Decision == nil {
		return ErrNoDecision
	}
	if u.EscalationDeadline == nil || s.now().Before(*u.EscalationDeadline) {
		return ErrWindowOpen
	}

	if err := s.applyVerdict(ctx, tx, u, rec, nil, *rec.Decision, rec.DecisionCorrection, ""); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit finalize: %w", err)
	}
	return nil
}

// TimeoutEscalate promotes a round-1 dispute the adjudicator never decided to
// round 2 once the adjudication window elapses. Permissionless.
func (s *Service) TimeoutEscalate(ctx context.Context, unitID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin timeout: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, unitID)
	if err != nil {
		return err
	}
	if u.State != unit.StateDisputedR1 {
		return ErrInvalidState
	}

	rec, err := liveDisputeForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}
	if rec.Decision != nil {
		return ErrAlreadyDecided
	}
	if u.AdjudicationDeadline == nil || s.now().Before(*u.AdjudicationDeadline) {
		return ErrWindowOpen
	}

	if _, err := tx.Exec(ctx, `UPDATE truth_units SET state = 'disputed_r2' WHERE id = $1`, u.ID); err != nil {
		return fmt.Errorf("dispute: timeout escalate: %w", err)
	}

	if err := unit.AppendTimelineTx(ctx, tx, u.ID, "ESCALATION_TIMEOUT", "", nil); err != nil {
		return err
	}
	if err := unit.EnqueueOutboxTx(ctx, tx, "dispute.timeout_escalated", map[string]any{"unit_id": u.ID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit timeout: %w", err)
	}
	return nil
}

type ResolveParams struct {
	UnitID          string
	ActorID         string
	ActorRole       string
	Verdict         Verdict
	CorrectedResult []byte
}

// ResolveEscalation is the privileged, final round-2 decision.
func (s *Service) ResolveEscalation(ctx context.Context, params ResolveParams) error {
	if params.ActorRole != "council" {
		return ErrForbidden
	}
	if !validVerdict(params.Verdict) {
		return fmt.Errorf("dispute: invalid verdict %q", params.Verdict)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin resolve escalation: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, params.UnitID)
	if err != nil {
		return err
	}
	if u.State != unit.StateDisputedR2 {
		return ErrInvalidState
	}

	rec, err := liveDisputeForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}
	esc, err := liveEscalationForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}

	if err := s.applyVerdict(ctx, tx, u, rec, esc, params.Verdict, params.CorrectedResult, params.ActorID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit resolve escalation: %w", err)
	}
	return nil
}

// ResolvePostFinality is the privileged decision on a post-finality dispute.
// TooEarly is meaningless after finality and falls back to Cancel; the
// fallback is recorded on the timeline rather than silently absorbed.
func (s *Service) ResolvePostFinality(ctx context.Context, params ResolveParams) error {
	if params.ActorRole != "council" {
		return ErrForbidden
	}
	if !validVerdict(params.Verdict) {
		return fmt.Errorf("dispute: invalid verdict %q", params.Verdict)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin resolve post-finality: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := unit.LockForUpdate(ctx, tx, params.UnitID)
	if err != nil {
		return err
	}

	rec, err := liveDisputeForUpdate(ctx, tx, u.ID)
	if err != nil {
		return err
	}
	if rec.Phase != PhasePostFinality {
		return ErrInvalidState
	}

	verdict := params.Verdict
	if verdict == VerdictTooEarly {
		verdict = VerdictCancel
		if err := unit.AppendTimelineTx(ctx, tx, u.ID, "VERDICT_FALLBACK", params.ActorID, map[string]any{
			"requested": string(VerdictTooEarly),
			"applied":   string(VerdictCancel),
		}); err != nil {
			return err
		}
	}

	if err := s.applyVerdict(ctx, tx, u, rec, nil, verdict, params.CorrectedResult, params.ActorID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit resolve post-finality: %w", err)
	}
	return nil
}

// Get returns the newest dispute episode for a unit.
func (s *Service) Get(ctx context.Context, unitID string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE unit_id = $1 ORDER BY filed_at DESC LIMIT 1`
	rec, err := scanDispute(s.pool.QueryRow(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (s *Service) GetEscalation(ctx context.Context, unitID string) (Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE unit_id = $1`
	esc, err := scanEscalation(s.pool.QueryRow(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escalation{}, ErrNotFound
		}
		return Escalation{}, fmt.Errorf("dispute: get escalation: %w", err)
	}
	return esc, nil
}
