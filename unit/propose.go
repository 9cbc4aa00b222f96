package unit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"truthflow/bond"
)

type ProposeParams struct {
	UnitID     string
	Proposer   string
	BondAsset  string
	BondAmount int64
	Payload    []byte
}

// ProposeResolution asks the resolver capability for a candidate answer. A
// bond is required only when a dispute or post-finality window exists; with
// no dispute window the unit finalizes inside this same operation.
func (s *Service) ProposeResolution(ctx context.Context, params ProposeParams) (TruthUnit, error) {
	if params.Proposer == "" {
		return TruthUnit{}, fmt.Errorf("unit: missing proposer")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: begin propose: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := LockForUpdate(ctx, tx, params.UnitID)
	if err != nil {
		return TruthUnit{}, err
	}
	if u.State != StateActive {
		return TruthUnit{}, ErrInvalidState
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM resolution_proposals WHERE unit_id = $1)`,
		params.UnitID).Scan(&exists); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: check proposal: %w", err)
	}
	if exists {
		return TruthUnit{}, ErrAlreadyExists
	}

	bondRequired := u.DisputeWindow > 0 || u.PostFinalityWindow > 0
	var escrowID *string
	if bondRequired {
		ok, err := s.bonds.AcceptableTx(ctx, tx, bond.CategoryResolution, params.BondAsset, params.BondAmount)
		if err != nil {
			return TruthUnit{}, err
		}
		if !ok {
			return TruthUnit{}, bond.ErrRejected
		}
		esc, err := s.bonds.EscrowTx(ctx, tx, bond.EscrowParams{
			UnitID:   u.ID,
			Category: bond.CategoryResolution,
			Owner:    params.Proposer,
			Asset:    params.BondAsset,
			Amount:   params.BondAmount,
		})
		if err != nil {
			return TruthUnit{}, err
		}
		escrowID = &esc.ID
	}

	resolverCap, err := s.resolvers.Lookup(u.ResolverID)
	if err != nil {
		return TruthUnit{}, err
	}
	result, err := resolverCap.ComputeAnswer(ctx, u.ID, params.Proposer, params.Payload)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: compute answer: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO resolution_proposals (unit_id, proposer, escrow_id, result)
		VALUES ($1, $2, $3, $4)
	`, u.ID, params.Proposer, escrowID, result); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: insert proposal: %w", err)
	}

	if err := AppendTimelineTx(ctx, tx, u.ID, "RESOLUTION_PROPOSED", params.Proposer, map[string]any{
		"bonded": bondRequired,
	}); err != nil {
		return TruthUnit{}, err
	}

	now := s.now()
	var updated TruthUnit
	if u.DisputeWindow == 0 {
		// Immediate finality: store the answer and settle the bond now
		// unless a post-finality window keeps it escrowed as insurance.
		if err := StoreResultTx(ctx, tx, u.ID, result, false, now); err != nil {
			return TruthUnit{}, err
		}

		query := `UPDATE truth_units SET state = 'resolved' WHERE id = $1 RETURNING ` + unitColumns
		if u.PostFinalityWindow > 0 {
			deadline := now.Add(u.PostFinalityWindow)
			query = `UPDATE truth_units SET state = 'resolved', post_finality_deadline = $2 WHERE id = $1 RETURNING ` + unitColumns
			updated, err = scanUnit(tx.QueryRow(ctx, query, u.ID, deadline))
		} else {
			updated, err = scanUnit(tx.QueryRow(ctx, query, u.ID))
			if err == nil && escrowID != nil {
				err = s.bonds.ReturnTx(ctx, tx, *escrowID)
			}
		}
		if err != nil {
			return TruthUnit{}, fmt.Errorf("unit: immediate finalize: %w", err)
		}

		if err := AppendTimelineTx(ctx, tx, u.ID, "UNIT_RESOLVED", params.Proposer, map[string]any{
			"immediate": true,
		}); err != nil {
			return TruthUnit{}, err
		}
		if err := EnqueueOutboxTx(ctx, tx, "unit.resolved", map[string]any{"unit_id": u.ID}); err != nil {
			return TruthUnit{}, err
		}
	} else {
		deadline := now.Add(u.DisputeWindow)
		updated, err = scanUnit(tx.QueryRow(ctx,
			`UPDATE truth_units SET state = 'resolving', dispute_deadline = $2 WHERE id = $1 RETURNING `+unitColumns,
			u.ID, deadline))
		if err != nil {
			return TruthUnit{}, fmt.Errorf("unit: enter resolving: %w", err)
		}
		if err := EnqueueOutboxTx(ctx, tx, "unit.resolving", map[string]any{"unit_id": u.ID}); err != nil {
			return TruthUnit{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: commit propose: %w", err)
	}
	return updated, nil
}

// Finalize settles a resolving unit whose dispute deadline passed with no
// dispute filed. Permissionless; any actor may crank it.
func (s *Service) Finalize(ctx context.Context, unitID string) (TruthUnit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := LockForUpdate(ctx, tx, unitID)
	if err != nil {
		return TruthUnit{}, err
	}
	if u.State != StateResolving {
		return TruthUnit{}, ErrInvalidState
	}
	now := s.now()
	if u.DisputeDeadline == nil || now.Before(*u.DisputeDeadline) {
		return TruthUnit{}, ErrWindowOpen
	}

	p, err := ProposalForUpdate(ctx, tx, unitID)
	if err != nil {
		return TruthUnit{}, err
	}

	if err := StoreResultTx(ctx, tx, unitID, p.Result, false, now); err != nil {
		return TruthUnit{}, err
	}

	var updated TruthUnit
	if u.PostFinalityWindow > 0 {
		deadline := now.Add(u.PostFinalityWindow)
		updated, err = scanUnit(tx.QueryRow(ctx,
			`UPDATE truth_units SET state = 'resolved', post_finality_deadline = $2 WHERE id = $1 RETURNING `+unitColumns,
			unitID, deadline))
	} else {
		updated, err = scanUnit(tx.QueryRow(ctx,
			`UPDATE truth_units SET state = 'resolved' WHERE id = $1 RETURNING `+unitColumns,
			unitID))
		if err == nil && p.EscrowID != nil {
			err = s.bonds.ReturnTx(ctx, tx, *p.EscrowID)
		}
	}
	if err != nil {
		return TruthUnit{}, fmt.Errorf("unit: finalize: %w", err)
	}

	if err := AppendTimelineTx(ctx, tx, unitID, "UNIT_RESOLVED", "", map[string]any{
		"immediate": false,
	}); err != nil {
		return TruthUnit{}, err
	}
	if err := EnqueueOutboxTx(ctx, tx, "unit.resolved", map[string]any{"unit_id": unitID}); err != nil {
		return TruthUnit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TruthUnit{}, fmt.Errorf("unit: commit finalize: %w", err)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, unitID string) (TruthUnit, error) {
	u, err := scanUnit(s.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM truth_units WHERE id = $1`, unitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TruthUnit{}, ErrNotFound
		}
		return TruthUnit{}, fmt.Errorf("unit: get: %w", err)
	}
	return u, nil
}

func (s *Service) Proposal(ctx context.Context, unitID string) (Proposal, error) {
	const query = `
		SELECT unit_id, proposer, escrow_id, result, created_at
		FROM resolution_proposals
		WHERE unit_id = $1
	`
	var p Proposal
	err := s.pool.QueryRow(ctx, query, unitID).Scan(&p.UnitID, &p.Proposer, &p.EscrowID, &p.Result, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("unit: proposal: %w", err)
	}
	return p, nil
}

// Describe renders the resolver's human-readable question for a unit.
func (s *Service) Describe(ctx context.Context, unitID string) (string, error) {
	u, err := s.Get(ctx, unitID)
	if err != nil {
		return "", err
	}
	resolverCap, err := s.resolvers.Lookup(u.ResolverID)
	if err != nil {
		return "", err
	}
	return resolverCap.Describe(ctx, unitID)
}

// Result returns the stored answer, if any.
func (s *Service) Result(ctx context.Context, unitID string) (ResultRecord, error) {
	const query = `SELECT unit_id, value, corrected, finalized_at FROM results WHERE unit_id = $1`
	var r ResultRecord
	err := s.pool.QueryRow(ctx, query, unitID).Scan(&r.UnitID, &r.Value, &r.Corrected, &r.FinalizedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResultRecord{}, ErrNoResult
		}
		return ResultRecord{}, fmt.Errorf("unit: result: %w", err)
	}
	return r, nil
}

// FinalResult is the strict accessor: it fails unless the unit is resolved,
// its post-finality window (if any) has elapsed, and no dispute is live. A
// cancelled unit is terminal with no result, ever.
func (s *Service) FinalResult(ctx context.Context, unitID string) (ResultRecord, error) {
	u, err := s.Get(ctx, unitID)
	if err != nil {
		return ResultRecord{}, err
	}
	if u.State == StateCancelled {
		return ResultRecord{}, ErrNoResult
	}
	if u.State != StateResolved {
		return ResultRecord{}, ErrNotFinal
	}
	if u.PostFinalityDeadline != nil && s.now().Before(*u.PostFinalityDeadline) {
		return ResultRecord{}, ErrNotFinal
	}

	var live bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE unit_id = $1 AND resolved_at IS NULL)`,
		unitID).Scan(&live); err != nil {
		return ResultRecord{}, fmt.Errorf("unit: check live dispute: %w", err)
	}
	if live {
		return ResultRecord{}, ErrNotFinal
	}

	return s.Result(ctx, unitID)
}
