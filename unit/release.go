package unit

import (
	"context"
	"fmt"
)

// ReleaseResolutionBond returns a proposer's bond that was held through the
// post-finality window as insurance. Permissionless; callable once the unit
// is resolved, the window has elapsed and no dispute is open. A bond already
// settled makes this a no-op failure, not a double credit.
func (s *Service) ReleaseResolutionBond(ctx context.Context, unitID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("unit: begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	u, err := LockForUpdate(ctx, tx, unitID)
	if err != nil {
		return err
	}
	if u.State != StateResolved {
		return ErrInvalidState
	}
	if u.PostFinalityDeadline != nil && s.now().Before(*u.PostFinalityDeadline) {
		return ErrWindowOpen
	}

	var live bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE unit_id = $1 AND resolved_at IS NULL)`,
		unitID).Scan(&live); err != nil {
		return fmt.Errorf("unit: check live dispute: %w", err)
	}
	if live {
		return ErrInvalidState
	}

	p, err := ProposalForUpdate(ctx, tx, unitID)
	if err != nil {
		return err
	}
	if p.EscrowID == nil {
		return ErrNotFound
	}
	if err := s.bonds.ReturnTx(ctx, tx, *p.EscrowID); err != nil {
		return err
	}

	if err := AppendTimelineTx(ctx, tx, unitID, "RESOLUTION_BOND_RELEASED", "", nil); err != nil {
		return err
	}
	if err := EnqueueOutboxTx(ctx, tx, "bond.released", map[string]any{"unit_id": unitID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("unit: commit release: %w", err)
	}
	return nil
}
