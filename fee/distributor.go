// Package fee handles creation-fee configuration, accrual and the per-tier
// revenue share applied when bonds are slashed.
package fee

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tier is the accountability classification frozen on a unit at creation.
type Tier string

const (
	TierNoGuarantee           Tier = "no_guarantee"
	TierAdjudicatorGuaranteed Tier = "adjudicator_guaranteed"
	TierSystemBacked          Tier = "system_backed"
)

var (
	ErrInsufficient      = errors.New("fee: attached value below required fee")
	ErrForbidden         = errors.New("fee: forbidden")
	ErrUnknownTier       = errors.New("fee: unknown tier")
	ErrNothingToWithdraw = errors.New("fee: nothing to withdraw")
)

// Distributor owns tier revenue shares and per-resolver-per-template
// creation fees.
type Distributor struct {
	pool *pgxpool.Pool
}

func NewDistributor(pool *pgxpool.Pool) *Distributor {
	return &Distributor{pool: pool}
}

type SetTierShareParams struct {
	Tier           Tier
	AdjudicatorBps int
	ActorID        string
	ActorRole      string
}

// SetTierShare updates the adjudicator's basis points of the protocol half of
// a slash for one tier. Council only.
func (d *Distributor) SetTierShare(ctx context.Context, params SetTierShareParams) error {
	if params.ActorRole != "council" {
		return ErrForbidden
	}
	if params.AdjudicatorBps < 0 || params.AdjudicatorBps > 10000 {
		return fmt.Errorf("fee: adjudicator bps out of range: %d", params.AdjudicatorBps)
	}

	tag, err := d.pool.Exec(ctx,
		`UPDATE tier_shares SET adjudicator_bps = $2 WHERE tier = $1`,
		params.Tier, params.AdjudicatorBps)
	if err != nil {
		return fmt.Errorf("fee: set tier share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownTier
	}
	return nil
}

func (d *Distributor) TierShare(ctx context.Context, tier Tier) (int, error) {
	var bps int
	err := d.pool.QueryRow(ctx, `SELECT adjudicator_bps FROM tier_shares WHERE tier = $1`, tier).Scan(&bps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownTier
		}
		return 0, fmt.Errorf("fee: tier share: %w", err)
	}
	return bps, nil
}

// TierShareTx is TierShare inside the caller's transaction, used while a
// slash is being applied.
func (d *Distributor) TierShareTx(ctx context.Context, tx pgx.Tx, tier Tier) (int, error) {
	var bps int
	err := tx.QueryRow(ctx, `SELECT adjudicator_bps FROM tier_shares WHERE tier = $1`, tier).Scan(&bps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownTier
		}
		return 0, fmt.Errorf("fee: tier share: %w", err)
	}
	return bps, nil
}

// Fee is one creation-fee configuration row.
type Fee struct {
	ResolverID string
	Template   string
	Asset      string
	Amount     int64
}

type SetCreationFeeParams struct {
	ResolverID string
	Template   string
	Asset      string
	Amount     int64
	ActorID    string
}

// SetCreationFee is resolver-owned configuration: only the resolver identity
// itself may set its fees.
func (d *Distributor) SetCreationFee(ctx context.Context, params SetCreationFeeParams) (Fee, error) {
	if params.ActorID != params.ResolverID {
		return Fee{}, ErrForbidden
	}
	if params.Template == "" || params.Asset == "" || params.Amount < 0 {
		return Fee{}, fmt.Errorf("fee: invalid creation fee")
	}

	const query = `
		INSERT INTO creation_fees (resolver_id, template, asset, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resolver_id, template) DO UPDATE SET asset = EXCLUDED.asset, amount = EXCLUDED.amount
		RETURNING resolver_id, template, asset, amount
	`
	var f Fee
	err := d.pool.QueryRow(ctx, query, params.ResolverID, params.Template, params.Asset, params.Amount).
		Scan(&f.ResolverID, &f.Template, &f.Asset, &f.Amount)
	if err != nil {
		return Fee{}, fmt.Errorf("fee: set creation fee: %w", err)
	}
	return f, nil
}

// CreationFee returns the configured fee and whether one exists.
func (d *Distributor) CreationFee(ctx context.Context, resolverID, template string) (Fee, bool, error) {
	var f Fee
	err := d.pool.QueryRow(ctx,
		`SELECT resolver_id, template, asset, amount FROM creation_fees WHERE resolver_id = $1 AND template = $2`,
		resolverID, template).Scan(&f.ResolverID, &f.Template, &f.Asset, &f.Amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Fee{}, false, nil
		}
		return Fee{}, false, fmt.Errorf("fee: creation fee: %w", err)
	}
	return f, true, nil
}

type ChargeParams struct {
	UnitID         string
	ResolverID     string
	Template       string
	AttachedAsset  string
	AttachedAmount int64
}

// Charge reports how an attached payment was applied.
type Charge struct {
	Asset  string
	Fee    int64
	Refund int64
}

// ChargeCreationTx verifies the attached value against the configured fee and
// accrues the fee to the resolver/template balance inside the caller's
// transaction. Units with no configured fee are free; any excess attached is
// reported back as a refund.
func (d *Distributor) ChargeCreationTx(ctx context.Context, tx pgx.Tx, params ChargeParams) (Charge, error) {
	var (
		asset  string
		amount int64
	)
	err := tx.QueryRow(ctx,
		`SELECT asset, amount FROM creation_fees WHERE resolver_id = $1 AND template = $2`,
		params.ResolverID, params.Template).Scan(&asset, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Charge{Asset: params.AttachedAsset, Fee: 0, Refund: params.AttachedAmount}, nil
	}
	if err != nil {
		return Charge{}, fmt.Errorf("fee: load creation fee: %w", err)
	}

	if amount == 0 {
		return Charge{Asset: asset, Fee: 0, Refund: params.AttachedAmount}, nil
	}
	if params.AttachedAsset != asset || params.AttachedAmount < amount {
		return Charge{}, ErrInsufficient
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO resolver_fee_balances (resolver_id, template, asset, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resolver_id, template, asset) DO UPDATE SET amount = resolver_fee_balances.amount + EXCLUDED.amount
	`, params.ResolverID, params.Template, asset, amount); err != nil {
		return Charge{}, fmt.Errorf("fee: accrue creation fee: %w", err)
	}

	return Charge{Asset: asset, Fee: amount, Refund: params.AttachedAmount - amount}, nil
}

// WithdrawResolver empties one resolver/template/asset fee balance. Only the
// resolver identity may withdraw; the second of two back-to-back calls fails.
func (d *Distributor) WithdrawResolver(ctx context.Context, resolverID, template, asset, actorID string) (int64, error) {
	if actorID != resolverID {
		return 0, ErrForbidden
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("fee: begin withdraw: %w", err)
	}
	defer tx.Rollback(ctx)

	var amount int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM resolver_fee_balances
		WHERE resolver_id = $1 AND template = $2 AND asset = $3
		FOR UPDATE
	`, resolverID, template, asset).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNothingToWithdraw
		}
		return 0, fmt.Errorf("fee: withdraw fetch: %w", err)
	}
	if amount == 0 {
		return 0, ErrNothingToWithdraw
	}

	if _, err := tx.Exec(ctx, `
		UPDATE resolver_fee_balances SET amount = 0
		WHERE resolver_id = $1 AND template = $2 AND asset = $3
	`, resolverID, template, asset); err != nil {
		return 0, fmt.Errorf("fee: withdraw zero: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ('fee.withdrawn', jsonb_build_object('resolver_id', $1::text, 'template', $2::text, 'asset', $3::text, 'amount', $4::bigint))
	`, resolverID, template, asset, amount); err != nil {
		return 0, fmt.Errorf("fee: enqueue withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("fee: commit withdraw: %w", err)
	}
	return amount, nil
}
