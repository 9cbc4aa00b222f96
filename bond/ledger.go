package bond

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrRejected          = errors.New("bond: asset/amount matches no acceptable entry")
	ErrForbidden         = errors.New("bond: forbidden")
	ErrNotFound          = errors.New("bond: escrow not found")
	ErrNotLive           = errors.New("bond: escrow already closed")
	ErrNothingToWithdraw = errors.New("bond: nothing to withdraw")
)

// Ledger is the custody layer for escrowed stakes and accrued balances.
// Escrow, Return and Slash run inside the caller's transaction so a bond can
// never move independently of the state transition that owns it.
type Ledger struct {
	pool  *pgxpool.Pool
	idGen func() string
	now   func() time.Time
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool:  pool,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.idGen = gen
	return l
}

type AddAcceptableParams struct {
	Category  Category
	Asset     string
	MinAmount int64
	ActorID   string
	ActorRole string
}

// AddAcceptableBond appends an (asset, minimum amount) pair to a category's
// acceptable list. Council only; entries are never updated or removed.
func (l *Ledger) AddAcceptableBond(ctx context.Context, params AddAcceptableParams) (AcceptableBond, error) {
	if params.ActorRole != "council" {
		return AcceptableBond{}, ErrForbidden
	}
	if params.Asset == "" || params.MinAmount <= 0 {
		return AcceptableBond{}, fmt.Errorf("bond: invalid acceptable entry")
	}

	const query = `
		INSERT INTO acceptable_bonds (category, asset, min_amount, added_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, category::text, asset, min_amount, added_by, added_at
	`
	var entry AcceptableBond
	err := l.pool.QueryRow(ctx, query, params.Category, params.Asset, params.MinAmount, params.ActorID).
		Scan(&entry.ID, &entry.Category, &entry.Asset, &entry.MinAmount, &entry.AddedBy, &entry.AddedAt)
	if err != nil {
		return AcceptableBond{}, fmt.Errorf("bond: add acceptable: %w", err)
	}
	return entry, nil
}

func (l *Ledger) AcceptableBonds(ctx context.Context, category Category) ([]AcceptableBond, error) {
	const query = `
		SELECT id, category::text, asset, min_amount, added_by, added_at
		FROM acceptable_bonds
		WHERE category = $1
		ORDER BY id
	`
	rows, err := l.pool.Query(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("bond: list acceptable: %w", err)
	}
	defer rows.Close()

	out := make([]AcceptableBond, 0, 8)
	for rows.Next() {
		var entry AcceptableBond
		if err := rows.Scan(&entry.ID, &entry.Category, &entry.Asset, &entry.MinAmount, &entry.AddedBy, &entry.AddedAt); err != nil {
			return nil, fmt.Errorf("bond: scan acceptable: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bond: iterate acceptable: %w", err)
	}
	return out, nil
}

// AcceptableTx reports whether (asset, amount) satisfies some entry of the
// category's list.
func (l *Ledger) AcceptableTx(ctx context.Context, tx pgx.Tx, category Category, asset string, amount int64) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM acceptable_bonds
			WHERE category = $1 AND asset = $2 AND min_amount <= $3
		)
	`, category, asset, amount).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("bond: check acceptable: %w", err)
	}
	return ok, nil
}

type EscrowParams struct {
	UnitID   string
	Category Category
	Owner    string
	Asset    string
	Amount   int64
}

// EscrowTx takes custody of a stake inside the caller's transaction. The
// stake must already have passed AcceptableTx.
func (l *Ledger) EscrowTx(ctx context.Context, tx pgx.Tx, params EscrowParams) (Escrow, error) {
	if params.Amount <= 0 {
		return Escrow{}, fmt.Errorf("bond: non-positive escrow amount")
	}

	const query = `
		INSERT INTO bond_escrows (id, unit_id, category, owner, asset, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'live')
		RETURNING id, unit_id, category::text, owner, asset, amount, status::text, created_at, closed_at
	`
	var esc Escrow
	err := tx.QueryRow(ctx, query, l.idGen(), params.UnitID, params.Category, params.Owner, params.Asset, params.Amount).
		Scan(&esc.ID, &esc.UnitID, &esc.Category, &esc.Owner, &esc.Asset, &esc.Amount, &esc.Status, &esc.CreatedAt, &esc.ClosedAt)
	if err != nil {
		return Escrow{}, fmt.Errorf("bond: escrow: %w", err)
	}
	return esc, nil
}

// ReturnTx closes a live escrow and credits the full amount back to its
// owner's withdrawable balance.
func (l *Ledger) ReturnTx(ctx context.Context, tx pgx.Tx, escrowID string) error {
	esc, err := l.closeTx(ctx, tx, escrowID, EscrowReturned)
	if err != nil {
		return err
	}
	return l.creditTx(ctx, tx, esc.Owner, esc.Asset, esc.Amount)
}

type SlashParams struct {
	EscrowID       string
	Winner         string
	AdjudicatorID  string
	AdjudicatorBps int
}

// SlashTx closes a live escrow against its owner: half to the winner, the
// rest split treasury/adjudicator by the tier's basis points.
func (l *Ledger) SlashTx(ctx context.Context, tx pgx.Tx, params SlashParams) (Split, error) {
	if params.AdjudicatorBps < 0 || params.AdjudicatorBps > 10000 {
		return Split{}, fmt.Errorf("bond: adjudicator share out of range: %d", params.AdjudicatorBps)
	}

	esc, err := l.closeTx(ctx, tx, params.EscrowID, EscrowSlashed)
	if err != nil {
		return Split{}, err
	}

	sp := split(esc.Amount, params.AdjudicatorBps, esc.Asset)

	if err := l.creditTx(ctx, tx, params.Winner, esc.Asset, sp.Winner); err != nil {
		return Split{}, err
	}
	if err := l.creditTx(ctx, tx, TreasuryAccount, esc.Asset, sp.Treasury); err != nil {
		return Split{}, err
	}
	if sp.Adjudicator > 0 {
		if err := l.creditTx(ctx, tx, params.AdjudicatorID, esc.Asset, sp.Adjudicator); err != nil {
			return Split{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO slash_records (escrow_id, winner, winner_share, treasury_share, adjudicator, adjudicator_share)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, esc.ID, params.Winner, sp.Winner, sp.Treasury, params.AdjudicatorID, sp.Adjudicator); err != nil {
		return Split{}, fmt.Errorf("bond: record slash: %w", err)
	}

	return sp, nil
}

func (l *Ledger) closeTx(ctx context.Context, tx pgx.Tx, escrowID string, next EscrowStatus) (Escrow, error) {
	const query = `
		UPDATE bond_escrows
		SET status = $2::escrow_status,
		    closed_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'live'
		RETURNING id, unit_id, category::text, owner, asset, amount, status::text, created_at, closed_at
	`
	var esc Escrow
	err := tx.QueryRow(ctx, query, escrowID, next).
		Scan(&esc.ID, &esc.UnitID, &esc.Category, &esc.Owner, &esc.Asset, &esc.Amount, &esc.Status, &esc.CreatedAt, &esc.ClosedAt)
	if err == nil {
		return esc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, fmt.Errorf("bond: close escrow: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bond_escrows WHERE id = $1)`, escrowID).Scan(&exists); err != nil {
		return Escrow{}, fmt.Errorf("bond: close escrow fetch: %w", err)
	}
	if exists {
		return Escrow{}, ErrNotLive
	}
	return Escrow{}, ErrNotFound
}

func (l *Ledger) creditTx(ctx context.Context, tx pgx.Tx, recipient, asset string, amount int64) error {
	if amount == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (recipient, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient, asset) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
	`, recipient, asset, amount)
	if err != nil {
		return fmt.Errorf("bond: credit %s: %w", recipient, err)
	}
	return nil
}

// LiveTx reports whether an escrow is still in custody.
func (l *Ledger) LiveTx(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error) {
	var live bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bond_escrows WHERE id = $1 AND status = 'live')`,
		escrowID).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("bond: check live: %w", err)
	}
	return live, nil
}

func (l *Ledger) Get(ctx context.Context, escrowID string) (Escrow, error) {
	const query = `
		SELECT id, unit_id, category::text, owner, asset, amount, status::text, created_at, closed_at
		FROM bond_escrows
		WHERE id = $1
	`
	var esc Escrow
	err := l.pool.QueryRow(ctx, query, escrowID).
		Scan(&esc.ID, &esc.UnitID, &esc.Category, &esc.Owner, &esc.Asset, &esc.Amount, &esc.Status, &esc.CreatedAt, &esc.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("bond: get escrow: %w", err)
	}
	return esc, nil
}

func (l *Ledger) Balance(ctx context.Context, recipient, asset string) (int64, error) {
	var amount int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT amount FROM balances WHERE recipient = $1 AND asset = $2), 0)`,
		recipient, asset).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("bond: balance: %w", err)
	}
	return amount, nil
}

// Withdraw zeroes the balance inside the transaction before recording the
// transfer, so a concurrent second withdrawal finds nothing.
func (l *Ledger) Withdraw(ctx context.Context, recipient, asset string) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("bond: begin withdraw: %w", err)
	}
	defer tx.Rollback(ctx)

	var amount int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM balances
		WHERE recipient = $1 AND asset = $2
		FOR UPDATE
	`, recipient, asset).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNothingToWithdraw
		}
		return 0, fmt.Errorf("bond: withdraw fetch: %w", err)
	}
	if amount == 0 {
		return 0, ErrNothingToWithdraw
	}

	if _, err := tx.Exec(ctx, `
		UPDATE balances SET amount = 0 WHERE recipient = $1 AND asset = $2
	`, recipient, asset); err != nil {
		return 0, fmt.Errorf("bond: withdraw zero: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ('bond.withdrawn', jsonb_build_object('recipient', $1::text, 'asset', $2::text, 'amount', $3::bigint))
	`, recipient, asset, amount); err != nil {
		return 0, fmt.Errorf("bond: enqueue withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("bond: commit withdraw: %w", err)
	}
	return amount, nil
}
