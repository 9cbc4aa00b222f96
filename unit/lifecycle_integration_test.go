package unit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"truthflow/adjudicator"
	"truthflow/bond"
	"truthflow/fee"
	"truthflow/resolver"
)

// TestUnitLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL
// and drives a unit through both finality paths: immediate (no dispute window)
// and deferred (dispute window elapses with no dispute).
func TestUnitLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "truth_units") || !tableExists(ctx, t, pool, "results") || !tableExists(ctx, t, pool, "bond_escrows") {
		t.Skip("database schema missing; run migrations: migrate -path migrations -database \"$DATABASE_URL\" up")
	}

	suffix := time.Now().UnixNano()
	resolverID := fmt.Sprintf("itest-resolver-%d", suffix)
	adjudicatorID := fmt.Sprintf("itest-adjudicator-%d", suffix)
	creator := fmt.Sprintf("itest-creator-%d", suffix)
	proposer := fmt.Sprintf("itest-proposer-%d", suffix)

	resolverCaps := resolver.NewRegistry()
	boolCap := resolver.NewBoolCapability("yesno")
	boolCap.Seed("rain-tomorrow", true)
	resolverCaps.Bind(resolverID, boolCap)

	adjudicatorCaps := adjudicator.NewRegistry()
	adjudicatorCaps.Bind(adjudicatorID, adjudicator.Static{Opinion: adjudicator.OpinionApprove})

	if _, err := resolver.NewService(pool, resolverCaps).Register(ctx, resolverID, creator); err != nil {
		t.Fatalf("register resolver: %v", err)
	}

	bonds := bond.NewLedger(pool)
	if _, err := bonds.AddAcceptableBond(ctx, bond.AddAcceptableParams{
		Category:  bond.CategoryResolution,
		Asset:     bond.DefaultAsset,
		MinAmount: 100,
		ActorID:   "itest-council",
		ActorRole: "council",
	}); err != nil {
		t.Fatalf("add acceptable bond: %v", err)
	}

	current := time.Now()
	clock := func() time.Time { return current }
	svc := NewService(pool, resolverCaps, adjudicatorCaps, bonds, fee.NewDistributor(pool)).WithClock(clock)

	// Immediate finality: no windows means no bond and the answer lands in
	// the same operation as the proposal.
	u, err := svc.Create(ctx, CreateParams{
		Creator:        creator,
		ResolverID:     resolverID,
		AdjudicatorID:  adjudicatorID,
		Template:       "yesno",
		Payload:        []byte("rain-tomorrow"),
		ResolutionTime: current.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.State != StateActive {
		t.Fatalf("expected active, got %s", u.State)
	}

	u, err = svc.ProposeResolution(ctx, ProposeParams{
		UnitID:   u.ID,
		Proposer: proposer,
		Payload:  []byte("rain-tomorrow"),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if u.State != StateResolved {
		t.Fatalf("expected resolved, got %s", u.State)
	}

	res, err := svc.FinalResult(ctx, u.ID)
	if err != nil {
		t.Fatalf("final result: %v", err)
	}
	if v, err := DecodeBool(res.Value); err != nil || !v {
		t.Fatalf("expected true answer, got %v (%v)", res.Value, err)
	}
	if res.Corrected {
		t.Fatal("undisputed answer must not be marked corrected")
	}

	// Deferred finality: a dispute window forces a bond and a crank.
	u2, err := svc.Create(ctx, CreateParams{
		Creator:        creator,
		ResolverID:     resolverID,
		AdjudicatorID:  adjudicatorID,
		Template:       "yesno",
		Payload:        []byte("rain-tomorrow"),
		ResolutionTime: current.Add(time.Hour),
		DisputeWindow:  time.Hour,
	})
	if err != nil {
		t.Fatalf("create deferred: %v", err)
	}

	u2, err = svc.ProposeResolution(ctx, ProposeParams{
		UnitID:     u2.ID,
		Proposer:   proposer,
		BondAsset:  bond.DefaultAsset,
		BondAmount: 100,
		Payload:    []byte("rain-tomorrow"),
	})
	if err != nil {
		t.Fatalf("propose deferred: %v", err)
	}
	if u2.State != StateResolving {
		t.Fatalf("expected resolving, got %s", u2.State)
	}

	if _, err := svc.Finalize(ctx, u2.ID); !errors.Is(err, ErrWindowOpen) {
		t.Fatalf("expected ErrWindowOpen before deadline, got %v", err)
	}
	if _, err := svc.FinalResult(ctx, u2.ID); !errors.Is(err, ErrNotFinal) {
		t.Fatalf("expected ErrNotFinal while resolving, got %v", err)
	}

	current = current.Add(2 * time.Hour)
	u2, err = svc.Finalize(ctx, u2.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if u2.State != StateResolved {
		t.Fatalf("expected resolved, got %s", u2.State)
	}

	// The resolution bond came home as withdrawable balance, exactly once.
	if got, err := bonds.Balance(ctx, proposer, bond.DefaultAsset); err != nil || got != 100 {
		t.Fatalf("expected balance 100, got %d (%v)", got, err)
	}
	if got, err := bonds.Withdraw(ctx, proposer, bond.DefaultAsset); err != nil || got != 100 {
		t.Fatalf("expected withdrawal of 100, got %d (%v)", got, err)
	}
	if _, err := bonds.Withdraw(ctx, proposer, bond.DefaultAsset); !errors.Is(err, bond.ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
