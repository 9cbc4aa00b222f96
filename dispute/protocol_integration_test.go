package dispute

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
	"truthflow/unit"
)

// protocolEnv seeds a live database with a resolver, an adjudicator and the
// acceptable bond lists, and hands out services sharing one controllable
// clock. Actor identities are unique per env so balance assertions are exact.
type protocolEnv struct {
	bonds         *bond.Ledger
	units         *unit.Service
	disputes      *Service
	resolverID    string
	adjudicatorID string
	creator       string
	now           time.Time
}

func newProtocolEnv(ctx context.Context, t *testing.T) *protocolEnv {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if !protocolTableExists(ctx, t, pool, "disputes") || !protocolTableExists(ctx, t, pool, "escalations") || !protocolTableExists(ctx, t, pool, "slash_records") {
		t.Skip("database schema missing; run migrations: migrate -path migrations -database \"$DATABASE_URL\" up")
	}

	suffix := time.Now().UnixNano()
	env := &protocolEnv{
		resolverID:    fmt.Sprintf("dtest-resolver-%d", suffix),
		adjudicatorID: fmt.Sprintf("dtest-adjudicator-%d", suffix),
		creator:       fmt.Sprintf("dtest-creator-%d", suffix),
		now:           time.Now(),
	}

	resolverCaps := resolver.NewRegistry()
	boolCap := resolver.NewBoolCapability("yesno")
	boolCap.Seed("sky-is-green", true)
	resolverCaps.Bind(env.resolverID, boolCap)

	adjudicatorCaps := adjudicator.NewRegistry()
	adjudicatorCaps.Bind(env.adjudicatorID, adjudicator.Static{Opinion: adjudicator.OpinionApprove})

	if _, err := resolver.NewService(pool, resolverCaps).Register(ctx, env.resolverID, env.creator); err != nil {
		t.Fatalf("register resolver: %v", err)
	}

	env.bonds = bond.NewLedger(pool)
	for category, min := range map[bond.Category]int64{
		bond.CategoryResolution: 100,
		bond.CategoryDispute:    100,
		bond.CategoryEscalation: 500,
	} {
		if _, err := env.bonds.AddAcceptableBond(ctx, bond.AddAcceptableParams{
			Category:  category,
			Asset:     bond.DefaultAsset,
			MinAmount: min,
			ActorID:   "dtest-council",
			ActorRole: "council",
		}); err != nil {
			t.Fatalf("add acceptable %s bond: %v", category, err)
		}
	}

	clock := func() time.Time { return env.now }
	fees := fee.NewDistributor(pool)
	env.units = unit.NewService(pool, resolverCaps, adjudicatorCaps, env.bonds, fees).WithClock(clock)
	env.disputes = NewService(pool, env.bonds, fees).WithClock(clock)
	return env
}

func (e *protocolEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

// openDisputed creates a unit with one-hour windows, takes a 1000 resolution
// bond from the proposer and a 500 dispute bond from the disputer, and leaves
// the unit in round 1.
func (e *protocolEnv) openDisputed(ctx context.Context, t *testing.T, proposer, disputer string, correction []byte) unit.TruthUnit {
	t.Helper()

	u, err := e.units.Create(ctx, unit.CreateParams{
		Creator:            e.creator,
		ResolverID:         e.resolverID,
		AdjudicatorID:      e.adjudicatorID,
		Template:           "yesno",
		Payload:            []byte("sky-is-green"),
		ResolutionTime:     e.now.Add(time.Hour),
		DisputeWindow:      time.Hour,
		AdjudicationWindow: time.Hour,
		EscalationWindow:   time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.units.ProposeResolution(ctx, unit.ProposeParams{
		UnitID:     u.ID,
		Proposer:   proposer,
		BondAsset:  bond.DefaultAsset,
		BondAmount: 1000,
		Payload:    []byte("sky-is-green"),
	}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := e.disputes.File(ctx, FileParams{
		UnitID:             u.ID,
		Disputer:           disputer,
		BondAsset:          bond.DefaultAsset,
		BondAmount:         500,
		Reason:             "answer contradicts the evidence",
		ProposedCorrection: correction,
	}); err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	u, err = e.units.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.State != unit.StateDisputedR1 {
		t.Fatalf("expected disputed_r1, got %s", u.State)
	}
	return u
}

func (e *protocolEnv) mustBalance(ctx context.Context, t *testing.T, recipient string, want int64) {
	t.Helper()
	got, err := e.bonds.Balance(ctx, recipient, bond.DefaultAsset)
	if err != nil {
		t.Fatalf("balance %s: %v", recipient, err)
	}
	if got != want {
		t.Fatalf("expected %s balance %d, got %d", recipient, want, got)
	}
}

// TestDisputeProtocol_Integration exercises both round-1 endings: an upheld
// dispute applied after the escalation window, and an adjudicator timeout
// escalated to the council. Slash arithmetic is verified against balances.
func TestDisputeProtocol_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newProtocolEnv(ctx, t)

	suffix := time.Now().UnixNano()
	proposer := fmt.Sprintf("dtest-proposer-a-%d", suffix)
	disputer := fmt.Sprintf("dtest-disputer-a-%d", suffix)

	// Upheld and unchallenged: the proposer's 1000 splits 500 to the
	// disputer then 250/250 adjudicator/treasury; the disputer's 500 comes
	// home. The dispute carried no correction, so the answer must come from
	// the adjudicator's corrected result.
	uA := env.openDisputed(ctx, t, proposer, disputer, nil)
	if err := env.disputes.AdjudicatorDecide(ctx, DecideParams{
		UnitID:          uA.ID,
		ActorID:         env.adjudicatorID,
		Verdict:         VerdictUpholdDispute,
		CorrectedResult: unit.EncodeBool(false),
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := env.disputes.FinalizeAfterAdjudicator(ctx, uA.ID); !errors.Is(err, ErrWindowOpen) {
		t.Fatalf("expected ErrWindowOpen before escalation deadline, got %v", err)
	}

	env.advance(2 * time.Hour)
	if err := env.disputes.FinalizeAfterAdjudicator(ctx, uA.ID); err != nil {
		t.Fatalf("finalize after adjudicator: %v", err)
	}

	uA2, err := env.units.Get(ctx, uA.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if uA2.State != unit.StateResolved {
		t.Fatalf("expected resolved, got %s", uA2.State)
	}
	res, err := env.units.FinalResult(ctx, uA.ID)
	if err != nil {
		t.Fatalf("final result: %v", err)
	}
	if v, err := unit.DecodeBool(res.Value); err != nil || v {
		t.Fatalf("expected adjudicator's corrected answer, got %v (%v)", res.Value, err)
	}
	if !res.Corrected {
		t.Fatal("upheld dispute must mark the answer corrected")
	}
	rec, err := env.disputes.Get(ctx, uA.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if rec.ResolvedAt == nil || !rec.WasCorrected {
		t.Fatalf("expected closed corrected dispute, got %+v", rec)
	}

	env.mustBalance(ctx, t, disputer, 1000)
	env.mustBalance(ctx, t, env.adjudicatorID, 250)

	// Timed out: the adjudicator never decides, the dispute escalates after
	// the deadline, and the council rejects it. The disputer's 500 splits
	// 250 to the proposer and 125/125; the proposer's 1000 returns in full.
	proposer2 := fmt.Sprintf("dtest-proposer-b-%d", suffix)
	disputer2 := fmt.Sprintf("dtest-disputer-b-%d", suffix)

	uB := env.openDisputed(ctx, t, proposer2, disputer2, unit.EncodeBool(false))
	if err := env.disputes.TimeoutEscalate(ctx, uB.ID); !errors.Is(err, ErrWindowOpen) {
		t.Fatalf("expected ErrWindowOpen before adjudication deadline, got %v", err)
	}

	env.advance(2 * time.Hour)
	if err := env.disputes.TimeoutEscalate(ctx, uB.ID); err != nil {
		t.Fatalf("timeout escalate: %v", err)
	}
	uB2, err := env.units.Get(ctx, uB.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if uB2.State != unit.StateDisputedR2 {
		t.Fatalf("expected disputed_r2, got %s", uB2.State)
	}

	if err := env.disputes.ResolveEscalation(ctx, ResolveParams{
		UnitID:    uB.ID,
		ActorID:   "dtest-council",
		ActorRole: "council",
		Verdict:   VerdictRejectDispute,
	}); err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}

	res, err = env.units.FinalResult(ctx, uB.ID)
	if err != nil {
		t.Fatalf("final result: %v", err)
	}
	if v, err := unit.DecodeBool(res.Value); err != nil || !v {
		t.Fatalf("expected proposed answer to stand, got %v (%v)", res.Value, err)
	}
	if res.Corrected {
		t.Fatal("rejected dispute must not mark the answer corrected")
	}

	env.mustBalance(ctx, t, disputer2, 0)
	env.mustBalance(ctx, t, proposer2, 1250)
	env.mustBalance(ctx, t, env.adjudicatorID, 375)
}

// TestDisputeTooEarly_Integration verifies the premature-proposal verdict:
// the proposer's stake is slashed with the disputer as winner, the disputer
// is made whole, the proposal is discarded and the unit reopens.
func TestDisputeTooEarly_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newProtocolEnv(ctx, t)

	suffix := time.Now().UnixNano()
	proposer := fmt.Sprintf("dtest-proposer-%d", suffix)
	disputer := fmt.Sprintf("dtest-disputer-%d", suffix)

	u := env.openDisputed(ctx, t, proposer, disputer, unit.EncodeBool(false))
	if err := env.disputes.AdjudicatorDecide(ctx, DecideParams{
		UnitID:  u.ID,
		ActorID: env.adjudicatorID,
		Verdict: VerdictTooEarly,
	}); err != nil {
		t.Fatalf("decide too early: %v", err)
	}

	u2, err := env.units.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u2.State != unit.StateActive {
		t.Fatalf("expected active, got %s", u2.State)
	}
	if u2.DisputeDeadline != nil || u2.AdjudicationDeadline != nil || u2.EscalationDeadline != nil {
		t.Fatalf("expected deadlines cleared, got %+v", u2)
	}
	if _, err := env.units.Proposal(ctx, u.ID); !errors.Is(err, unit.ErrNotFound) {
		t.Fatalf("expected proposal discarded, got %v", err)
	}
	if _, err := env.units.Result(ctx, u.ID); !errors.Is(err, unit.ErrNoResult) {
		t.Fatalf("expected no result, got %v", err)
	}
	rec, err := env.disputes.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if rec.ResolvedAt == nil || rec.WasCorrected {
		t.Fatalf("expected closed uncorrected dispute, got %+v", rec)
	}

	// Proposer 1000 slashed: 500 to the disputer, 250/250 protocol-side.
	// Disputer's own 500 returned.
	env.mustBalance(ctx, t, proposer, 0)
	env.mustBalance(ctx, t, disputer, 1000)
	env.mustBalance(ctx, t, env.adjudicatorID, 250)

	// The unit accepts a fresh proposal.
	u3, err := env.units.ProposeResolution(ctx, unit.ProposeParams{
		UnitID:     u.ID,
		Proposer:   proposer,
		BondAsset:  bond.DefaultAsset,
		BondAmount: 1000,
		Payload:    []byte("sky-is-green"),
	})
	if err != nil {
		t.Fatalf("re-propose: %v", err)
	}
	if u3.State != unit.StateResolving {
		t.Fatalf("expected resolving, got %s", u3.State)
	}
}

// TestDisputeChallenge_Integration exercises round 2 via a challenge, both
// ways: the challenger vindicated (escalation bond returned) and the
// challenger defeated (escalation bond slashed would apply only when the
// challenger is the losing side; a winning-side challenger is refunded).
func TestDisputeChallenge_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newProtocolEnv(ctx, t)

	suffix := time.Now().UnixNano()

	// The adjudicator rejects, the disputer challenges, the council sides
	// with the disputer: the proposer's 1000 splits 500/250/250, and both of
	// the disputer's bonds (dispute 500, escalation 500) return.
	proposer := fmt.Sprintf("dtest-proposer-a-%d", suffix)
	disputer := fmt.Sprintf("dtest-disputer-a-%d", suffix)

	uA := env.openDisputed(ctx, t, proposer, disputer, unit.EncodeBool(false))
	if err := env.disputes.AdjudicatorDecide(ctx, DecideParams{
		UnitID:  uA.ID,
		ActorID: env.adjudicatorID,
		Verdict: VerdictRejectDispute,
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := env.disputes.Challenge(ctx, ChallengeParams{
		UnitID:             uA.ID,
		Challenger:         disputer,
		BondAsset:          bond.DefaultAsset,
		BondAmount:         500,
		Reason:             "round one got it backwards",
		ProposedCorrection: unit.EncodeBool(false),
	}); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if err := env.disputes.ResolveEscalation(ctx, ResolveParams{
		UnitID:    uA.ID,
		ActorID:   "dtest-council",
		ActorRole: "council",
		Verdict:   VerdictUpholdDispute,
	}); err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}

	res, err := env.units.FinalResult(ctx, uA.ID)
	if err != nil {
		t.Fatalf("final result: %v", err)
	}
	if v, err := unit.DecodeBool(res.Value); err != nil || v {
		t.Fatalf("expected challenger's correction, got %v (%v)", res.Value, err)
	}
	if !res.Corrected {
		t.Fatal("upheld dispute must mark the answer corrected")
	}
	esc, err := env.disputes.GetEscalation(ctx, uA.ID)
	if err != nil {
		t.Fatalf("get escalation: %v", err)
	}
	if esc.ResolvedAt == nil {
		t.Fatal("expected escalation closed")
	}

	env.mustBalance(ctx, t, disputer, 1500)
	env.mustBalance(ctx, t, proposer, 0)
	env.mustBalance(ctx, t, env.adjudicatorID, 250)

	// The adjudicator upholds, the proposer challenges, the council rejects
	// the dispute after all: the disputer's 500 splits 250/125/125, and the
	// winning challenger gets both the escalation bond and the resolution
	// bond back.
	proposer2 := fmt.Sprintf("dtest-proposer-b-%d", suffix)
	disputer2 := fmt.Sprintf("dtest-disputer-b-%d", suffix)

	uB := env.openDisputed(ctx, t, proposer2, disputer2, unit.EncodeBool(false))
	if err := env.disputes.AdjudicatorDecide(ctx, DecideParams{
		UnitID:          uB.ID,
		ActorID:         env.adjudicatorID,
		Verdict:         VerdictUpholdDispute,
		CorrectedResult: unit.EncodeBool(false),
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if _, err := env.disputes.Challenge(ctx, ChallengeParams{
		UnitID:     uB.ID,
		Challenger: proposer2,
		BondAsset:  bond.DefaultAsset,
		BondAmount: 500,
		Reason:     "the proposal was right",
	}); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if err := env.disputes.ResolveEscalation(ctx, ResolveParams{
		UnitID:    uB.ID,
		ActorID:   "dtest-council",
		ActorRole: "council",
		Verdict:   VerdictRejectDispute,
	}); err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}

	res, err = env.units.FinalResult(ctx, uB.ID)
	if err != nil {
		t.Fatalf("final result: %v", err)
	}
	if v, err := unit.DecodeBool(res.Value); err != nil || !v {
		t.Fatalf("expected proposed answer to stand, got %v (%v)", res.Value, err)
	}
	if res.Corrected {
		t.Fatal("rejected dispute must not mark the answer corrected")
	}

	env.mustBalance(ctx, t, disputer2, 0)
	env.mustBalance(ctx, t, proposer2, 1750)
	env.mustBalance(ctx, t, env.adjudicatorID, 375)
}

// TestDisputePostFinality_Integration exercises the correction window after
// finality: the insurance bond held past immediate finality, the single
// post-finality episode, the council's verdict, and the cancel fallback for
// a too-early verdict that is meaningless after finality.
func TestDisputePostFinality_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newProtocolEnv(ctx, t)

	suffix := time.Now().UnixNano()

	openResolved := func(proposer string) unit.TruthUnit {
		t.Helper()
		u, err := env.units.Create(ctx, unit.CreateParams{
			Creator:            env.creator,
			ResolverID:         env.resolverID,
			AdjudicatorID:      env.adjudicatorID,
			Template:           "yesno",
			Payload:            []byte("sky-is-green"),
			ResolutionTime:     env.now.Add(time.Hour),
			PostFinalityWindow: time.Hour,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		u, err = env.units.ProposeResolution(ctx, unit.ProposeParams{
			UnitID:     u.ID,
			Proposer:   proposer,
			BondAsset:  bond.DefaultAsset,
			BondAmount: 1000,
			Payload:    []byte("sky-is-green"),
		})
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		if u.State != unit.StateResolved {
			t.Fatalf("expected resolved, got %s", u.State)
		}
		if u.PostFinalityDeadline == nil {
			t.Fatal("expected post-finality deadline stamped")
		}
		return u
	}

	// Upheld correction: the proposer's insurance bond is slashed to the
	// disputer and the stored answer is replaced with the corrected flag set.
	proposer := fmt.Sprintf("dtest-proposer-a-%d", suffix)
	disputer := fmt.Sprintf("dtest-disputer-a-%d", suffix)

	uA := openResolved(proposer)
	if _, err := env.units.FinalResult(ctx, uA.ID); !errors.Is(err, unit.ErrNotFinal) {
		t.Fatalf("expected ErrNotFinal during correction window, got %v", err)
	}

	rec, err := env.disputes.File(ctx, FileParams{
		UnitID:             uA.ID,
		Disputer:           disputer,
		BondAsset:          bond.DefaultAsset,
		BondAmount:         500,
		Reason:             "final answer is wrong",
		ProposedCorrection: unit.EncodeBool(false),
	})
	if err != nil {
		t.Fatalf("file post-finality dispute: %v", err)
	}
	if rec.Phase != PhasePostFinality {
		t.Fatalf("expected post_finality phase, got %s", rec.Phase)
	}

	if err := env.disputes.ResolvePostFinality(ctx, ResolveParams{
		UnitID:    uA.ID,
		ActorID:   "dtest-council",
		ActorRole: "council",
		Verdict:   VerdictUpholdDispute,
	}); err != nil {
		t.Fatalf("resolve post-finality: %v", err)
	}

	res, err := env.units.Result(ctx, uA.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if v, err := unit.DecodeBool(res.Value); err != nil || v {
		t.Fatalf("expected corrected answer, got %v (%v)", res.Value, err)
	}
	if !res.Corrected {
		t.Fatal("post-finality correction must set the corrected flag")
	}
	env.mustBalance(ctx, t, disputer, 1000)
	env.mustBalance(ctx, t, env.adjudicatorID, 250)

	// Only one post-finality episode per unit, ever.
	if _, err := env.disputes.File(ctx, FileParams{
		UnitID:     uA.ID,
		Disputer:   disputer,
		BondAsset:  bond.DefaultAsset,
		BondAmount: 500,
		Reason:     "second thoughts",
	}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for second episode, got %v", err)
	}

	env.advance(2 * time.Hour)
	res, err = env.units.FinalResult(ctx, uA.ID)
	if err != nil {
		t.Fatalf("final result after window: %v", err)
	}
	if !res.Corrected {
		t.Fatal("corrected flag must survive finality")
	}

	// TooEarly after finality falls back to cancellation: every live bond
	// goes home and the unit is tombstoned with no result at all.
	proposer2 := fmt.Sprintf("dtest-proposer-b-%d", suffix)
	disputer2 := fmt.Sprintf("dtest-disputer-b-%d", suffix)

	uB := openResolved(proposer2)
	if _, err := env.disputes.File(ctx, FileParams{
		UnitID:             uB.ID,
		Disputer:           disputer2,
		BondAsset:          bond.DefaultAsset,
		BondAmount:         500,
		Reason:             "question was not answerable yet",
		ProposedCorrection: unit.EncodeBool(false),
	}); err != nil {
		t.Fatalf("file post-finality dispute: %v", err)
	}
	if err := env.disputes.ResolvePostFinality(ctx, ResolveParams{
		UnitID:    uB.ID,
		ActorID:   "dtest-council",
		ActorRole: "council",
		Verdict:   VerdictTooEarly,
	}); err != nil {
		t.Fatalf("resolve post-finality: %v", err)
	}

	uB2, err := env.units.Get(ctx, uB.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if uB2.State != unit.StateCancelled {
		t.Fatalf("expected cancelled, got %s", uB2.State)
	}
	if _, err := env.units.FinalResult(ctx, uB.ID); !errors.Is(err, unit.ErrNoResult) {
		t.Fatalf("expected ErrNoResult for cancelled unit, got %v", err)
	}
	env.mustBalance(ctx, t, proposer2, 1000)
	env.mustBalance(ctx, t, disputer2, 500)
}

func protocolTableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
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
