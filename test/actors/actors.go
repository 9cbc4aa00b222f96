package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"truthflow/bond"
	"truthflow/dispute"
	"truthflow/fee"
	"truthflow/resolver"
	"truthflow/unit"
)

// Env bundles the services the actors hammer. All actors share one unit set
// and race each other on it.
type Env struct {
	Units    *unit.Service
	Disputes *dispute.Service
	Bonds    *bond.Ledger

	ResolverID    string
	AdjudicatorID string
	Template      string
	PayloadKey    string

	Set *UnitSet
}

// UnitSet is the shared pool of unit ids under stress.
type UnitSet struct {
	mu  sync.Mutex
	ids []string
}

func NewUnitSet() *UnitSet {
	return &UnitSet{}
}

func (s *UnitSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
}

func (s *UnitSet) Random() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return ""
	}
	return s.ids[rand.Intn(len(s.ids))]
}

// expected reports whether an error is a legal outcome of racing actors:
// engine sentinels, database guard rejections, or connections killed by the
// chaos goroutine.
func expected(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	sentinels := []error{
		unit.ErrNotFound, unit.ErrInvalidState, unit.ErrAlreadyExists,
		unit.ErrWindowOpen, unit.ErrWindowTooLong, unit.ErrNoResult,
		unit.ErrNotFinal, unit.ErrForbidden, unit.ErrCreationRejected,
		dispute.ErrNotFound, dispute.ErrInvalidState, dispute.ErrAlreadyExists,
		dispute.ErrWindowOpen, dispute.ErrWindowClosed, dispute.ErrAlreadyDecided,
		dispute.ErrNoDecision, dispute.ErrForbidden,
		bond.ErrRejected, bond.ErrNotLive, bond.ErrNotFound, bond.ErrNothingToWithdraw,
		fee.ErrInsufficient, fee.ErrNothingToWithdraw,
		resolver.ErrNotFound, resolver.ErrUnknownCapability,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn") || strings.Contains(msg, "EOF")
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// UnitCreator keeps adding fresh units with short random windows to the set.
func UnitCreator(ctx context.Context, env *Env, creator string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		u, err := env.Units.Create(ctx, unit.CreateParams{
			Creator:            creator,
			ResolverID:         env.ResolverID,
			Template:           env.Template,
			Payload:            []byte(env.PayloadKey),
			ResolutionTime:     time.Now().Add(time.Duration(rand.Intn(3)) * time.Second),
			DisputeWindow:      time.Duration(rand.Intn(3)) * time.Second,
			AdjudicationWindow: time.Duration(1+rand.Intn(2)) * time.Second,
			EscalationWindow:   time.Duration(1+rand.Intn(2)) * time.Second,
			PostFinalityWindow: time.Duration(rand.Intn(2)) * time.Second,
			AdjudicatorID:      env.AdjudicatorID,
		})
		if err == nil {
			env.Set.Add(u.ID)
		} else if !expected(err) {
			return fmt.Errorf("unit creator: %w", err)
		}
		pause(50, 100)
	}
}

// Proposer races to file bonded resolution proposals.
func Proposer(ctx context.Context, env *Env, proposer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := env.Set.Random(); id != "" {
			_, err := env.Units.ProposeResolution(ctx, unit.ProposeParams{
				UnitID:     id,
				Proposer:   proposer,
				BondAsset:  bond.DefaultAsset,
				BondAmount: 1000,
				Payload:    []byte(env.PayloadKey),
			})
			if !expected(err) {
				return fmt.Errorf("proposer: %w", err)
			}
		}
		pause(10, 30)
	}
}

// Disputer files pre- and post-finality disputes wherever a window is open.
func Disputer(ctx context.Context, env *Env, disputer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := env.Set.Random(); id != "" {
			_, err := env.Disputes.File(ctx, dispute.FileParams{
				UnitID:             id,
				Disputer:           disputer,
				BondAsset:          bond.DefaultAsset,
				BondAmount:         500,
				Reason:             "stress challenge",
				ProposedCorrection: []byte{0},
			})
			if !expected(err) {
				return fmt.Errorf("disputer: %w", err)
			}
		}
		pause(20, 50)
	}
}

// Decider plays the unit's adjudicator, answering round-1 disputes with a
// random verdict.
func Decider(ctx context.Context, env *Env, stop <-chan struct{}) error {
	verdicts := []dispute.Verdict{
		dispute.VerdictUpholdDispute,
		dispute.VerdictRejectDispute,
		dispute.VerdictCancel,
		dispute.VerdictTooEarly,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := env.Set.Random(); id != "" {
			err := env.Disputes.AdjudicatorDecide(ctx, dispute.DecideParams{
				UnitID:          id,
				ActorID:         env.AdjudicatorID,
				Verdict:         verdicts[rand.Intn(len(verdicts))],
				CorrectedResult: []byte{0},
			})
			if !expected(err) {
				return fmt.Errorf("decider: %w", err)
			}
		}
		pause(30, 60)
	}
}

// Challenger escalates recorded decisions with the higher-tier bond.
func Challenger(ctx context.Context, env *Env, challenger string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := env.Set.Random(); id != "" {
			_, err := env.Disputes.Challenge(ctx, dispute.ChallengeParams{
				UnitID:     id,
				Challenger: challenger,
				BondAsset:  bond.DefaultAsset,
				BondAmount: 2000,
				Reason:     "stress escalation",
			})
			if !expected(err) {
				return fmt.Errorf("challenger: %w", err)
			}
		}
		pause(40, 80)
	}
}

// Crank drives every permissionless deadline operation.
func Crank(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := env.Set.Random(); id != "" {
			var err error
			switch rand.Intn(4) {
			case 0:
				_, err = env.Units.Finalize(ctx, id)
			case 1:
				err = env.Disputes.FinalizeAfterAdjudicator(ctx, id)
			case 2:
				err = env.Disputes.TimeoutEscalate(ctx, id)
			default:
				err = env.Units.ReleaseResolutionBond(ctx, id)
			}
			if !expected(err) {
				return fmt.Errorf("crank: %w", err)
			}
		}
		pause(15, 30)
	}
}

// Council resolves escalated and post-finality disputes with random verdicts.
func Council(ctx context.Context, env *Env, councilID string, stop <-chan struct{}) error {
	verdicts := []dispute.Verdict{
		dispute.VerdictUpholdDispute,
		dispute.VerdictRejectDispute,
		dispute.VerdictCancel,
		dispute.VerdictTooEarly,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := env.Set.Random(); id != "" {
			params := dispute.ResolveParams{
				UnitID:          id,
				ActorID:         councilID,
				ActorRole:       "council",
				Verdict:         verdicts[rand.Intn(len(verdicts))],
				CorrectedResult: []byte{1},
			}
			var err error
			if rand.Intn(2) == 0 {
				err = env.Disputes.ResolveEscalation(ctx, params)
			} else {
				err = env.Disputes.ResolvePostFinality(ctx, params)
			}
			if !expected(err) {
				return fmt.Errorf("council: %w", err)
			}
		}
		pause(50, 100)
	}
}

// Withdrawer repeatedly drains balances; concurrent calls must never pay out
// twice.
func Withdrawer(ctx context.Context, env *Env, recipients []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		recipient := recipients[rand.Intn(len(recipients))]
		if _, err := env.Bonds.Withdraw(ctx, recipient, bond.DefaultAsset); !expected(err) {
			return fmt.Errorf("withdrawer: %w", err)
		}
		pause(60, 120)
	}
}
