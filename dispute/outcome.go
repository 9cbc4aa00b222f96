package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"truthflow/bond"
	"truthflow/unit"
)

// episode gathers everything a verdict acts on: the unit, the live dispute,
// the optional escalation, and the proposal with its bond (which may already
// have been settled by the time a post-finality episode is decided).
type episode struct {
	unit     unit.TruthUnit
	dispute  Record
	escalate *Escalation
	proposal *unit.Proposal
}

func (s *Service) loadEpisode(ctx context.Context, tx pgx.Tx, u unit.TruthUnit, rec Record, esc *Escalation) (episode, error) {
	ep := episode{unit: u, dispute: rec, escalate: esc}

	p, err := unit.ProposalForUpdate(ctx, tx, u.ID)
	switch {
	case err == nil:
		ep.proposal = &p
	case errors.Is(err, unit.ErrNotFound):
	default:
		return episode{}, err
	}
	return ep, nil
}

// returnIfLive settles an escrow back to its owner unless it was already
// closed by an earlier step of the same episode.
func (s *Service) returnIfLive(ctx context.Context, tx pgx.Tx, escrowID string) error {
	live, err := s.bonds.LiveTx(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if !live {
		return nil
	}
	return s.bonds.ReturnTx(ctx, tx, escrowID)
}

func (s *Service) slashIfLive(ctx context.Context, tx pgx.Tx, ep episode, escrowID, winner string) error {
	live, err := s.bonds.LiveTx(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if !live {
		return nil
	}
	bps, err := s.fees.TierShareTx(ctx, tx, ep.unit.Tier)
	if err != nil {
		return err
	}
	_, err = s.bonds.SlashTx(ctx, tx, bond.SlashParams{
		EscrowID:       escrowID,
		Winner:         winner,
		AdjudicatorID:  ep.unit.AdjudicatorID,
		AdjudicatorBps: bps,
	})
	return err
}

// correctedValue picks the answer an upheld dispute installs: an explicit
// override from the deciding actor wins, then the challenger's proposed
// correction, then the disputer's.
func correctedValue(ep episode, override []byte) []byte {
	if len(override) > 0 {
		return override
	}
	if ep.escalate != nil && len(ep.escalate.ProposedCorrection) > 0 {
		return ep.escalate.ProposedCorrection
	}
	return ep.dispute.ProposedCorrection
}

// applyVerdict settles a dispute episode: bonds move, the unit transitions,
// and the dispute (and escalation, if any) is closed, all in the caller's
// transaction. The same table applies no matter which path decided the
// episode.
func (s *Service) applyVerdict(ctx context.Context, tx pgx.Tx, u unit.TruthUnit, rec Record, esc *Escalation, verdict Verdict, override []byte, actorID string) error {
	ep, err := s.loadEpisode(ctx, tx, u, rec, esc)
	if err != nil {
		return err
	}

	now := s.now()
	var (
		proposer       string
		proposerEscrow *string
	)
	if ep.proposal != nil {
		proposer = ep.proposal.Proposer
		proposerEscrow = ep.proposal.EscrowID
	}

	var corrected bool
	switch verdict {
	case VerdictUpholdDispute:
		// Disputer wins: proposer's stake is slashed to them and the
		// stored answer is replaced with the correction.
		if proposerEscrow != nil {
			if err := s.slashIfLive(ctx, tx, ep, *proposerEscrow, rec.Disputer); err != nil {
				return err
			}
		}
		if err := s.returnIfLive(ctx, tx, rec.EscrowID); err != nil {
			return err
		}
		corrected = true
		if err := unit.StoreResultTx(ctx, tx, u.ID, correctedValue(ep, override), corrected, now); err != nil {
			return err
		}
		if err := s.settleUnit(ctx, tx, u, unit.StateResolved, now); err != nil {
			return err
		}

	case VerdictRejectDispute:
		// Proposer wins: the disputer's stake is slashed to them and the
		// proposed answer stands.
		if err := s.slashIfLive(ctx, tx, ep, rec.EscrowID, proposer); err != nil {
			return err
		}
		if rec.Phase == PhasePreFinality {
			if ep.proposal == nil {
				return unit.ErrNotFound
			}
			if err := unit.StoreResultTx(ctx, tx, u.ID, ep.proposal.Result, false, now); err != nil {
				return err
			}
		}
		// The proposer's own stake stays escrowed while a post-finality
		// window can still open against the answer; otherwise it comes
		// home now.
		keepInsurance := rec.Phase == PhasePreFinality && u.PostFinalityWindow > 0
		if proposerEscrow != nil && !keepInsurance {
			if err := s.returnIfLive(ctx, tx, *proposerEscrow); err != nil {
				return err
			}
		}
		if err := s.settleUnit(ctx, tx, u, unit.StateResolved, now); err != nil {
			return err
		}

	case VerdictCancel:
		// No party at fault: every live stake goes home and the unit is
		// tombstoned with no result.
		if proposerEscrow != nil {
			if err := s.returnIfLive(ctx, tx, *proposerEscrow); err != nil {
				return err
			}
		}
		if err := s.returnIfLive(ctx, tx, rec.EscrowID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM results WHERE unit_id = $1`, u.ID); err != nil {
			return fmt.Errorf("dispute: clear result: %w", err)
		}
		if err := s.settleUnit(ctx, tx, u, unit.StateCancelled, now); err != nil {
			return err
		}

	case VerdictTooEarly:
		// The question was not yet answerable: the premature proposal costs
		// the proposer their stake, the disputer is made whole, the proposal
		// is discarded, and the unit reopens for a fresh one.
		if proposerEscrow != nil {
			if err := s.slashIfLive(ctx, tx, ep, *proposerEscrow, rec.Disputer); err != nil {
				return err
			}
		}
		if err := s.returnIfLive(ctx, tx, rec.EscrowID); err != nil {
			return err
		}
		if err := unit.DeleteProposalTx(ctx, tx, u.ID); err != nil {
			return err
		}
		if err := s.settleUnit(ctx, tx, u, unit.StateActive, now); err != nil {
			return err
		}

	default:
		return fmt.Errorf("dispute: invalid verdict %q", verdict)
	}

	if esc != nil {
		if err := s.settleEscalation(ctx, tx, ep, verdict, proposer, now); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET resolved_at = $2, was_corrected = $3 WHERE id = $1
	`, rec.ID, now, corrected); err != nil {
		return fmt.Errorf("dispute: close dispute: %w", err)
	}

	if err := unit.AppendTimelineTx(ctx, tx, u.ID, "DISPUTE_RESOLVED", actorID, map[string]any{
		"phase":     string(rec.Phase),
		"verdict":   string(verdict),
		"escalated": esc != nil,
	}); err != nil {
		return err
	}
	return unit.EnqueueOutboxTx(ctx, tx, "dispute.resolved", map[string]any{
		"unit_id": u.ID,
		"verdict": string(verdict),
	})
}

// settleEscalation closes the escalation record and settles the challenger's
// bond: slashed when the final verdict confirms the side the challenger
// fought, returned otherwise.
func (s *Service) settleEscalation(ctx context.Context, tx pgx.Tx, ep episode, verdict Verdict, proposer string, now time.Time) error {
	esc := ep.escalate

	var winner, loser string
	switch verdict {
	case VerdictUpholdDispute:
		winner, loser = ep.dispute.Disputer, proposer
	case VerdictRejectDispute:
		winner, loser = proposer, ep.dispute.Disputer
	}

	if loser != "" && esc.Challenger == loser {
		if err := s.slashIfLive(ctx, tx, ep, esc.EscrowID, winner); err != nil {
			return err
		}
	} else {
		if err := s.returnIfLive(ctx, tx, esc.EscrowID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE escalations SET resolved_at = $2 WHERE id = $1`, esc.ID, now); err != nil {
		return fmt.Errorf("dispute: close escalation: %w", err)
	}
	return nil
}

// settleUnit moves the unit out of its disputed state and clears the episode
// deadlines. A unit newly reaching resolved with a correction window still
// ahead gets its post-finality deadline stamped here.
func (s *Service) settleUnit(ctx context.Context, tx pgx.Tx, u unit.TruthUnit, next unit.State, now time.Time) error {
	var pfDeadline *time.Time
	if next == unit.StateResolved && u.State != unit.StateResolved && u.PostFinalityWindow > 0 {
		d := now.Add(u.PostFinalityWindow)
		pfDeadline = &d
	} else {
		pfDeadline = u.PostFinalityDeadline
	}

	if _, err := tx.Exec(ctx, `
		UPDATE truth_units
		SET state = $2::unit_state,
		    dispute_deadline = NULL,
		    adjudication_deadline = NULL,
		    escalation_deadline = NULL,
		    post_finality_deadline = $3
		WHERE id = $1
	`, u.ID, next, pfDeadline); err != nil {
		return fmt.Errorf("dispute: settle unit: %w", err)
	}
	return nil
}
