package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rumblearena.ai/internal/ledger"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
)

// tickIdle seats the head of the queue into sl and opens betting.
func (o *Orchestrator) tickIdle(ctx context.Context, sl store.Slot, now time.Time) error {
	if !sl.CycleStartedAt.IsZero() && now.Sub(sl.StateSince) <= o.tuning.SlotCooldown() {
		return nil
	}
	entries := o.queue.Candidates(o.tuning.MaxFighters)
	if len(entries) < o.tuning.MinFighters {
		return nil
	}

	id, err := o.store.NextRumbleID(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(entries))
	var requeue []string
	for i, e := range entries {
		ids[i] = e.FighterID
		if e.AutoRequeue {
			requeue = append(requeue, e.FighterID)
		}
	}

	next := store.Slot{
		Index:           sl.Index,
		State:           StateBetting,
		RumbleID:        id,
		Fighters:        ids,
		Remaining:       len(ids),
		BettingDeadline: now.Add(o.tuning.BettingWindow()),
		StateSince:      now,
		CycleStartedAt:  now,
		AutoRequeue:     requeue,
		Version:         sl.Version,
	}
	saved, err := o.save(ctx, sl, next, store.Effects{Consume: ids})
	if err != nil {
		return err
	}
	o.queue.Consume(ids)
	o.activeMu.Lock()
	for _, f := range ids {
		o.active[f] = sl.Index
	}
	o.activeMu.Unlock()

	return o.openOnchain(ctx, saved, now)
}

// openOnchain makes sure the rumble account of a betting slot exists and
// marks the slot onchain. An account left behind by an earlier attempt whose
// slot write was lost is adopted as is.
func (o *Orchestrator) openOnchain(ctx context.Context, sl store.Slot, now time.Time) error {
	st, err := o.freshState(ctx, sl.RumbleID)
	switch {
	case err == nil:
		if !st.BettingDeadline.IsZero() {
			sl.BettingDeadline = st.BettingDeadline
		}
	case errors.Is(err, ledger.ErrAccountNotFound):
		deadline := sl.BettingDeadline
		// The window must still be in the future when the ledger sees it.
		if deadline.Sub(now) < time.Second {
			deadline = now.Add(o.tuning.BettingWindow())
		}
		if _, err := o.ledger.OpenBetting(ctx, sl.RumbleID, ledger.FighterKeys(sl.Fighters), deadline); err != nil {
			return ledgerErr("open betting", err)
		}
		o.cache.Invalidate(sl.RumbleID)
		sl.BettingDeadline = deadline
	default:
		return ledgerErr("read rumble account", err)
	}

	next := sl
	next.Onchain = true
	_, err = o.save(ctx, sl, next, store.Effects{})
	return err
}

func (o *Orchestrator) tickBetting(ctx context.Context, sl store.Slot, now time.Time) error {
	if !sl.Onchain {
		return o.openOnchain(ctx, sl, now)
	}
	if now.Before(sl.BettingDeadline) {
		return nil
	}

	// Closing betting moves funds into play: gate it on a fresh read.
	st, err := o.freshState(ctx, sl.RumbleID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		o.desync(sl, "rumble account missing while betting; reopening")
		next := sl
		next.Onchain = false
		_, err = o.save(ctx, sl, next, store.Effects{})
		return err
	}
	if err != nil {
		return ledgerErr("read rumble account", err)
	}

	switch st.State {
	case ledger.StateBetting:
		if now.Before(st.BettingDeadline) {
			return nil
		}
		if _, err := o.ledger.CloseBettingAndStartCombat(ctx, sl.RumbleID); err != nil {
			// Another process may have closed it first.
			again, rerr := o.freshState(ctx, sl.RumbleID)
			if rerr != nil || again.State == ledger.StateBetting {
				return ledgerErr("start combat", err)
			}
			st = again
		} else {
			o.cache.Invalidate(sl.RumbleID)
		}
	case ledger.StateActive:
	default:
		o.desync(sl, fmt.Sprintf("ledger already in %s while local is betting", st.State))
	}
	return o.startCombat(ctx, sl, st, now)
}

// startCombat moves a betting slot into combat. When the ledger already
// settled the rumble, combat is created finished with the ledger's
// placements so the slot still walks through every state.
func (o *Orchestrator) startCombat(ctx context.Context, sl store.Slot, st ledger.AccountState, now time.Time) error {
	cs := newCombatState(o.tuning.Combat, sl.Fighters, uuid.NewString(), now)
	if st.State == ledger.StatePayout || st.State == ledger.StateComplete {
		cs.adoptLedgerResult(st)
	}
	raw, err := cs.encode()
	if err != nil {
		return err
	}
	next := sl
	next.State = StateCombat
	next.StateSince = now
	next.TurnCount = 0
	next.Remaining = len(sl.Fighters)
	next.Combat = raw
	// The first turn opens once the turn interval has passed.
	_, err = o.save(ctx, sl, next, store.Effects{})
	return err
}

func (o *Orchestrator) tickPayout(ctx context.Context, sl store.Slot, now time.Time) error {
	st, err := o.freshState(ctx, sl.RumbleID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		o.desync(sl, "rumble account missing during payout")
		return o.release(ctx, sl, now)
	}
	if err != nil {
		return ledgerErr("read rumble account", err)
	}

	switch st.State {
	case ledger.StateComplete:
		return o.release(ctx, sl, now)
	case ledger.StatePayout:
		grace := o.tuning.PayoutGrace()
		if !st.HasBets() {
			grace = o.tuning.PayoutNoBets()
		}
		if now.Sub(sl.StateSince) < grace {
			return nil
		}
		if _, err := o.ledger.CompleteRumble(ctx, sl.RumbleID); err != nil {
			again, rerr := o.freshState(ctx, sl.RumbleID)
			if rerr != nil || again.State != ledger.StateComplete {
				return ledgerErr("complete rumble", err)
			}
		}
		o.cache.Invalidate(sl.RumbleID)
		return o.release(ctx, sl, now)
	case ledger.StateActive:
		// The result report never landed; send it again.
		o.desync(sl, "ledger still active during payout; re-reporting result")
		cs, err := decodeCombatState(sl.Combat)
		if err != nil {
			return err
		}
		placements, winner := cs.ledgerPlacements()
		if _, err := o.ledger.ReportResult(ctx, sl.RumbleID, placements, winner); err != nil {
			return ledgerErr("report result", err)
		}
		o.cache.Invalidate(sl.RumbleID)
		return nil
	default:
		o.desync(sl, fmt.Sprintf("ledger in %s during payout", st.State))
		return nil
	}
}

// release returns a payout slot to idle and requeues its auto-requeue fighters.
func (o *Orchestrator) release(ctx context.Context, sl store.Slot, now time.Time) error {
	var fx store.Effects
	for _, id := range sl.AutoRequeue {
		fx.Requeue = append(fx.Requeue, store.QueueFighter{
			FighterID:   id,
			Status:      "queued",
			AutoRequeue: true,
			JoinedAt:    now,
		})
	}
	next := store.Slot{
		Index:          sl.Index,
		State:          StateIdle,
		StateSince:     now,
		CycleStartedAt: sl.CycleStartedAt,
		Version:        sl.Version,
	}
	if _, err := o.save(ctx, sl, next, fx); err != nil {
		return err
	}
	if !sl.CycleStartedAt.IsZero() {
		o.queue.ObserveCycle(now.Sub(sl.CycleStartedAt))
	}
	o.cache.Invalidate(sl.RumbleID)
	return nil
}

// loadSlotForRumble finds the non-idle slot running rumbleID.
func (o *Orchestrator) loadSlotForRumble(ctx context.Context, rumbleID uint64) (store.Slot, error) {
	slots, err := o.store.LoadActiveSlots(ctx)
	if err != nil {
		return store.Slot{}, err
	}
	for _, sl := range slots {
		if sl.RumbleID == rumbleID {
			return sl, nil
		}
	}
	return store.Slot{}, protocol.NewError(protocol.ErrSlotNotFound, fmt.Sprintf("no active slot runs rumble %d", rumbleID))
}
