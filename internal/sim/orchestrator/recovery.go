package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"rumblearena.ai/internal/ledger"
	plog "rumblearena.ai/internal/persistence/log"
	"rumblearena.ai/internal/persistence/store"
)

// Recover reconciles local slots with the ledger once per process, before the
// first transition. Where the ledger is ahead, local state is moved forward
// to match; it is never moved back. A failed run is retried by the next call.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.recoverMu.Lock()
	defer o.recoverMu.Unlock()
	if o.recovered {
		return nil
	}

	slots, err := o.store.LoadActiveSlots(ctx)
	if err != nil {
		return fmt.Errorf("load active slots: %w", err)
	}
	o.setActive(slots)
	if err := o.reloadQueue(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	now := o.now()
	for _, sl := range slots {
		if sl.State != StateBetting && sl.State != StateCombat {
			continue
		}
		if sl.State == StateBetting && !sl.Onchain {
			continue
		}
		if err := o.recoverSlot(ctx, sl); err != nil && !errors.Is(err, store.ErrStaleState) {
			return fmt.Errorf("slot %d: %w", sl.Index, err)
		}
	}
	o.recovered = true
	o.logger.Printf("recovery done active=%d queued=%d", len(slots), o.queue.Len())
	o.event(plog.Event{At: now.UTC(), Kind: plog.KindRecovery, Data: map[string]any{"active": len(slots), "queued": o.queue.Len()}})
	return nil
}

func (o *Orchestrator) recoverSlot(ctx context.Context, sl store.Slot) error {
	now := o.now()
	st, err := o.freshState(ctx, sl.RumbleID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		if sl.State == StateBetting {
			o.desync(sl, "rumble account missing on recovery; reopening")
			next := sl
			next.Onchain = false
			_, err = o.save(ctx, sl, next, store.Effects{})
			return err
		}
		o.desync(sl, "rumble account missing on recovery")
		return nil
	}
	if err != nil {
		return ledgerErr("read rumble account", err)
	}

	switch sl.State {
	case StateBetting:
		if st.State == ledger.StateBetting {
			return nil
		}
		o.desync(sl, fmt.Sprintf("ledger in %s while local is betting; starting combat", st.State))
		return o.startCombat(ctx, sl, st, now)
	case StateCombat:
		if st.State != ledger.StatePayout && st.State != ledger.StateComplete {
			return nil
		}
		cs, err := decodeCombatState(sl.Combat)
		if err != nil {
			return err
		}
		if !cs.Finished || !samePlacements(cs.Placements, st.Placements) {
			o.desync(sl, fmt.Sprintf("ledger in %s while local combat is running; adopting ledger result", st.State))
			cs.adoptLedgerResult(st)
		}
		return o.finishCombat(ctx, sl, cs, now)
	}
	return nil
}
