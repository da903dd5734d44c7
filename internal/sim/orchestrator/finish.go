package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"rumblearena.ai/internal/ledger"
	"rumblearena.ai/internal/persistence/archive"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/combat"
	"rumblearena.ai/internal/sim/turn"
)

// finishCombat reports a finished rumble to the ledger and moves the slot to
// payout. When the ledger already holds a result, the ledger wins.
func (o *Orchestrator) finishCombat(ctx context.Context, sl store.Slot, cs *combatState, now time.Time) error {
	st, err := o.freshState(ctx, sl.RumbleID)
	onchain := true
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		o.desync(sl, "rumble account missing at end of combat")
		onchain = false
	case err != nil:
		return ledgerErr("read rumble account", err)
	}

	if onchain && st.State == ledger.StateBetting {
		if now.Before(st.BettingDeadline) {
			o.desync(sl, "ledger still taking bets at end of combat")
			return nil
		}
		if _, err := o.ledger.CloseBettingAndStartCombat(ctx, sl.RumbleID); err != nil {
			return ledgerErr("start combat", err)
		}
		st.State = ledger.StateActive
	}

	if onchain && st.State == ledger.StateActive {
		placements, winner := cs.ledgerPlacements()
		if _, err := o.ledger.ReportResult(ctx, sl.RumbleID, placements, winner); err != nil {
			again, rerr := o.freshState(ctx, sl.RumbleID)
			if rerr != nil || (again.State != ledger.StatePayout && again.State != ledger.StateComplete) {
				return ledgerErr("report result", err)
			}
			st = again
		} else {
			o.cache.Invalidate(sl.RumbleID)
			if again, rerr := o.freshState(ctx, sl.RumbleID); rerr == nil {
				st = again
			}
		}
	}

	if onchain && (st.State == ledger.StatePayout || st.State == ledger.StateComplete) && !cs.LedgerResult {
		if !samePlacements(cs.Placements, st.Placements) {
			o.desync(sl, fmt.Sprintf("ledger placements %v differ from local %v; using ledger", st.Placements, cs.Placements))
			cs.adoptLedgerResult(st)
		}
	}

	raw, err := cs.encode()
	if err != nil {
		return err
	}
	next := sl
	next.State = StatePayout
	next.StateSince = now
	next.TurnCount = cs.Resolved
	next.Remaining = combat.Remaining(cs.Fighters)
	next.Combat = raw
	saved, err := o.save(ctx, sl, next, store.Effects{})
	if err != nil {
		return err
	}
	if !onchain {
		st = ledger.AccountState{}
	}
	o.settle(ctx, saved, cs, st, now)
	return nil
}

func samePlacements(local []int, onchain []uint8) bool {
	if len(local) != len(onchain) {
		return false
	}
	for i := range local {
		if local[i] != int(onchain[i]) {
			return false
		}
	}
	return true
}

func (cs *combatState) winnerID() string {
	if cs.Winner < 0 || cs.Winner >= len(cs.Fighters) {
		return ""
	}
	return cs.Fighters[cs.Winner].ID
}

// settle records a rumble that just entered payout: archive, stats and
// result notifications. Failures are logged; the slot already moved.
func (o *Orchestrator) settle(ctx context.Context, sl store.Slot, cs *combatState, st ledger.AccountState, now time.Time) {
	var path string
	if o.archive != "" {
		r, err := o.archiveRecord(ctx, sl, cs, st, now)
		if err == nil {
			path, err = archive.Write(o.archive, r)
		}
		if err != nil {
			o.logger.Printf("archive rumble=%d failed err=%v", sl.RumbleID, err)
		}
	}

	rec := store.RumbleRecord{
		RumbleID:    sl.RumbleID,
		SlotIndex:   sl.Index,
		Fighters:    slices.Clone(sl.Fighters),
		WinnerID:    cs.winnerID(),
		Turns:       cs.Resolved,
		ArchivePath: path,
		StartedAt:   cs.StartedAt,
		FinishedAt:  now,
	}
	for i, f := range cs.Fighters {
		p := store.Placement{FighterID: f.ID, DamageDealt: f.DamageDealt, DamageTaken: f.DamageTaken}
		if i < len(cs.Placements) {
			p.Placement = cs.Placements[i]
		}
		rec.Placements = append(rec.Placements, p)
	}
	if err := o.store.RecordRumble(ctx, rec); err != nil {
		o.logger.Printf("record rumble=%d failed err=%v", sl.RumbleID, err)
	}

	var msgs []protocol.RumbleResultMsg
	for _, p := range rec.Placements {
		if o.isHouse(p.FighterID) {
			continue
		}
		msgs = append(msgs, protocol.RumbleResultMsg{
			Type:            protocol.TypeRumbleResult,
			ProtocolVersion: protocol.Version,
			NotificationID:  uuid.NewString(),
			RumbleID:        sl.RumbleID,
			FighterID:       p.FighterID,
			Placement:       p.Placement,
			WinnerID:        rec.WinnerID,
			Turns:           rec.Turns,
		})
	}
	if len(msgs) > 0 {
		o.notifier.RumbleResult(ctx, msgs)
	}
	o.logger.Printf("rumble=%d finished slot=%d winner=%s turns=%d", sl.RumbleID, sl.Index, rec.WinnerID, rec.Turns)
}

func (o *Orchestrator) archiveRecord(ctx context.Context, sl store.Slot, cs *combatState, st ledger.AccountState, now time.Time) (archive.Rumble, error) {
	recs, err := o.store.LoadTurns(ctx, sl.RumbleID)
	if err != nil {
		return archive.Rumble{}, err
	}
	turns := make([]turn.Turn, 0, len(recs))
	for _, rec := range recs {
		var t turn.Turn
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return archive.Rumble{}, fmt.Errorf("turn %d: %w", rec.Turn, err)
		}
		turns = append(turns, t)
	}
	r := archive.Rumble{
		RumbleID:   sl.RumbleID,
		SlotIndex:  sl.Index,
		MatchID:    cs.MatchID,
		Rules:      cs.Rules,
		Roster:     slices.Clone(sl.Fighters),
		Turns:      turns,
		Final:      slices.Clone(cs.Fighters),
		Placements: slices.Clone(cs.Placements),
		WinnerID:   cs.winnerID(),
		StartedAt:  cs.StartedAt,
		FinishedAt: now,

		LedgerResult: cs.LedgerResult,
	}
	if st.State >= ledger.StatePayout && st.FighterCount > 0 && len(st.Placements) == st.FighterCount {
		r.Pools = slices.Clone(st.BettingPools)
		_, r.TreasuryCut = o.fees.ProjectPayouts(st)
	}
	return r, nil
}
