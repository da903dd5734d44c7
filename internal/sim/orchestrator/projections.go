package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"rumblearena.ai/internal/ledger"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/combat"
	"rumblearena.ai/internal/sim/turn"
)

// Projections read the store and the cached ledger view. They never write
// and may lag the ledger by up to the cache TTL.
const consistencyEventual = "eventual"

type SlotStatus struct {
	SlotIndex       int       `json:"slot_index"`
	State           string    `json:"state"`
	RumbleID        uint64    `json:"rumble_id,omitempty"`
	Fighters        []string  `json:"fighters,omitempty"`
	TurnCount       int       `json:"turn_count"`
	Remaining       int       `json:"remaining_fighters"`
	BettingDeadline time.Time `json:"betting_deadline,omitempty"`
	StateSince      time.Time `json:"state_since"`
	Onchain         bool      `json:"onchain"`

	LedgerState   string `json:"ledger_state,omitempty"`
	TotalDeployed uint64 `json:"total_deployed"`
	LedgerStale   bool   `json:"ledger_stale,omitempty"`
}

type QueueStatus struct {
	FighterID       string    `json:"fighter_id"`
	Position        int       `json:"position"`
	AutoRequeue     bool      `json:"auto_requeue"`
	JoinedAt        time.Time `json:"joined_at"`
	EstimatedWaitMs int64     `json:"estimated_wait_ms"`
}

type Status struct {
	AsOf            time.Time     `json:"as_of"`
	Consistency     string        `json:"consistency"`
	ProtocolVersion string        `json:"protocol_version"`
	Slots           []SlotStatus  `json:"slots"`
	Queue           []QueueStatus `json:"queue"`
	AverageCycleMs  int64         `json:"average_cycle_ms"`
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	slots, err := o.store.LoadSlots(ctx)
	if err != nil {
		return Status{}, err
	}
	o.setActive(slots)
	if err := o.reloadQueue(ctx); err != nil {
		return Status{}, err
	}

	out := Status{
		AsOf:            o.now().UTC(),
		Consistency:     consistencyEventual,
		ProtocolVersion: protocol.Version,
		AverageCycleMs:  o.queue.AverageCycle().Milliseconds(),
	}
	for _, sl := range slots {
		ss := SlotStatus{
			SlotIndex:       sl.Index,
			State:           sl.State,
			RumbleID:        sl.RumbleID,
			Fighters:        slices.Clone(sl.Fighters),
			TurnCount:       sl.TurnCount,
			Remaining:       sl.Remaining,
			BettingDeadline: sl.BettingDeadline,
			StateSince:      sl.StateSince,
			Onchain:         sl.Onchain,
		}
		if sl.State != StateIdle && sl.Onchain {
			st, stale, err := o.cache.Get(ctx, sl.RumbleID)
			switch {
			case err == nil:
				ss.LedgerState = st.State.String()
				ss.TotalDeployed = st.TotalDeployed
				ss.LedgerStale = stale
			case errors.Is(err, ledger.ErrAccountNotFound):
				ss.LedgerState = "missing"
			default:
				ss.LedgerState = "unknown"
			}
		}
		out.Slots = append(out.Slots, ss)
	}
	for i, e := range o.queue.Entries() {
		wait, _ := o.queue.EstimatedWait(e.FighterID)
		out.Queue = append(out.Queue, QueueStatus{
			FighterID:       e.FighterID,
			Position:        i + 1,
			AutoRequeue:     e.AutoRequeue,
			JoinedAt:        e.JoinedAt,
			EstimatedWaitMs: wait.Milliseconds(),
		})
	}
	return out, nil
}

type FighterOdds struct {
	Index     int    `json:"fighter_index"`
	FighterID string `json:"fighter_id"`
	Pool      uint64 `json:"pool"`
	// ImpliedProbability is the fighter's share of all lamports deployed.
	ImpliedProbability float64 `json:"implied_probability"`
	// Multiple is the return per lamport: the best case (first place, every
	// other fighter unpaid) while unsettled, the projected payout after.
	Multiple  float64 `json:"multiple"`
	Placement int     `json:"placement,omitempty"`
	Winnings  uint64  `json:"winnings,omitempty"`
}

type Odds struct {
	AsOf          time.Time     `json:"as_of"`
	Consistency   string        `json:"consistency"`
	SlotIndex     int           `json:"slot_index"`
	RumbleID      uint64        `json:"rumble_id"`
	LedgerState   string        `json:"ledger_state"`
	Stale         bool          `json:"stale,omitempty"`
	TotalDeployed uint64        `json:"total_deployed"`
	Settled       bool          `json:"settled"`
	TreasuryCut   uint64        `json:"treasury_cut,omitempty"`
	Fighters      []FighterOdds `json:"fighters"`
}

func (o *Orchestrator) Odds(ctx context.Context, slotIndex int) (Odds, error) {
	sl, err := o.projectedSlot(ctx, slotIndex)
	if err != nil {
		return Odds{}, err
	}
	out := Odds{
		AsOf:        o.now().UTC(),
		Consistency: consistencyEventual,
		SlotIndex:   sl.Index,
		RumbleID:    sl.RumbleID,
	}
	st, stale, err := o.cache.Get(ctx, sl.RumbleID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		out.LedgerState = "missing"
		for i, id := range sl.Fighters {
			out.Fighters = append(out.Fighters, FighterOdds{Index: i, FighterID: id})
		}
		return out, nil
	case err != nil:
		return Odds{}, ledgerErr("read rumble account", err)
	}
	out.LedgerState = st.State.String()
	out.Stale = stale
	out.TotalDeployed = st.TotalDeployed
	out.Fighters = oddsFor(o.fees, st, sl.Fighters)
	if st.State == ledger.StatePayout || st.State == ledger.StateComplete {
		out.Settled = true
		_, out.TreasuryCut = o.fees.ProjectPayouts(st)
	}
	return out, nil
}

func oddsFor(fees ledger.Fees, st ledger.AccountState, ids []string) []FighterOdds {
	n := min(st.FighterCount, len(st.BettingPools))
	settled := st.State == ledger.StatePayout || st.State == ledger.StateComplete
	var projected []ledger.PlacePayout
	if settled {
		projected, _ = fees.ProjectPayouts(st)
	}
	out := make([]FighterOdds, n)
	for i := 0; i < n; i++ {
		fo := FighterOdds{Index: i, Pool: st.BettingPools[i]}
		if i < len(ids) {
			fo.FighterID = ids[i]
		}
		if st.TotalDeployed > 0 {
			fo.ImpliedProbability = float64(fo.Pool) / float64(st.TotalDeployed)
		}
		if settled {
			fo.Placement = projected[i].Placement
			fo.Winnings = projected[i].Winnings
			fo.Multiple = projected[i].Multiple
		} else {
			fo.Multiple = bestCaseMultiple(fees, st, i)
		}
		out[i] = fo
	}
	return out
}

// bestCaseMultiple projects fighter i winning while every other fighter
// finishes outside the paid places.
func bestCaseMultiple(fees ledger.Fees, st ledger.AccountState, i int) float64 {
	if st.BettingPools[i] == 0 {
		return 0
	}
	hypo := st
	hypo.Placements = make([]uint8, st.FighterCount)
	for j := range hypo.Placements {
		hypo.Placements[j] = uint8(len(fees.PlaceSplitBps) + 1)
	}
	hypo.Placements[i] = 1
	payouts, _ := fees.ProjectPayouts(hypo)
	return payouts[i].Multiple
}

type CombatFighter struct {
	FighterID        string `json:"fighter_id"`
	HP               int    `json:"hp"`
	Meter            int    `json:"meter"`
	DamageDealt      int    `json:"total_damage_dealt"`
	DamageTaken      int    `json:"total_damage_taken"`
	EliminatedOnTurn int    `json:"eliminated_on_turn,omitempty"`
	Placement        int    `json:"placement,omitempty"`
}

// TurnSummary is a sealed turn as shown to spectators.
type TurnSummary struct {
	Turn      int                    `json:"turn"`
	Moves     map[string]combat.Move `json:"moves"`
	Fallbacks map[string]string      `json:"fallbacks,omitempty"`
	Results   []combat.PairResult    `json:"results"`
}

type CombatView struct {
	AsOf        time.Time `json:"as_of"`
	Consistency string    `json:"consistency"`
	SlotIndex   int       `json:"slot_index"`
	RumbleID    uint64    `json:"rumble_id"`
	State       string    `json:"state"`
	MatchID     string    `json:"match_id,omitempty"`

	TurnsResolved int    `json:"turns_resolved"`
	CurrentTurn   int    `json:"current_turn,omitempty"`
	Phase         string `json:"phase,omitempty"`
	// Committed and Revealed list who answered; moves stay hidden until
	// the turn seals.
	Committed      []string  `json:"committed,omitempty"`
	Revealed       []string  `json:"revealed,omitempty"`
	CommitDeadline time.Time `json:"commit_deadline,omitempty"`
	RevealDeadline time.Time `json:"reveal_deadline,omitempty"`

	Fighters []CombatFighter `json:"fighters"`
	LastTurn *TurnSummary    `json:"last_turn,omitempty"`
	Finished bool            `json:"finished"`
	WinnerID string          `json:"winner_id,omitempty"`
}

func (o *Orchestrator) CombatState(ctx context.Context, slotIndex int) (CombatView, error) {
	sl, err := o.projectedSlot(ctx, slotIndex)
	if err != nil {
		return CombatView{}, err
	}
	out := CombatView{
		AsOf:        o.now().UTC(),
		Consistency: consistencyEventual,
		SlotIndex:   sl.Index,
		RumbleID:    sl.RumbleID,
		State:       sl.State,
	}
	if len(sl.Combat) == 0 {
		for _, f := range o.tuning.Combat.NewFighters(sl.Fighters) {
			out.Fighters = append(out.Fighters, CombatFighter{FighterID: f.ID, HP: f.HP})
		}
		return out, nil
	}
	cs, err := decodeCombatState(sl.Combat)
	if err != nil {
		return CombatView{}, err
	}
	out.MatchID = cs.MatchID
	out.TurnsResolved = cs.Resolved
	out.Finished = cs.Finished
	if cs.Finished {
		out.WinnerID = cs.winnerID()
	}
	for i, f := range cs.Fighters {
		cf := CombatFighter{
			FighterID:        f.ID,
			HP:               f.HP,
			Meter:            f.Meter,
			DamageDealt:      f.DamageDealt,
			DamageTaken:      f.DamageTaken,
			EliminatedOnTurn: f.EliminatedOnTurn,
		}
		if cs.Finished && i < len(cs.Placements) {
			cf.Placement = cs.Placements[i]
		}
		out.Fighters = append(out.Fighters, cf)
	}
	if t := cs.Turn; t != nil && !t.Sealed() {
		out.CurrentTurn = t.Number
		out.Phase = string(t.Phase)
		out.CommitDeadline = t.CommitDeadline
		out.RevealDeadline = t.RevealDeadline
		for _, id := range t.Participants {
			if _, ok := t.Commits[id]; ok {
				out.Committed = append(out.Committed, id)
			}
			if _, ok := t.Reveals[id]; ok {
				out.Revealed = append(out.Revealed, id)
			}
		}
	}
	if cs.Resolved > 0 {
		recs, err := o.store.LoadTurns(ctx, sl.RumbleID)
		if err != nil {
			return CombatView{}, err
		}
		if len(recs) > 0 {
			var t turn.Turn
			if err := json.Unmarshal(recs[len(recs)-1].Data, &t); err == nil {
				out.LastTurn = &TurnSummary{Turn: t.Number, Moves: t.Moves, Fallbacks: t.Fallbacks, Results: t.Results}
			}
		}
	}
	return out, nil
}

// projectedSlot loads a slot that currently runs a rumble.
func (o *Orchestrator) projectedSlot(ctx context.Context, slotIndex int) (store.Slot, error) {
	sl, err := o.store.LoadSlot(ctx, slotIndex)
	if errors.Is(err, store.ErrNotFound) {
		return store.Slot{}, protocol.NewError(protocol.ErrSlotNotFound, fmt.Sprintf("slot %d does not exist", slotIndex))
	}
	if err != nil {
		return store.Slot{}, err
	}
	if sl.State == StateIdle || sl.RumbleID == 0 {
		return store.Slot{}, protocol.NewError(protocol.ErrSlotNotFound, fmt.Sprintf("slot %d is idle", slotIndex))
	}
	return sl, nil
}
