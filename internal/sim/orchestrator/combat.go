package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"rumblearena.ai/internal/ledger"
	plog "rumblearena.ai/internal/persistence/log"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/sim/combat"
	"rumblearena.ai/internal/sim/turn"
)

// combatState is what a combat slot persists between ticks. Sealed turns
// live in the store's turn log; only the turn in flight is kept here.
type combatState struct {
	MatchID   string           `json:"match_id"`
	Rules     combat.Rules     `json:"rules"`
	Fighters  []combat.Fighter `json:"fighters"`
	Turn      *turn.Turn       `json:"turn,omitempty"`
	Resolved  int              `json:"turns_resolved"`
	StartedAt time.Time        `json:"started_at"`
	// LastResolvedAt is when the previous turn sealed, or combat start.
	LastResolvedAt time.Time `json:"last_resolved_at"`

	// HouseSecrets holds house bot moves until they are revealed.
	HouseSecrets map[string]turn.Reveal `json:"house_secrets,omitempty"`

	Finished   bool  `json:"finished"`
	Placements []int `json:"placements,omitempty"`
	Winner     int   `json:"winner"`
	// LedgerResult is set when placements were taken from the ledger
	// instead of computed here.
	LedgerResult bool `json:"ledger_result,omitempty"`
}

func newCombatState(rules combat.Rules, ids []string, matchID string, now time.Time) *combatState {
	return &combatState{
		MatchID:        matchID,
		Rules:          rules,
		Fighters:       rules.NewFighters(ids),
		StartedAt:      now,
		LastResolvedAt: now,
		Winner:         -1,
	}
}

func decodeCombatState(raw json.RawMessage) (*combatState, error) {
	if len(raw) == 0 {
		return nil, errors.New("combat slot without combat state")
	}
	var cs combatState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode combat state: %w", err)
	}
	return &cs, nil
}

func (cs *combatState) encode() (json.RawMessage, error) {
	return json.Marshal(cs)
}

func (cs *combatState) index() map[string]int {
	m := make(map[string]int, len(cs.Fighters))
	for i, f := range cs.Fighters {
		m[f.ID] = i
	}
	return m
}

func (cs *combatState) finish() {
	cs.Finished = true
	cs.Placements, cs.Winner = combat.Placements(cs.Fighters)
}

// adoptLedgerResult ends combat with the placements the ledger recorded.
func (cs *combatState) adoptLedgerResult(st ledger.AccountState) {
	cs.Finished = true
	cs.LedgerResult = true
	cs.Placements = make([]int, len(st.Placements))
	for i, p := range st.Placements {
		cs.Placements[i] = int(p)
	}
	cs.Winner = int(st.WinnerIndex)
}

func (cs *combatState) ledgerPlacements() ([]uint8, uint8) {
	out := make([]uint8, len(cs.Placements))
	for i, p := range cs.Placements {
		out[i] = uint8(p)
	}
	w := cs.Winner
	if w < 0 {
		w = 0
	}
	return out, uint8(w)
}

// stepResult describes what one pass over a combat slot changed.
type stepResult struct {
	changed      bool
	opened       bool
	revealOpened bool
	sealed       bool
	commits      []string
	reveals      []string
}

// maxCombatRounds bounds how many persist/notify rounds one tick runs for a
// combat slot: open, collect commits, collect reveals, resolve.
const maxCombatRounds = 4

func (o *Orchestrator) tickCombat(ctx context.Context, sl store.Slot, now time.Time) error {
	cs, err := decodeCombatState(sl.Combat)
	if err != nil {
		return err
	}
	for round := 0; round < maxCombatRounds && !cs.Finished; round++ {
		res, err := o.stepCombat(ctx, sl, cs, now)
		if err != nil {
			return err
		}
		if !res.changed {
			break
		}
		raw, err := cs.encode()
		if err != nil {
			return err
		}
		next := sl
		next.Combat = raw
		next.TurnCount = cs.Resolved
		next.Remaining = combat.Remaining(cs.Fighters)
		saved, err := o.save(ctx, sl, next, store.Effects{})
		if err != nil {
			return err
		}
		var moved bool
		if sl, moved = o.afterStep(ctx, saved, cs, res); moved {
			// Another process owns the slot now; it folds what was stored.
			return nil
		}
	}
	if cs.Finished {
		return o.finishCombat(ctx, sl, cs, now)
	}
	return nil
}

// stepCombat opens the next turn when it is due, folds submissions received
// since the last tick and resolves the turn once every move is in or the
// deadlines passed. It resolves at most one turn.
func (o *Orchestrator) stepCombat(ctx context.Context, sl store.Slot, cs *combatState, now time.Time) (stepResult, error) {
	var res stepResult
	t := cs.Turn
	if t == nil || t.Sealed() {
		if !now.After(cs.LastResolvedAt) || now.Sub(cs.LastResolvedAt) < o.tuning.TurnInterval() {
			return res, nil
		}
		t = o.openTurn(sl, cs, now)
		res.changed, res.opened = true, true
		for id := range cs.HouseSecrets {
			res.commits = append(res.commits, id)
		}
		slices.Sort(res.commits)
	}

	subs, err := o.store.LoadSubmissions(ctx, sl.RumbleID, t.Number)
	if err != nil {
		return res, err
	}
	for _, sub := range subs {
		if sub.Kind != store.SubmissionCommit {
			continue
		}
		if _, done := t.Commits[sub.FighterID]; done {
			continue
		}
		if err := t.Commit(sub.FighterID, sub.Hash, sub.ReceivedAt); err == nil {
			res.changed = true
			res.commits = append(res.commits, sub.FighterID)
		}
	}

	if changed, _ := t.Advance(now); changed {
		res.changed, res.revealOpened = true, true
		ids := make([]string, 0, len(cs.HouseSecrets))
		for id := range cs.HouseSecrets {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			rv := cs.HouseSecrets[id]
			if err := t.Reveal(id, rv.Move, rv.Salt, now); err == nil {
				res.reveals = append(res.reveals, id)
			}
		}
	}

	if t.Phase == turn.PhaseRevealOpen || t.Phase == turn.PhaseRevealed {
		for _, sub := range subs {
			if sub.Kind != store.SubmissionReveal {
				continue
			}
			if _, done := t.Reveals[sub.FighterID]; done {
				continue
			}
			if _, done := t.Rejected[sub.FighterID]; done {
				continue
			}
			switch err := t.Reveal(sub.FighterID, combat.Move(sub.Move), sub.Salt, sub.ReceivedAt); {
			case err == nil:
				res.changed = true
				res.reveals = append(res.reveals, sub.FighterID)
			case errors.Is(err, turn.ErrHashMismatch):
				res.changed = true
				o.logger.Printf("reveal rejected rumble=%d turn=%d fighter=%s: hash mismatch", sl.RumbleID, t.Number, sub.FighterID)
			}
		}
	}

	if _, ready := t.Advance(now); ready {
		next, err := t.Resolve(cs.Rules, cs.Fighters, cs.index(), o.rand, now)
		if err != nil {
			return res, err
		}
		cs.Fighters = next
		cs.Resolved = t.Number
		cs.LastResolvedAt = now
		cs.HouseSecrets = nil
		res.changed, res.sealed = true, true
		if cs.Rules.Finished(cs.Fighters, cs.Resolved) {
			cs.finish()
		}
	}
	return res, nil
}

func (o *Orchestrator) openTurn(sl store.Slot, cs *combatState, now time.Time) *turn.Turn {
	number := cs.Resolved + 1
	live := combat.Live(cs.Fighters)
	ids := make([]string, len(live))
	for i, idx := range live {
		ids[i] = cs.Fighters[idx].ID
	}
	pairs, bye := combat.Pairings(live, sl.RumbleID, number)
	t := turn.Open(number, ids, pairs, bye, now, turn.Windows{
		Commit: o.tuning.CommitWindow(),
		Reveal: o.tuning.RevealWindow(),
	})
	cs.Turn = t
	cs.HouseSecrets = nil

	index := cs.index()
	for _, id := range ids {
		if !o.isHouse(id) {
			continue
		}
		legal := cs.Rules.LegalMoves(cs.Fighters[index[id]].Meter)
		rv := turn.Reveal{Move: legal[o.rand(len(legal))], Salt: newSalt()}
		if err := t.Commit(id, turn.CommitHash(rv.Move, rv.Salt), now); err != nil {
			continue
		}
		if cs.HouseSecrets == nil {
			cs.HouseSecrets = map[string]turn.Reveal{}
		}
		cs.HouseSecrets[id] = rv
	}
	return t
}

// afterStep runs the side effects of a persisted step: turn log, ledger
// anchoring and fighter notifications. None of it can undo the step. Stored
// webhook replies bump the slot version, so the slot is returned at its new
// version; moved reports that another process wrote the slot meanwhile.
func (o *Orchestrator) afterStep(ctx context.Context, sl store.Slot, cs *combatState, res stepResult) (store.Slot, bool) {
	t := cs.Turn
	for _, id := range res.commits {
		if _, err := o.ledger.SubmitTurnCommit(ctx, sl.RumbleID, id, t.Number, t.Commits[id]); err != nil {
			o.logger.Printf("anchor commit failed rumble=%d turn=%d fighter=%s err=%v", sl.RumbleID, t.Number, id, err)
		}
	}
	for _, id := range res.reveals {
		rv := t.Reveals[id]
		if _, err := o.ledger.SubmitTurnReveal(ctx, sl.RumbleID, id, t.Number, string(rv.Move), rv.Salt); err != nil {
			o.logger.Printf("anchor reveal failed rumble=%d turn=%d fighter=%s err=%v", sl.RumbleID, t.Number, id, err)
		}
	}

	if res.sealed {
		data, err := json.Marshal(t)
		if err == nil {
			err = o.store.AppendTurn(ctx, store.TurnRecord{RumbleID: sl.RumbleID, Turn: t.Number, SlotIdx: sl.Index, Data: data})
		}
		if err != nil {
			o.logger.Printf("append turn failed rumble=%d turn=%d err=%v", sl.RumbleID, t.Number, err)
		}
		o.event(plog.Event{
			Kind:     plog.KindTurnSealed,
			Slot:     sl.Index,
			RumbleID: sl.RumbleID,
			Turn:     t.Number,
			Data:     map[string]any{"fallbacks": t.Fallbacks, "remaining": combat.Remaining(cs.Fighters)},
		})
		return sl, false
	}
	moved := false
	if res.opened {
		if msgs := o.turnOpenMessages(sl, cs); len(msgs) > 0 {
			var m bool
			sl, m = o.collect(ctx, sl, t.Number, o.notifier.TurnOpen(ctx, msgs))
			moved = moved || m
		}
	}
	if res.revealOpened && !moved {
		if msgs := o.revealOpenMessages(sl, cs); len(msgs) > 0 {
			var m bool
			sl, m = o.collect(ctx, sl, t.Number, o.notifier.RevealOpen(ctx, msgs))
			moved = moved || m
		}
	}
	return sl, moved
}

// collect stores webhook replies as submissions; the next combat round
// folds them into the turn. Each stored reply bumps the slot version. When
// another process wrote the slot first, the remaining replies are stored
// against the fresh slot as long as its turn still takes them, and moved is
// reported so the caller stops working from its stale copy.
func (o *Orchestrator) collect(ctx context.Context, sl store.Slot, turnNumber int, replies []Reply) (store.Slot, bool) {
	cur, moved := sl, false
	for _, r := range replies {
		sub := store.Submission{RumbleID: sl.RumbleID, Turn: turnNumber, FighterID: r.FighterID, ReceivedAt: o.now()}
		switch {
		case r.CommitHash != "":
			sub.Kind, sub.Hash = store.SubmissionCommit, r.CommitHash
		case r.Move != "":
			sub.Kind, sub.Move, sub.Salt = store.SubmissionReveal, r.Move, r.Salt
		default:
			continue
		}
		for attempt := 0; attempt < submitAttempts; attempt++ {
			ok, err := o.store.PutSubmission(ctx, cur.Index, cur.Version, sub)
			if err == nil {
				if ok {
					cur.Version++
				}
				break
			}
			if !errors.Is(err, store.ErrStaleState) {
				o.logger.Printf("store reply failed rumble=%d fighter=%s err=%v", sl.RumbleID, r.FighterID, err)
				break
			}
			moved = true
			fresh, err := o.store.LoadSlot(ctx, sl.Index)
			if err == nil && !stillAccepts(fresh, sub) {
				err = errors.New("turn no longer accepts it")
			}
			if err != nil {
				o.logger.Printf("reply dropped rumble=%d turn=%d fighter=%s: %v", sl.RumbleID, turnNumber, r.FighterID, err)
				break
			}
			cur = fresh
		}
	}
	if moved {
		return sl, true
	}
	return cur, false
}

// stillAccepts reports whether sl still runs the turn sub answers and that
// turn still takes it.
func stillAccepts(sl store.Slot, sub store.Submission) bool {
	if sl.State != StateCombat || sl.RumbleID != sub.RumbleID {
		return false
	}
	cs, err := decodeCombatState(sl.Combat)
	if err != nil || cs.Turn == nil || cs.Turn.Sealed() || cs.Turn.Number != sub.Turn {
		return false
	}
	return accepts(cs.Turn, sub.Kind, sub.ReceivedAt)
}
