package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/combat"
)

// Reply is a fighter's synchronous answer to a TURN_OPEN or REVEAL_OPEN
// notification. Fighters may instead answer later through the API.
type Reply struct {
	FighterID  string
	CommitHash string
	Move       string
	Salt       string
}

// Notifier delivers protocol messages to fighters. Delivery is best effort:
// a fighter that cannot be reached plays a fallback move.
type Notifier interface {
	TurnOpen(ctx context.Context, msgs []protocol.TurnOpenMsg) []Reply
	RevealOpen(ctx context.Context, msgs []protocol.RevealOpenMsg) []Reply
	RumbleResult(ctx context.Context, msgs []protocol.RumbleResultMsg)
}

type nopNotifier struct{}

func (nopNotifier) TurnOpen(context.Context, []protocol.TurnOpenMsg) []Reply     { return nil }
func (nopNotifier) RevealOpen(context.Context, []protocol.RevealOpenMsg) []Reply { return nil }
func (nopNotifier) RumbleResult(context.Context, []protocol.RumbleResultMsg)     {}

func fighterState(f combat.Fighter) protocol.FighterState {
	return protocol.FighterState{
		FighterID:   f.ID,
		HP:          f.HP,
		Meter:       f.Meter,
		DamageDealt: f.DamageDealt,
		DamageTaken: f.DamageTaken,
	}
}

func (o *Orchestrator) turnOpenMessages(sl store.Slot, cs *combatState) []protocol.TurnOpenMsg {
	t := cs.Turn
	opponent := map[int]int{}
	for _, p := range t.Pairs {
		opponent[p.A] = p.B
		opponent[p.B] = p.A
	}
	index := cs.index()
	var msgs []protocol.TurnOpenMsg
	for _, id := range t.Participants {
		if o.isHouse(id) {
			continue
		}
		idx := index[id]
		me := cs.Fighters[idx]
		msg := protocol.TurnOpenMsg{
			Type:            protocol.TypeTurnOpen,
			ProtocolVersion: protocol.Version,
			NotificationID:  uuid.NewString(),
			MatchID:         cs.MatchID,
			RumbleID:        sl.RumbleID,
			SlotIndex:       sl.Index,
			Round:           t.Number,
			Turn:            t.Number,
			YourState:       fighterState(me),
			CommitDeadline:  t.CommitDeadline,
		}
		if opp, ok := opponent[idx]; ok {
			st := fighterState(cs.Fighters[opp])
			msg.OpponentState = &st
		}
		for _, m := range cs.Rules.LegalMoves(me.Meter) {
			msg.LegalMoves = append(msg.LegalMoves, string(m))
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (o *Orchestrator) revealOpenMessages(sl store.Slot, cs *combatState) []protocol.RevealOpenMsg {
	t := cs.Turn
	var msgs []protocol.RevealOpenMsg
	for _, id := range t.Participants {
		if o.isHouse(id) {
			continue
		}
		if _, ok := t.Commits[id]; !ok {
			continue
		}
		if _, ok := t.Reveals[id]; ok {
			continue
		}
		msgs = append(msgs, protocol.RevealOpenMsg{
			Type:            protocol.TypeRevealOpen,
			ProtocolVersion: protocol.Version,
			NotificationID:  uuid.NewString(),
			MatchID:         cs.MatchID,
			RumbleID:        sl.RumbleID,
			FighterID:       id,
			Turn:            t.Number,
			RevealDeadline:  t.RevealDeadline,
		})
	}
	return msgs
}
