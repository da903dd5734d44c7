package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	plog "rumblearena.ai/internal/persistence/log"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/combat"
	"rumblearena.ai/internal/sim/queue"
	"rumblearena.ai/internal/sim/turn"
)

// QueuePosition is returned to a fighter that joined the queue.
type QueuePosition struct {
	FighterID     string        `json:"fighter_id"`
	Position      int           `json:"position"`
	EstimatedWait time.Duration `json:"-"`
	EstimatedMs   int64         `json:"estimated_wait_ms"`
	AutoRequeue   bool          `json:"auto_requeue"`
}

// refresh reloads the in-memory queue and active set from the store so API
// calls see what other processes wrote.
func (o *Orchestrator) refresh(ctx context.Context) error {
	slots, err := o.store.LoadSlots(ctx)
	if err != nil {
		return err
	}
	o.setActive(slots)
	return o.reloadQueue(ctx)
}

// AddToQueue admits a fighter, or updates auto-requeue for one already
// queued. webhookURL, when set, replaces the fighter's notification endpoint.
func (o *Orchestrator) AddToQueue(ctx context.Context, fighterID string, autoRequeue bool, webhookURL string) (QueuePosition, error) {
	fighterID = strings.TrimSpace(fighterID)
	if fighterID == "" {
		return QueuePosition{}, protocol.NewError(protocol.ErrAdmission, "fighter_id is required")
	}
	if o.isHouse(fighterID) {
		return QueuePosition{}, protocol.NewError(protocol.ErrAdmission, fmt.Sprintf("fighter ids starting with %q are reserved", o.tuning.HouseBots.Prefix))
	}
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return QueuePosition{}, protocol.NewError(protocol.ErrAdmission, "webhook_url must be an absolute http(s) url")
		}
	}
	if err := o.refresh(ctx); err != nil {
		return QueuePosition{}, err
	}

	e, err := o.queue.Add(fighterID, autoRequeue)
	if errors.Is(err, queue.ErrAlreadyActive) {
		return QueuePosition{}, protocol.WrapError(protocol.ErrAdmission, "fighter "+fighterID, err)
	}
	if err != nil {
		return QueuePosition{}, protocol.WrapError(protocol.ErrAdmission, "queue", err)
	}
	err = o.store.SaveQueueFighter(ctx, store.QueueFighter{
		FighterID:   fighterID,
		Status:      "queued",
		AutoRequeue: e.AutoRequeue,
		JoinedAt:    e.JoinedAt,
	})
	if errors.Is(err, store.ErrActive) {
		// Seated by another process since refresh.
		o.queue.Remove(fighterID)
		return QueuePosition{}, protocol.WrapError(protocol.ErrAdmission, "fighter "+fighterID, queue.ErrAlreadyActive)
	}
	if err != nil {
		return QueuePosition{}, err
	}
	if webhookURL != "" {
		if err := o.store.SaveFighterEndpoint(ctx, fighterID, webhookURL, o.now()); err != nil {
			return QueuePosition{}, err
		}
	}

	pos, _ := o.queue.Position(fighterID)
	wait, _ := o.queue.EstimatedWait(fighterID)
	o.logger.Printf("queue join fighter=%s position=%d auto_requeue=%v", fighterID, pos, e.AutoRequeue)
	o.event(plog.Event{Kind: plog.KindQueue, Fighter: fighterID, Detail: "join"})
	return QueuePosition{
		FighterID:     fighterID,
		Position:      pos,
		EstimatedWait: wait,
		EstimatedMs:   wait.Milliseconds(),
		AutoRequeue:   e.AutoRequeue,
	}, nil
}

// RemoveFromQueue drops the queue entry only; a rumble the fighter already
// sits in is unaffected.
func (o *Orchestrator) RemoveFromQueue(ctx context.Context, fighterID string) (bool, error) {
	removed, err := o.store.RemoveQueueFighter(ctx, fighterID)
	if err != nil {
		return false, err
	}
	o.queue.Remove(fighterID)
	if removed {
		o.logger.Printf("queue leave fighter=%s", fighterID)
		o.event(plog.Event{Kind: plog.KindQueue, Fighter: fighterID, Detail: "leave"})
	}
	return removed, nil
}

// SetAutoRequeue changes whether a seated fighter goes back into the queue
// when its slot frees.
func (o *Orchestrator) SetAutoRequeue(ctx context.Context, slotIndex int, fighterID string, enabled bool) error {
	for attempt := 0; attempt < 3; attempt++ {
		sl, err := o.store.LoadSlot(ctx, slotIndex)
		if errors.Is(err, store.ErrNotFound) {
			return protocol.NewError(protocol.ErrSlotNotFound, fmt.Sprintf("slot %d does not exist", slotIndex))
		}
		if err != nil {
			return err
		}
		if sl.State == StateIdle || !slices.Contains(sl.Fighters, fighterID) {
			return protocol.NewError(protocol.ErrNotParticipant, fmt.Sprintf("fighter %s is not in slot %d", fighterID, slotIndex))
		}
		has := slices.Contains(sl.AutoRequeue, fighterID)
		if has == enabled {
			return nil
		}
		next := sl
		next.AutoRequeue = slices.DeleteFunc(slices.Clone(sl.AutoRequeue), func(id string) bool { return id == fighterID })
		if enabled {
			next.AutoRequeue = append(next.AutoRequeue, fighterID)
		}
		_, err = o.store.SaveSlotState(ctx, next, store.Effects{}, o.now())
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		return err
	}
	return protocol.NewError(protocol.ErrStaleState, fmt.Sprintf("slot %d kept changing", slotIndex))
}

// EnsureOnchainRumbleForSlot retries opening the ledger betting window for a
// betting slot whose open call failed earlier.
func (o *Orchestrator) EnsureOnchainRumbleForSlot(ctx context.Context, slotIndex int) error {
	sl, err := o.store.LoadSlot(ctx, slotIndex)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NewError(protocol.ErrSlotNotFound, fmt.Sprintf("slot %d does not exist", slotIndex))
	}
	if err != nil {
		return err
	}
	if sl.State != StateBetting {
		return protocol.NewError(protocol.ErrSlotNotFound, fmt.Sprintf("slot %d is %s, not betting", slotIndex, sl.State))
	}
	if sl.Onchain {
		return nil
	}
	err = o.openOnchain(ctx, sl, o.now())
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	return err
}

// openTurnFor loads the turn a fighter is answering and checks it is the one
// in flight. The slot is returned so the submission can be written against
// the version that was checked.
func (o *Orchestrator) openTurnFor(ctx context.Context, rumbleID uint64, turnNumber int, fighterID string) (store.Slot, *combatState, error) {
	sl, err := o.loadSlotForRumble(ctx, rumbleID)
	if err != nil {
		return store.Slot{}, nil, err
	}
	if sl.State != StateCombat {
		return store.Slot{}, nil, protocol.NewError(protocol.ErrTurnClosed, fmt.Sprintf("rumble %d is %s", rumbleID, sl.State))
	}
	cs, err := decodeCombatState(sl.Combat)
	if err != nil {
		return store.Slot{}, nil, err
	}
	t := cs.Turn
	if t == nil || t.Sealed() || t.Number != turnNumber {
		return store.Slot{}, nil, protocol.NewError(protocol.ErrTurnClosed, fmt.Sprintf("turn %d of rumble %d is not open", turnNumber, rumbleID))
	}
	if o.isHouse(fighterID) || !slices.Contains(t.Participants, fighterID) {
		return store.Slot{}, nil, protocol.NewError(protocol.ErrNotParticipant, fmt.Sprintf("fighter %s is not in turn %d", fighterID, turnNumber))
	}
	return sl, cs, nil
}

// submitAttempts bounds how often a submission is re-checked after a keeper
// tick moved the slot underneath it.
const submitAttempts = 3

// SubmitCommit records a fighter's commitment for the open turn. The first
// commitment wins; the next tick folds it into the turn.
func (o *Orchestrator) SubmitCommit(ctx context.Context, msg protocol.CommitMsg) error {
	hash := strings.ToLower(strings.TrimSpace(msg.CommitHash))
	if b, err := hex.DecodeString(hash); err != nil || len(b) != 32 {
		return protocol.NewError(protocol.ErrProtoBadRequest, "commit_hash must be 64 hex characters")
	}
	for attempt := 0; attempt < submitAttempts; attempt++ {
		sl, cs, err := o.openTurnFor(ctx, msg.RumbleID, msg.Turn, msg.FighterID)
		if err != nil {
			return err
		}
		t := cs.Turn
		now := o.now()
		if prev, ok := t.Commits[msg.FighterID]; ok {
			if prev == hash {
				return nil
			}
			return protocol.NewError(protocol.ErrDuplicate, "a different commitment is already on record")
		}
		if !accepts(t, store.SubmissionCommit, now) {
			return protocol.NewError(protocol.ErrTurnClosed, "commit phase is closed")
		}

		sub := store.Submission{
			RumbleID:   msg.RumbleID,
			Turn:       msg.Turn,
			FighterID:  msg.FighterID,
			Kind:       store.SubmissionCommit,
			Hash:       hash,
			ReceivedAt: now,
		}
		err = o.putSubmission(ctx, sl, sub, func(prev store.Submission) bool { return prev.Hash == hash })
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		return err
	}
	return protocol.NewError(protocol.ErrStaleState, "turn changed while storing the commitment; retry")
}

// SubmitReveal records a fighter's reveal. A reveal that does not match the
// commitment is stored anyway, so the fighter cannot try again, and reported
// as E_HASH_MISMATCH.
func (o *Orchestrator) SubmitReveal(ctx context.Context, msg protocol.RevealMsg) error {
	move, err := combat.ParseMove(msg.Move)
	if err != nil {
		return protocol.WrapError(protocol.ErrProtoBadRequest, "move", err)
	}
	for attempt := 0; attempt < submitAttempts; attempt++ {
		sl, cs, err := o.openTurnFor(ctx, msg.RumbleID, msg.Turn, msg.FighterID)
		if err != nil {
			return err
		}
		t := cs.Turn
		now := o.now()
		hash, committed := t.Commits[msg.FighterID]
		if !committed {
			return protocol.NewError(protocol.ErrTurnClosed, "no commitment on record for this turn")
		}
		_, revealed := t.Reveals[msg.FighterID]
		_, rejected := t.Rejected[msg.FighterID]
		if revealed || rejected {
			return protocol.NewError(protocol.ErrDuplicate, "reveal already on record")
		}
		if !accepts(t, store.SubmissionReveal, now) {
			return protocol.NewError(protocol.ErrTurnClosed, "reveal phase is not open")
		}

		sub := store.Submission{
			RumbleID:   msg.RumbleID,
			Turn:       msg.Turn,
			FighterID:  msg.FighterID,
			Kind:       store.SubmissionReveal,
			Move:       string(move),
			Salt:       msg.Salt,
			ReceivedAt: now,
		}
		err = o.putSubmission(ctx, sl, sub, func(prev store.Submission) bool { return prev.Move == sub.Move && prev.Salt == sub.Salt })
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return err
		}
		if turn.CommitHash(move, msg.Salt) != hash {
			return protocol.NewError(protocol.ErrHashMismatch, "reveal does not match commitment; a fallback move will be played")
		}
		return nil
	}
	return protocol.NewError(protocol.ErrStaleState, "turn changed while storing the reveal; retry")
}

// accepts reports whether t still takes a submission of kind at time at.
func accepts(t *turn.Turn, kind string, at time.Time) bool {
	switch kind {
	case store.SubmissionCommit:
		return (t.Phase == turn.PhaseOpen || t.Phase == turn.PhaseCommitted) && at.Before(t.CommitDeadline)
	case store.SubmissionReveal:
		return (t.Phase == turn.PhaseRevealOpen || t.Phase == turn.PhaseRevealed) && at.Before(t.RevealDeadline)
	}
	return false
}

// putSubmission stores sub against sl's version unless one of the same kind
// is already on record. Resending an identical submission is not an error.
func (o *Orchestrator) putSubmission(ctx context.Context, sl store.Slot, sub store.Submission, same func(store.Submission) bool) error {
	ok, err := o.store.PutSubmission(ctx, sl.Index, sl.Version, sub)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	subs, err := o.store.LoadSubmissions(ctx, sub.RumbleID, sub.Turn)
	if err != nil {
		return err
	}
	for _, prev := range subs {
		if prev.FighterID == sub.FighterID && prev.Kind == sub.Kind && same(prev) {
			return nil
		}
	}
	return protocol.NewError(protocol.ErrDuplicate, sub.Kind+" already on record")
}
