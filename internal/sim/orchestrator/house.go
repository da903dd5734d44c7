package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
)

// House bots are fighters the orchestrator plays itself: they commit a
// random legal move when a turn opens and reveal it as soon as reveals open.

func (o *Orchestrator) isHouse(fighterID string) bool {
	p := o.tuning.HouseBots.Prefix
	return p != "" && strings.HasPrefix(fighterID, p)
}

func newSalt() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

// QueueHouseBotsManually queues up to count idle house bots and returns the
// ids it queued.
func (o *Orchestrator) QueueHouseBotsManually(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, protocol.NewError(protocol.ErrProtoBadRequest, "count must be > 0")
	}
	if err := o.refresh(ctx); err != nil {
		return nil, err
	}
	return o.queueHouseBots(ctx, count)
}

func (o *Orchestrator) queueHouseBots(ctx context.Context, count int) ([]string, error) {
	hb := o.tuning.HouseBots
	if hb.Prefix == "" {
		return nil, protocol.NewError(protocol.ErrConfig, "house bots disabled: empty prefix")
	}
	var added []string
	for i := 1; i <= hb.Max && len(added) < count; i++ {
		id := fmt.Sprintf("%s%02d", hb.Prefix, i)
		if o.isActive(id) {
			continue
		}
		if _, queued := o.queue.Position(id); queued {
			continue
		}
		e, err := o.queue.Add(id, false)
		if err != nil {
			continue
		}
		if err := o.store.SaveQueueFighter(ctx, store.QueueFighter{FighterID: id, Status: "queued", JoinedAt: e.JoinedAt}); err != nil {
			o.queue.Remove(id)
			if errors.Is(err, store.ErrActive) {
				continue
			}
			return added, err
		}
		added = append(added, id)
	}
	if len(added) > 0 {
		o.logger.Printf("queued house bots n=%d", len(added))
	}
	return added, nil
}

// autoFillHouseBots tops the queue up to the minimum once its oldest entry
// has waited longer than the configured fill delay.
func (o *Orchestrator) autoFillHouseBots(ctx context.Context, now time.Time) error {
	after := o.tuning.HouseFillAfter()
	if after <= 0 {
		return nil
	}
	entries := o.queue.Entries()
	if len(entries) == 0 {
		return nil
	}
	eligible := o.queue.Eligible()
	if eligible >= o.tuning.MinFighters {
		return nil
	}
	if now.Sub(entries[0].JoinedAt) < after {
		return nil
	}
	_, err := o.queueHouseBots(ctx, o.tuning.MinFighters-eligible)
	return err
}
