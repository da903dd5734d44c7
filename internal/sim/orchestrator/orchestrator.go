// Package orchestrator advances rumble slots through
// idle → betting → combat → payout → idle. Tick is the only mutator; every
// write is a compare-and-set against the store, so ticks from several
// processes can interleave freely.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rumblearena.ai/internal/ledger"
	plog "rumblearena.ai/internal/persistence/log"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/queue"
	"rumblearena.ai/internal/sim/tuning"
)

var tracer = otel.Tracer("rumblearena.ai/internal/sim/orchestrator")

const (
	StateIdle    = "idle"
	StateBetting = "betting"
	StateCombat  = "combat"
	StatePayout  = "payout"
)

// EventSink receives the durable audit trail. *plog.EventLogger implements it.
type EventSink interface {
	WriteEvent(e plog.Event) error
}

type Options struct {
	Store  store.Store
	Ledger ledger.Gateway
	Tuning tuning.Tuning

	Notifier Notifier
	Events   EventSink
	// ArchiveDir receives one zstd archive per finished rumble; empty disables.
	ArchiveDir string

	Logger *log.Logger
	Now    func() time.Time
	// Rand returns a uniform integer in [0,n); it drives fallback moves and
	// house bot play.
	Rand func(n int) int
}

type Orchestrator struct {
	store    store.Store
	ledger   ledger.Gateway
	cache    *ledger.Cache
	fees     ledger.Fees
	tuning   tuning.Tuning
	notifier Notifier
	events   EventSink
	archive  string
	logger   *log.Logger
	now      func() time.Time
	rand     func(int) int

	queue *queue.Manager

	activeMu sync.Mutex
	active   map[string]int

	tickMu sync.Mutex

	recoverMu sync.Mutex
	recovered bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("orchestrator: ledger is required")
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, protocol.WrapError(protocol.ErrConfig, "tuning", err)
	}
	o := &Orchestrator{
		store:    opts.Store,
		ledger:   opts.Ledger,
		tuning:   opts.Tuning,
		fees:     feesFromTuning(opts.Tuning.Payout),
		notifier: opts.Notifier,
		events:   opts.Events,
		archive:  opts.ArchiveDir,
		logger:   opts.Logger,
		now:      opts.Now,
		rand:     opts.Rand,
		active:   map[string]int{},
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard, "", 0)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.rand == nil {
		o.rand = rand.IntN
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	o.cache = ledger.NewCache(o.ledger, o.tuning.LedgerCacheTTL(), o.now)
	o.queue = queue.New(queue.Options{
		SeatsPerCycle: o.tuning.Slots * o.tuning.MaxFighters,
		InitialCycle:  o.tuning.InitialCycle(),
		Active:        o.isActive,
		Now:           o.now,
	})
	return o, nil
}

func feesFromTuning(p tuning.Payout) ledger.Fees {
	f := ledger.Fees{
		AdminFeeBps:       uint64(p.AdminFeeBps),
		SponsorshipFeeBps: uint64(p.SponsorshipFeeBps),
		TreasuryCutBps:    uint64(p.TreasuryCutBps),
	}
	for _, bps := range p.PlaceSplitBps {
		f.PlaceSplitBps = append(f.PlaceSplitBps, uint64(bps))
	}
	return f
}

// Init creates the configured slot rows. It is safe to call from every process.
func (o *Orchestrator) Init(ctx context.Context) error {
	return o.store.EnsureSlots(ctx, o.tuning.Slots, o.now())
}

// Tick runs recovery once, then gives every slot a chance to take one
// forward transition. Ledger failures leave the slot as it was and are not
// returned; the next tick retries them.
func (o *Orchestrator) Tick(ctx context.Context) (err error) {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	ctx, span := tracer.Start(ctx, "orchestrator.Tick")
	defer func() { endSpan(span, err) }()

	if err := o.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	now := o.now()

	slots, err := o.store.LoadSlots(ctx)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}
	o.setActive(slots)
	if err := o.reloadQueue(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if err := o.autoFillHouseBots(ctx, now); err != nil {
		o.logger.Printf("house bot fill failed err=%v", err)
	}

	var errs []error
	for _, sl := range slots {
		if err := o.tickSlot(ctx, sl, now); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", sl.Index, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) tickSlot(ctx context.Context, sl store.Slot, now time.Time) (err error) {
	ctx, span := tracer.Start(ctx, "orchestrator.slot", trace.WithAttributes(
		attribute.Int("slot.index", sl.Index),
		attribute.String("slot.state", sl.State),
		attribute.Int64("rumble.id", int64(sl.RumbleID)),
	))
	defer func() { endSpan(span, err) }()

	switch sl.State {
	case StateIdle:
		err = o.tickIdle(ctx, sl, now)
	case StateBetting:
		err = o.tickBetting(ctx, sl, now)
	case StateCombat:
		err = o.tickCombat(ctx, sl, now)
	case StatePayout:
		err = o.tickPayout(ctx, sl, now)
	default:
		err = fmt.Errorf("unknown slot state %q", sl.State)
	}
	return o.absorb(sl, err)
}

// absorb turns expected outcomes into success: a lost compare-and-set means
// another process already moved the slot, and ledger trouble is retried on
// the next tick.
func (o *Orchestrator) absorb(sl store.Slot, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrStaleState), errors.Is(err, protocol.StaleState):
		return nil
	case errors.Is(err, protocol.LedgerUnavailable):
		o.logger.Printf("ledger unavailable slot=%d state=%s rumble=%d err=%v", sl.Index, sl.State, sl.RumbleID, err)
		o.event(plog.Event{Kind: plog.KindLedgerError, Slot: sl.Index, RumbleID: sl.RumbleID, From: sl.State, Detail: err.Error()})
		return nil
	}
	return err
}

// ledgerErr classifies a gateway error. Rejections are retried the same way
// as outages: the slot stays put and the next tick reads the ledger again.
func ledgerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return protocol.WrapError(protocol.ErrLedgerUnavailable, op, err)
}

// save writes sl with compare-and-set and logs the transition when the state
// changed.
func (o *Orchestrator) save(ctx context.Context, prev, next store.Slot, fx store.Effects) (store.Slot, error) {
	saved, err := o.store.SaveSlotState(ctx, next, fx, o.now())
	if err != nil {
		return store.Slot{}, err
	}
	if prev.State != next.State {
		o.logger.Printf("slot=%d %s -> %s rumble=%d", next.Index, prev.State, next.State, firstNonZero(next.RumbleID, prev.RumbleID))
		o.event(plog.Event{
			Kind:     plog.KindSlotTransition,
			Slot:     next.Index,
			RumbleID: firstNonZero(next.RumbleID, prev.RumbleID),
			From:     prev.State,
			To:       next.State,
		})
	}
	return saved, nil
}

func firstNonZero(a, b uint64) uint64 {
	if a != 0 {
		return a
	}
	return b
}

func (o *Orchestrator) event(e plog.Event) {
	if o.events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = o.now().UTC()
	}
	if err := o.events.WriteEvent(e); err != nil {
		o.logger.Printf("event log write failed kind=%s err=%v", e.Kind, err)
	}
}

func (o *Orchestrator) desync(sl store.Slot, detail string) {
	o.logger.Printf("WARN ledger desync slot=%d rumble=%d local=%s: %s", sl.Index, sl.RumbleID, sl.State, detail)
	o.event(plog.Event{Kind: plog.KindLedgerDesync, Slot: sl.Index, RumbleID: sl.RumbleID, From: sl.State, Detail: detail})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// freshState always asks the ledger and refreshes the projection cache with
// the answer.
func (o *Orchestrator) freshState(ctx context.Context, rumbleID uint64) (ledger.AccountState, error) {
	st, err := o.ledger.ReadAccountState(ctx, rumbleID)
	if err != nil {
		return ledger.AccountState{}, err
	}
	o.cache.Observe(st)
	return st, nil
}

func (o *Orchestrator) setActive(slots []store.Slot) {
	active := map[string]int{}
	for _, sl := range slots {
		if sl.State == StateIdle {
			continue
		}
		for _, id := range sl.Fighters {
			active[id] = sl.Index
		}
	}
	o.activeMu.Lock()
	o.active = active
	o.activeMu.Unlock()
}

func (o *Orchestrator) isActive(fighterID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	_, ok := o.active[fighterID]
	return ok
}

func (o *Orchestrator) reloadQueue(ctx context.Context) error {
	rows, err := o.store.LoadQueueFighters(ctx)
	if err != nil {
		return err
	}
	entries := make([]queue.Entry, 0, len(rows))
	for _, q := range rows {
		entries = append(entries, queue.Entry{FighterID: q.FighterID, JoinedAt: q.JoinedAt, AutoRequeue: q.AutoRequeue})
	}
	o.queue.Load(entries)
	return nil
}
