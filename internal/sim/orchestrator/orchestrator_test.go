package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rumblearena.ai/internal/ledger"
	"rumblearena.ai/internal/persistence/archive"
	plog "rumblearena.ai/internal/persistence/log"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/tuning"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []plog.Event
}

func (r *eventRecorder) WriteEvent(e plog.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) kinds(kind string) []plog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []plog.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	o       *Orchestrator
	store   *store.SQLiteStore
	sim     *ledger.Sim
	clock   *testClock
	events  *eventRecorder
	archive string
}

func testTuning() tuning.Tuning {
	tn := tuning.Defaults()
	tn.Slots = 1
	tn.MinFighters = 4
	tn.MaxFighters = 4
	tn.BettingWindowMs = 10_000
	tn.CommitWindowMs = 2_000
	tn.RevealWindowMs = 2_000
	tn.TurnIntervalMs = 1_000
	tn.SlotCooldownMs = 0
	tn.PayoutGraceMs = 5_000
	tn.PayoutNoBetsMs = 1_000
	tn.LedgerCacheTTLMs = 1_000
	return tn
}

func newHarness(t *testing.T, notifier Notifier) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "rumble.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		store:   st,
		sim:     ledger.NewSim(ledger.FighterKey("rumble-program"), clock.Now),
		clock:   clock,
		events:  &eventRecorder{},
		archive: t.TempDir(),
	}
	h.o = h.newOrchestrator(t, notifier)
	if err := h.o.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h
}

// newOrchestrator starts another process against the same store and ledger.
func (h *harness) newOrchestrator(t *testing.T, notifier Notifier) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Store:      h.store,
		Ledger:     h.sim,
		Tuning:     testTuning(),
		Notifier:   notifier,
		Events:     h.events,
		ArchiveDir: h.archive,
		Now:        h.clock.Now,
		Rand:       func(int) int { return 0 },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func (h *harness) slot(t *testing.T) store.Slot {
	t.Helper()
	sl, err := h.store.LoadSlot(context.Background(), 0)
	if err != nil {
		t.Fatalf("LoadSlot: %v", err)
	}
	return sl
}

// runUntil ticks once per second until the slot reaches state.
func (h *harness) runUntil(t *testing.T, state string, maxTicks int) store.Slot {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if sl := h.slot(t); sl.State == state {
			return sl
		}
		h.clock.Advance(time.Second)
		h.tick(t)
	}
	sl := h.slot(t)
	if sl.State != state {
		t.Fatalf("slot state=%s after %d ticks want=%s", sl.State, maxTicks, state)
	}
	return sl
}

var allowedEdges = map[[2]string]bool{
	{StateIdle, StateBetting}:   true,
	{StateBetting, StateCombat}: true,
	{StateCombat, StatePayout}:  true,
	{StatePayout, StateIdle}:    true,
}

func (h *harness) checkEdges(t *testing.T) []plog.Event {
	t.Helper()
	trs := h.events.kinds(plog.KindSlotTransition)
	for _, e := range trs {
		if !allowedEdges[[2]string{e.From, e.To}] {
			t.Fatalf("illegal transition %s -> %s", e.From, e.To)
		}
	}
	return trs
}

func TestOrchestrator_HouseBotRumbleLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	bots, err := h.o.QueueHouseBotsManually(ctx, 4)
	if err != nil || len(bots) != 4 {
		t.Fatalf("QueueHouseBotsManually bots=%v err=%v", bots, err)
	}
	h.tick(t)
	sl := h.slot(t)
	if sl.State != StateBetting || !sl.Onchain || len(sl.Fighters) != 4 {
		t.Fatalf("after first tick slot=%+v", sl)
	}
	acct, err := h.sim.ReadAccountState(ctx, sl.RumbleID)
	if err != nil || acct.State != ledger.StateBetting {
		t.Fatalf("ledger state=%v err=%v", acct.State, err)
	}
	if q, _ := h.store.LoadQueueFighters(ctx); len(q) != 0 {
		t.Fatalf("queue not consumed: %+v", q)
	}
	if _, err := h.sim.PlaceBet(ctx, sl.RumbleID, ledger.FighterKey("wallet-1"), 0, 1_000_000); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if _, err := h.sim.PlaceBet(ctx, sl.RumbleID, ledger.FighterKey("wallet-2"), 3, 3_000_000); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	h.clock.Advance(10 * time.Second)
	h.tick(t)
	if sl = h.slot(t); sl.State != StateCombat {
		t.Fatalf("after deadline state=%s", sl.State)
	}

	sl = h.runUntil(t, StatePayout, 200)
	cs, err := decodeCombatState(sl.Combat)
	if err != nil {
		t.Fatalf("decode combat: %v", err)
	}
	if !cs.Finished || cs.Resolved == 0 || cs.LedgerResult {
		t.Fatalf("combat finished=%v resolved=%d ledger_result=%v", cs.Finished, cs.Resolved, cs.LedgerResult)
	}
	acct, _ = h.sim.ReadAccountState(ctx, sl.RumbleID)
	if acct.State != ledger.StatePayout || !samePlacements(cs.Placements, acct.Placements) {
		t.Fatalf("ledger state=%s placements=%v local=%v", acct.State, acct.Placements, cs.Placements)
	}
	seen := map[int]bool{}
	for _, p := range cs.Placements {
		seen[p] = true
	}
	for p := 1; p <= 4; p++ {
		if !seen[p] {
			t.Fatalf("placements %v are not a permutation", cs.Placements)
		}
	}
	if cs.Placements[cs.Winner] != 1 {
		t.Fatalf("winner %d has placement %d", cs.Winner, cs.Placements[cs.Winner])
	}

	turns, err := h.store.LoadTurns(ctx, sl.RumbleID)
	if err != nil || len(turns) != cs.Resolved {
		t.Fatalf("turn log n=%d want=%d err=%v", len(turns), cs.Resolved, err)
	}
	if memos := h.sim.Memos(); len(memos) == 0 {
		t.Fatalf("expected turn memos")
	}

	rec, err := h.store.LoadRumble(ctx, sl.RumbleID)
	if err != nil {
		t.Fatalf("LoadRumble: %v", err)
	}
	if rec.WinnerID != cs.winnerID() || rec.ArchivePath == "" {
		t.Fatalf("rumble record=%+v", rec)
	}
	r, err := archive.Read(rec.ArchivePath)
	if err != nil {
		t.Fatalf("archive.Read: %v", err)
	}
	if _, err := archive.Replay(r); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(r.Pools) != 4 || r.Pools[3] == 0 {
		t.Fatalf("archived pools=%v", r.Pools)
	}

	// Bets were placed, so payout waits out the full grace period.
	h.clock.Advance(4 * time.Second)
	h.tick(t)
	if sl = h.slot(t); sl.State != StatePayout {
		t.Fatalf("payout released early")
	}
	h.clock.Advance(2 * time.Second)
	h.tick(t)
	sl = h.slot(t)
	if sl.State != StateIdle || sl.RumbleID != 0 {
		t.Fatalf("after grace slot=%+v", sl)
	}
	acct, _ = h.sim.ReadAccountState(ctx, rec.RumbleID)
	if acct.State != ledger.StateComplete {
		t.Fatalf("ledger state=%s want complete", acct.State)
	}

	trs := h.checkEdges(t)
	if len(trs) != 4 {
		t.Fatalf("transitions=%d want=4", len(trs))
	}
}

func TestOrchestrator_TickTwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.o.QueueHouseBotsManually(ctx, 4); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}

	steps := []time.Duration{0, 10 * time.Second, time.Second, time.Second, time.Second}
	for i, d := range steps {
		h.clock.Advance(d)
		h.tick(t)
		once := h.slot(t)
		calls := h.sim.Calls("ReportResult") + h.sim.Calls("OpenBetting") + h.sim.Calls("CloseBettingAndStartCombat")
		h.tick(t)
		twice := h.slot(t)
		if once.Version != twice.Version || once.State != twice.State || string(once.Combat) != string(twice.Combat) {
			t.Fatalf("step %d: second tick changed slot v%d/%s -> v%d/%s", i, once.Version, once.State, twice.Version, twice.State)
		}
		if got := h.sim.Calls("ReportResult") + h.sim.Calls("OpenBetting") + h.sim.Calls("CloseBettingAndStartCombat"); got != calls {
			t.Fatalf("step %d: second tick wrote to the ledger", i)
		}
	}
}

func TestOrchestrator_LedgerOutageLeavesSlotUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.o.QueueHouseBotsManually(ctx, 4); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}

	h.sim.FailNext(1, errors.New("connection refused"))
	h.tick(t)
	sl := h.slot(t)
	if sl.State != StateBetting || sl.Onchain {
		t.Fatalf("after failed open slot state=%s onchain=%v", sl.State, sl.Onchain)
	}
	if err := h.o.EnsureOnchainRumbleForSlot(ctx, 0); err != nil {
		t.Fatalf("EnsureOnchainRumbleForSlot: %v", err)
	}
	if sl = h.slot(t); !sl.Onchain {
		t.Fatalf("slot not onchain after retry")
	}
	if _, err := h.sim.ReadAccountState(ctx, sl.RumbleID); err != nil {
		t.Fatalf("ledger account: %v", err)
	}

	h.clock.Advance(10 * time.Second)
	h.sim.FailNext(1, errors.New("503"))
	h.tick(t)
	after := h.slot(t)
	if after.State != StateBetting || after.Version != sl.Version {
		t.Fatalf("ledger outage moved slot: %s v%d -> %s v%d", sl.State, sl.Version, after.State, after.Version)
	}
	if len(h.events.kinds(plog.KindLedgerError)) == 0 {
		t.Fatalf("ledger error not recorded")
	}
	h.tick(t)
	if after = h.slot(t); after.State != StateCombat {
		t.Fatalf("retry state=%s want combat", after.State)
	}
	h.checkEdges(t)
}

func TestOrchestrator_RecoveryAdoptsLedgerPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.o.QueueHouseBotsManually(ctx, 4); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}
	h.tick(t)
	h.clock.Advance(10 * time.Second)
	h.tick(t)
	h.clock.Advance(time.Second)
	h.tick(t)
	sl := h.slot(t)
	if sl.State != StateCombat || sl.TurnCount != 1 {
		t.Fatalf("slot state=%s turns=%d", sl.State, sl.TurnCount)
	}

	// Another keeper already reported a result before this process crashed.
	want := []uint8{3, 1, 4, 2}
	if _, err := h.sim.ReportResult(ctx, sl.RumbleID, want, 1); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	restarted := h.newOrchestrator(t, nil)
	if err := restarted.Tick(ctx); err != nil {
		t.Fatalf("Tick after restart: %v", err)
	}
	sl = h.slot(t)
	if sl.State != StatePayout {
		t.Fatalf("after recovery state=%s want payout", sl.State)
	}
	cs, err := decodeCombatState(sl.Combat)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cs.LedgerResult || !samePlacements(cs.Placements, want) || cs.Winner != 1 {
		t.Fatalf("combat placements=%v winner=%d ledger_result=%v", cs.Placements, cs.Winner, cs.LedgerResult)
	}
	if len(h.events.kinds(plog.KindLedgerDesync)) == 0 {
		t.Fatalf("desync not recorded")
	}
	if len(h.events.kinds(plog.KindRecovery)) == 0 {
		t.Fatalf("recovery not recorded")
	}
	if h.sim.Calls("ReportResult") != 1 {
		t.Fatalf("result reported again: calls=%d", h.sim.Calls("ReportResult"))
	}
	h.checkEdges(t)
}

func TestOrchestrator_RecoveryStartsCombatWhenLedgerActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.o.QueueHouseBotsManually(ctx, 4); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}
	h.tick(t)
	sl := h.slot(t)
	h.clock.Advance(10 * time.Second)
	if _, err := h.sim.CloseBettingAndStartCombat(ctx, sl.RumbleID); err != nil {
		t.Fatalf("CloseBettingAndStartCombat: %v", err)
	}

	restarted := h.newOrchestrator(t, nil)
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if sl = h.slot(t); sl.State != StateCombat {
		t.Fatalf("state=%s want combat", sl.State)
	}
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	// One run for the first process, one for the restarted one.
	if n := len(h.events.kinds(plog.KindRecovery)); n != 2 {
		t.Fatalf("recovery ran %d times", n)
	}
}

func TestOrchestrator_ConcurrentKeepers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	other := h.newOrchestrator(t, nil)
	if _, err := h.o.QueueHouseBotsManually(ctx, 4); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}

	var rumbleID uint64
	for i := 0; i < 300; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, o := range []*Orchestrator{h.o, other} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[j] = o.Tick(ctx)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				t.Fatalf("tick %d: %v", i, err)
			}
		}
		sl := h.slot(t)
		if rumbleID == 0 {
			rumbleID = sl.RumbleID
		}
		if sl.State == StateIdle && i > 0 {
			break
		}
		h.clock.Advance(time.Second)
	}

	recent, err := h.store.RecentRumbles(ctx, 10)
	if err != nil || len(recent) != 1 || recent[0].RumbleID != rumbleID {
		t.Fatalf("recent rumbles=%+v err=%v", recent, err)
	}
	acct, err := h.sim.ReadAccountState(ctx, rumbleID)
	if err != nil || acct.State != ledger.StateComplete {
		t.Fatalf("ledger state=%v err=%v", acct.State, err)
	}
	h.checkEdges(t)
}

func TestOrchestrator_QueueAdmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pos, err := h.o.AddToQueue(ctx, "alpha", false, "http://127.0.0.1:9/hook")
	if err != nil || pos.Position != 1 || pos.EstimatedWait != 0 {
		t.Fatalf("AddToQueue alpha pos=%+v err=%v", pos, err)
	}
	if url, err := h.store.LoadFighterEndpoint(ctx, "alpha"); err != nil || url != "http://127.0.0.1:9/hook" {
		t.Fatalf("endpoint=%q err=%v", url, err)
	}
	pos, err = h.o.AddToQueue(ctx, "bravo", true, "")
	if err != nil || pos.Position != 2 || pos.EstimatedWait <= 0 {
		t.Fatalf("AddToQueue bravo pos=%+v err=%v", pos, err)
	}
	if _, err := h.o.AddToQueue(ctx, "house-07", false, ""); !errors.Is(err, protocol.Admission) {
		t.Fatalf("reserved prefix err=%v", err)
	}
	if _, err := h.o.AddToQueue(ctx, "carol", false, "ftp://x"); !errors.Is(err, protocol.Admission) {
		t.Fatalf("bad webhook err=%v", err)
	}
	if _, err := h.o.AddToQueue(ctx, " ", false, ""); !errors.Is(err, protocol.Admission) {
		t.Fatalf("empty id err=%v", err)
	}

	if _, err := h.o.QueueHouseBotsManually(ctx, 2); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}
	h.tick(t)
	sl := h.slot(t)
	if sl.State != StateBetting || sl.Fighters[0] != "alpha" || sl.Fighters[1] != "bravo" {
		t.Fatalf("seated=%v state=%s", sl.Fighters, sl.State)
	}
	if len(sl.AutoRequeue) != 1 || sl.AutoRequeue[0] != "bravo" {
		t.Fatalf("auto requeue=%v", sl.AutoRequeue)
	}

	if _, err := h.o.AddToQueue(ctx, "alpha", false, ""); !errors.Is(err, protocol.Admission) {
		t.Fatalf("active fighter err=%v", err)
	}
	if err := h.o.SetAutoRequeue(ctx, 0, "alpha", true); err != nil {
		t.Fatalf("SetAutoRequeue: %v", err)
	}
	if err := h.o.SetAutoRequeue(ctx, 0, "bravo", false); err != nil {
		t.Fatalf("SetAutoRequeue: %v", err)
	}
	if err := h.o.SetAutoRequeue(ctx, 0, "zeta", true); !errors.Is(err, protocol.NotParticipant) {
		t.Fatalf("SetAutoRequeue outsider err=%v", err)
	}
	if sl = h.slot(t); len(sl.AutoRequeue) != 1 || sl.AutoRequeue[0] != "alpha" {
		t.Fatalf("auto requeue=%v", sl.AutoRequeue)
	}

	removed, err := h.o.RemoveFromQueue(ctx, "alpha")
	if err != nil || removed {
		t.Fatalf("RemoveFromQueue seated fighter removed=%v err=%v", removed, err)
	}
	if sl = h.slot(t); sl.State != StateBetting {
		t.Fatalf("leaving the queue touched the rumble")
	}
}

func TestOrchestrator_AutoFillHouseBots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	tn := testTuning()
	tn.HouseBots.FillAfterMs = 30_000
	o, err := New(Options{Store: h.store, Ledger: h.sim, Tuning: tn, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := o.AddToQueue(ctx, "alpha", false, ""); err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if sl := h.slot(t); sl.State != StateIdle {
		t.Fatalf("filled too early")
	}
	h.clock.Advance(31 * time.Second)
	if err := o.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	sl := h.slot(t)
	if sl.State != StateBetting || len(sl.Fighters) != 4 || sl.Fighters[0] != "alpha" {
		t.Fatalf("after fill slot state=%s fighters=%v", sl.State, sl.Fighters)
	}
}

func TestOrchestrator_ArchiveFileLayout(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.o.QueueHouseBotsManually(context.Background(), 4); err != nil {
		t.Fatalf("QueueHouseBotsManually: %v", err)
	}
	h.tick(t)
	h.clock.Advance(10 * time.Second)
	h.tick(t)
	sl := h.runUntil(t, StatePayout, 200)

	paths, err := archive.List(h.archive)
	if err != nil || len(paths) != 1 {
		t.Fatalf("archive.List=%v err=%v", paths, err)
	}
	want := fmt.Sprintf("rumble_%012d.rumble.zst", sl.RumbleID)
	if filepath.Base(paths[0]) != want {
		t.Fatalf("archive file=%s want=%s", paths[0], want)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(paths[0]), fmt.Sprintf("rumble_%012d.meta.json", sl.RumbleID))); err != nil {
		t.Fatalf("meta.json: %v", err)
	}
}
