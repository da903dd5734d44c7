package turn

import (
	"errors"
	"testing"
	"time"

	"rumblearena.ai/internal/sim/combat"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openPair(t *testing.T) (*Turn, []combat.Fighter, map[string]int) {
	t.Helper()
	rules := combat.DefaultRules()
	fighters := rules.NewFighters([]string{"a", "b"})
	index := map[string]int{"a": 0, "b": 1}
	tr := Open(1, []string{"a", "b"}, []combat.Pair{{A: 0, B: 1}}, -1, t0, Windows{Commit: 10 * time.Second, Reveal: 10 * time.Second})
	return tr, fighters, index
}

func first(n int) int { return 0 }

func TestTurn_HappyPath(t *testing.T) {
	tr, fighters, index := openPair(t)
	rules := combat.DefaultRules()

	if err := tr.Commit("a", CommitHash(combat.MoveHighStrike, "s1"), t0.Add(time.Second)); err != nil {
		t.Fatalf("commit a: %v", err)
	}
	if tr.Phase != PhaseCommitted {
		t.Fatalf("phase=%s want=%s", tr.Phase, PhaseCommitted)
	}
	if changed, _ := tr.Advance(t0.Add(time.Second)); changed {
		t.Fatalf("advanced with a commit outstanding")
	}
	if err := tr.Commit("b", CommitHash(combat.MoveGuardMid, "s2"), t0.Add(2*time.Second)); err != nil {
		t.Fatalf("commit b: %v", err)
	}
	changed, ready := tr.Advance(t0.Add(2 * time.Second))
	if !changed || ready || tr.Phase != PhaseRevealOpen {
		t.Fatalf("changed=%v ready=%v phase=%s", changed, ready, tr.Phase)
	}
	if !tr.RevealDeadline.Equal(t0.Add(12 * time.Second)) {
		t.Fatalf("reveal deadline=%v", tr.RevealDeadline)
	}

	if err := tr.Reveal("a", combat.MoveHighStrike, "s1", t0.Add(3*time.Second)); err != nil {
		t.Fatalf("reveal a: %v", err)
	}
	if err := tr.Reveal("b", combat.MoveGuardMid, "s2", t0.Add(3*time.Second)); err != nil {
		t.Fatalf("reveal b: %v", err)
	}
	if _, ready := tr.Advance(t0.Add(3 * time.Second)); !ready {
		t.Fatalf("turn should be ready")
	}

	next, err := tr.Resolve(rules, fighters, index, first, t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if next[1].HP != 85 {
		t.Fatalf("b hp=%d want=85", next[1].HP)
	}
	if len(tr.Fallbacks) != 0 {
		t.Fatalf("unexpected fallbacks: %v", tr.Fallbacks)
	}
	if !tr.Sealed() {
		t.Fatalf("turn not sealed")
	}
	if err := tr.Commit("a", "00", t0.Add(4*time.Second)); !errors.Is(err, ErrSealed) {
		t.Fatalf("commit after seal err=%v", err)
	}
}

func TestTurn_MismatchedRevealFallsBack(t *testing.T) {
	tr, fighters, index := openPair(t)
	rules := combat.DefaultRules()

	_ = tr.Commit("a", CommitHash(combat.MoveGuardHigh, "salt"), t0)
	_ = tr.Commit("b", CommitHash(combat.MoveDodge, "salt"), t0)
	tr.Advance(t0)

	if err := tr.Reveal("a", combat.MoveHighStrike, "salt", t0); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("reveal err=%v want=%v", err, ErrHashMismatch)
	}
	if err := tr.Reveal("a", combat.MoveGuardHigh, "salt", t0); !errors.Is(err, ErrAlreadyRevealed) {
		t.Fatalf("second reveal err=%v", err)
	}
	_ = tr.Reveal("b", combat.MoveDodge, "salt", t0)
	if _, ready := tr.Advance(t0); !ready {
		t.Fatalf("turn should be ready after both answered")
	}

	if _, err := tr.Resolve(rules, fighters, index, first, t0); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tr.Fallbacks["a"] != FallbackHashMismatch {
		t.Fatalf("fallbacks=%v", tr.Fallbacks)
	}
	if tr.Moves["a"] != rules.LegalMoves(0)[0] {
		t.Fatalf("fallback move=%s", tr.Moves["a"])
	}
	if _, ok := tr.Reveals["a"]; ok {
		t.Fatalf("mismatched reveal was stored")
	}
}

func TestTurn_DeadlinesAssignFallbacks(t *testing.T) {
	tr, fighters, index := openPair(t)
	rules := combat.DefaultRules()

	_ = tr.Commit("a", CommitHash(combat.MoveLowStrike, "x"), t0)
	if err := tr.Commit("b", CommitHash(combat.MoveLowStrike, "x"), t0.Add(10*time.Second)); !errors.Is(err, ErrCommitClosed) {
		t.Fatalf("late commit err=%v", err)
	}

	changed, ready := tr.Advance(t0.Add(10 * time.Second))
	if !changed || ready {
		t.Fatalf("changed=%v ready=%v", changed, ready)
	}
	if got := tr.Awaiting(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("awaiting=%v", got)
	}
	if _, ready := tr.Advance(t0.Add(20 * time.Second)); !ready {
		t.Fatalf("reveal deadline passed; turn should be ready")
	}

	picks := 0
	pick := func(n int) int { picks++; return n - 1 }
	if _, err := tr.Resolve(rules, fighters, index, pick, t0.Add(20*time.Second)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if picks != 2 {
		t.Fatalf("picks=%d want=2", picks)
	}
	if tr.Fallbacks["a"] != FallbackNoReveal || tr.Fallbacks["b"] != FallbackNoCommit {
		t.Fatalf("fallbacks=%v", tr.Fallbacks)
	}
	if tr.Moves["b"] == combat.MoveSpecial {
		t.Fatalf("fallback chose SPECIAL without meter")
	}
}

func TestTurn_IllegalSpecialFallsBack(t *testing.T) {
	tr, fighters, index := openPair(t)
	rules := combat.DefaultRules()
	_ = tr.Commit("a", CommitHash(combat.MoveSpecial, "k"), t0)
	_ = tr.Commit("b", CommitHash(combat.MoveDodge, "k"), t0)
	tr.Advance(t0)
	if err := tr.Reveal("a", combat.MoveSpecial, "k", t0); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	_ = tr.Reveal("b", combat.MoveDodge, "k", t0)
	tr.Advance(t0)
	if _, err := tr.Resolve(rules, fighters, index, first, t0); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tr.Fallbacks["a"] != FallbackIllegalMove {
		t.Fatalf("fallbacks=%v", tr.Fallbacks)
	}
}

func TestTurn_CommitRules(t *testing.T) {
	tr, _, _ := openPair(t)
	h := CommitHash(combat.MoveDodge, "q")
	if err := tr.Commit("zed", h, t0); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err=%v", err)
	}
	if err := tr.Commit("a", "nothex", t0); err == nil {
		t.Fatalf("expected bad hash error")
	}
	if err := tr.Commit("a", h, t0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tr.Commit("a", h, t0); err != nil {
		t.Fatalf("repeat commit should be accepted: %v", err)
	}
	if err := tr.Commit("a", CommitHash(combat.MoveCatch, "q"), t0); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("err=%v", err)
	}
	if err := tr.Reveal("a", combat.MoveDodge, "q", t0); !errors.Is(err, ErrRevealNotOpen) {
		t.Fatalf("early reveal err=%v", err)
	}
}

func TestCommitHash_Format(t *testing.T) {
	got := CommitHash(combat.MoveDodge, "abc")
	if len(got) != 64 {
		t.Fatalf("len=%d", len(got))
	}
	if got != CommitHash(combat.MoveDodge, "abc") || got == CommitHash(combat.MoveDodge, "abd") {
		t.Fatalf("hash not stable/unique")
	}
}
