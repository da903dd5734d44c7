package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.Slots != 3 || tu.MinFighters != 4 || tu.MaxFighters != 16 {
		t.Fatalf("slots=%d min=%d max=%d", tu.Slots, tu.MinFighters, tu.MaxFighters)
	}
	if tu.Combat.SpecialCost != 50 || tu.Combat.MeterMax != 100 {
		t.Fatalf("meter rules=%+v", tu.Combat)
	}
	if tu.CommitWindow() != 8*time.Second {
		t.Fatalf("commit window=%v", tu.CommitWindow())
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("slots: 5\ncombat:\n  max_turns: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.Slots != 5 || tu.Combat.MaxTurns != 10 {
		t.Fatalf("overrides lost: %+v", tu)
	}
	if tu.Combat.HighDamage != 15 || tu.BettingWindowMs != Defaults().BettingWindowMs {
		t.Fatalf("defaults lost: %+v", tu)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("min_fighters: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
	bad := Defaults()
	bad.Payout.PlaceSplitBps = []int{5000, 5000, 1}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected split error")
	}
}
