package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rumblearena.ai/internal/persistence/snapshot"
	"rumblearena.ai/internal/sim/combat"
	"rumblearena.ai/internal/sim/turn"
)

const kindRumble = "rumble"

// Rumble is everything needed to re-resolve a finished rumble offline.
type Rumble struct {
	RumbleID  uint64
	SlotIndex int
	MatchID   string
	Rules     combat.Rules

	Roster []string
	Turns  []turn.Turn

	Final      []combat.Fighter
	Placements []int
	WinnerID   string
	// LedgerResult marks placements adopted from the ledger after a desync;
	// they need not match a local re-resolution.
	LedgerResult bool

	// Ledger view at settlement, when one was read.
	Pools       []uint64
	TreasuryCut uint64

	StartedAt  time.Time
	FinishedAt time.Time
}

type Meta struct {
	RumbleID   uint64 `json:"rumble_id"`
	SlotIndex  int    `json:"slot_index"`
	WinnerID   string `json:"winner_id"`
	Turns      int    `json:"turns"`
	Fighters   int    `json:"fighters"`
	File       string `json:"file"`
	FinishedAt string `json:"finished_at"`
}

// Path returns where rumble id is archived under dataDir.
func Path(dataDir string, finishedAt time.Time, id uint64) string {
	day := finishedAt.UTC().Format("2006-01-02")
	return filepath.Join(dataDir, "archives", day, fmt.Sprintf("rumble_%012d.rumble.zst", id))
}

// Write archives r and drops a meta.json next to it. Writing the same rumble
// twice replaces the earlier file.
func Write(dataDir string, r Rumble) (string, error) {
	path := Path(dataDir, r.FinishedAt, r.RumbleID)
	h := snapshot.Header{
		Kind:      kindRumble,
		RumbleID:  r.RumbleID,
		SlotIndex: r.SlotIndex,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := snapshot.Write(path, h, &r); err != nil {
		return "", err
	}
	meta := Meta{
		RumbleID:   r.RumbleID,
		SlotIndex:  r.SlotIndex,
		WinnerID:   r.WinnerID,
		Turns:      len(r.Turns),
		Fighters:   len(r.Roster),
		File:       filepath.Base(path),
		FinishedAt: r.FinishedAt.UTC().Format(time.RFC3339),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(strings.TrimSuffix(path, ".rumble.zst")+".meta.json", b, 0o644)
	}
	return path, nil
}

func Read(path string) (Rumble, error) {
	var r Rumble
	h, err := snapshot.Read(path, &r)
	if err != nil {
		return Rumble{}, err
	}
	if h.Kind != kindRumble {
		return Rumble{}, fmt.Errorf("%s: not a rumble archive (kind=%q)", path, h.Kind)
	}
	return r, nil
}

// List returns archived rumble files under dataDir, newest day first.
func List(dataDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dataDir, "archives", "*", "rumble_*.rumble.zst"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}
