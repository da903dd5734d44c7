package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rumblearena.ai/internal/persistence/archive"
	persistlog "rumblearena.ai/internal/persistence/log"
)

func main() {
	var (
		archivePath = flag.String("archive", "", "path to a .rumble.zst archive")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		rumbleID    = flag.Uint64("rumble", 0, "rumble id to look up under -data (optional)")
		all         = flag.Bool("all", false, "verify every archive under -data")
		turns       = flag.Bool("turns", false, "print every resolved turn")
		events      = flag.Bool("events", false, "print event log lines for the rumble")
	)
	flag.Parse()

	var paths []string
	switch {
	case *archivePath != "":
		paths = []string{*archivePath}
	case *rumbleID != 0 || *all:
		found, err := archive.List(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list archives:", err)
			os.Exit(1)
		}
		for _, p := range found {
			if *all || strings.HasSuffix(p, fmt.Sprintf("rumble_%012d.rumble.zst", *rumbleID)) {
				paths = append(paths, p)
			}
		}
		if len(paths) == 0 {
			fmt.Fprintln(os.Stderr, "no matching archive under", filepath.Join(*dataDir, "archives"))
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "missing -archive, -rumble or -all")
		os.Exit(2)
	}

	failed := 0
	for _, path := range paths {
		r, err := archive.Read(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read archive:", err)
			os.Exit(1)
		}
		fmt.Printf("rumble=%d slot=%d match=%s fighters=%d turns=%d winner=%s finished=%s\n",
			r.RumbleID, r.SlotIndex, r.MatchID, len(r.Roster), len(r.Turns), r.WinnerID, r.FinishedAt.UTC().Format("2006-01-02T15:04:05Z"))
		if *turns {
			printTurns(r)
		}

		fighters, err := archive.Replay(r)
		if err != nil {
			fmt.Printf("  replay FAILED: %v\n", err)
			failed++
			continue
		}
		// Placements hold each fighter's rank; print in finishing order.
		order := make([]int, 0, len(r.Placements))
		for i := range r.Placements {
			if i < len(fighters) {
				order = append(order, i)
			}
		}
		sort.Slice(order, func(a, b int) bool { return r.Placements[order[a]] < r.Placements[order[b]] })
		for _, idx := range order {
			f := fighters[idx]
			line := fmt.Sprintf("  #%d %-20s hp=%d dealt=%d taken=%d", r.Placements[idx], f.ID, f.HP, f.DamageDealt, f.DamageTaken)
			if idx < len(r.Pools) {
				line += fmt.Sprintf(" pool=%d", r.Pools[idx])
			}
			fmt.Println(line)
		}
		if r.LedgerResult {
			fmt.Println("  placements adopted from ledger")
		}
		fmt.Println("  replay ok")

		if *events {
			if err := printEvents(*dataDir, r.RumbleID); err != nil {
				fmt.Fprintln(os.Stderr, "read events:", err)
				os.Exit(1)
			}
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d archives failed replay\n", failed, len(paths))
		os.Exit(1)
	}
}

func printTurns(r archive.Rumble) {
	for _, t := range r.Turns {
		ids := make([]string, 0, len(t.Moves))
		for id := range t.Moves {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			p := id + "=" + string(t.Moves[id])
			if why, ok := t.Fallbacks[id]; ok {
				p += "(" + why + ")"
			}
			parts = append(parts, p)
		}
		fmt.Printf("  turn %d pairs=%v bye=%d %s\n", t.Number, t.Pairs, t.Bye, strings.Join(parts, " "))
	}
}

func printEvents(dataDir string, rumbleID uint64) error {
	return persistlog.ReadEvents(dataDir, func(line []byte) error {
		var e persistlog.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if e.RumbleID == rumbleID {
			fmt.Printf("  event %s\n", line)
		}
		return nil
	})
}
