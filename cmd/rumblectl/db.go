package main

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"rumblearena.ai/internal/persistence/archive"
	"rumblearena.ai/internal/persistence/store"
)

func archiveCmd(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	paths, err := archive.List(*dataDir)
	if err != nil {
		fatalf("list archives: %v", err)
	}
	if len(paths) == 0 {
		pterm.Info.Printfln("no archives under %s", filepath.Join(*dataDir, "archives"))
		return
	}
	if len(paths) > *limit {
		paths = paths[:*limit]
	}
	rows := pterm.TableData{{"Rumble", "Slot", "Fighters", "Turns", "Winner", "Finished", "File"}}
	for _, p := range paths {
		r, err := archive.Read(p)
		if err != nil {
			pterm.Warning.Printfln("%s: %v", p, err)
			continue
		}
		rows = append(rows, []string{
			strconv.FormatUint(r.RumbleID, 10),
			strconv.Itoa(r.SlotIndex),
			strconv.Itoa(len(r.Roster)),
			strconv.Itoa(len(r.Turns)),
			r.WinnerID,
			r.FinishedAt.Local().Format(time.DateTime),
			filepath.Base(p),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/rumble.db)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "rumbles"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "rumble.db")
	}
	st, err := store.OpenSQLite(path)
	if err != nil {
		fatalf("open %s: %v", path, err)
	}
	defer st.Close()
	ctx := context.Background()

	switch q {
	case "rumbles":
		recs, err := st.RecentRumbles(ctx, *limit)
		if err != nil {
			fatalf("rumbles: %v", err)
		}
		rows := pterm.TableData{{"Rumble", "Slot", "Fighters", "Turns", "Winner", "Duration", "Finished"}}
		for _, r := range recs {
			rows = append(rows, []string{
				strconv.FormatUint(r.RumbleID, 10),
				strconv.Itoa(r.SlotIndex),
				strconv.Itoa(len(r.Fighters)),
				strconv.Itoa(r.Turns),
				r.WinnerID,
				r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
				r.FinishedAt.Local().Format(time.DateTime),
			})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	case "fighter":
		if fs.NArg() < 2 {
			fatalf("usage: rumblectl db fighter <id>")
		}
		rec, err := st.LoadFighterRecord(ctx, fs.Arg(1))
		if errors.Is(err, store.ErrNotFound) {
			fatalf("fighter %s has no finished rumbles", fs.Arg(1))
		}
		if err != nil {
			fatalf("fighter: %v", err)
		}
		_ = pterm.DefaultTable.WithData(pterm.TableData{
			{"Fighter", rec.FighterID},
			{"Rumbles", strconv.Itoa(rec.Rumbles)},
			{"Wins", strconv.Itoa(rec.Wins)},
			{"Podiums", strconv.Itoa(rec.Podiums)},
			{"Damage dealt", strconv.Itoa(rec.DamageDealt)},
			{"Damage taken", strconv.Itoa(rec.DamageTaken)},
			{"Last rumble", strconv.FormatUint(rec.LastRumbleID, 10)},
		}).Render()

	default:
		fatalf("unknown db query %q (want rumbles or fighter)", q)
	}
}
