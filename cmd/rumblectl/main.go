package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "status":
		statusCmd(args)
	case "queue":
		queueCmd(args)
	case "odds":
		oddsCmd(args)
	case "tick":
		tickCmd(args)
	case "house-bots":
		houseBotsCmd(args)
	case "ensure-onchain":
		ensureOnchainCmd(args)
	case "archive":
		archiveCmd(args)
	case "db":
		dbCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rumblectl <command> [flags]

  status          slot table from a running server
  queue           queued fighters and estimated waits
  odds -slot N    pools and multiples for a slot
  tick            run one keeper tick (admin)
  house-bots -count N
                  queue house bots (admin)
  ensure-onchain -slot N
                  retry opening a slot's ledger betting window (admin)
  archive         list archived rumbles under -data
  db rumbles|fighter <id>
                  read finished rumbles straight from the sqlite store`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
