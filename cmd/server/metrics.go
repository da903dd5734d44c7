package main

import (
	"fmt"
	"io"

	"rumblearena.ai/internal/sim/orchestrator"
)

var slotStates = []string{
	orchestrator.StateIdle,
	orchestrator.StateBetting,
	orchestrator.StateCombat,
	orchestrator.StatePayout,
}

// writeMetrics renders a status projection in the Prometheus text format.
func writeMetrics(w io.Writer, s orchestrator.Status) {
	fmt.Fprintf(w, "# HELP rumble_slot_state Current slot state (1 for the active state).\n")
	fmt.Fprintf(w, "# TYPE rumble_slot_state gauge\n")
	for _, sl := range s.Slots {
		for _, state := range slotStates {
			v := 0
			if sl.State == state {
				v = 1
			}
			fmt.Fprintf(w, "rumble_slot_state{slot=\"%d\",state=%q} %d\n", sl.SlotIndex, state, v)
		}
	}

	fmt.Fprintf(w, "# HELP rumble_slot_fighters Fighters seated in the slot.\n")
	fmt.Fprintf(w, "# TYPE rumble_slot_fighters gauge\n")
	for _, sl := range s.Slots {
		fmt.Fprintf(w, "rumble_slot_fighters{slot=\"%d\"} %d\n", sl.SlotIndex, len(sl.Fighters))
	}

	fmt.Fprintf(w, "# HELP rumble_slot_remaining_fighters Fighters still standing.\n")
	fmt.Fprintf(w, "# TYPE rumble_slot_remaining_fighters gauge\n")
	for _, sl := range s.Slots {
		fmt.Fprintf(w, "rumble_slot_remaining_fighters{slot=\"%d\"} %d\n", sl.SlotIndex, sl.Remaining)
	}

	fmt.Fprintf(w, "# HELP rumble_slot_turns Turns resolved in the current rumble.\n")
	fmt.Fprintf(w, "# TYPE rumble_slot_turns gauge\n")
	for _, sl := range s.Slots {
		fmt.Fprintf(w, "rumble_slot_turns{slot=\"%d\"} %d\n", sl.SlotIndex, sl.TurnCount)
	}

	fmt.Fprintf(w, "# HELP rumble_slot_total_deployed_lamports Net lamports in the rumble's betting pools.\n")
	fmt.Fprintf(w, "# TYPE rumble_slot_total_deployed_lamports gauge\n")
	for _, sl := range s.Slots {
		fmt.Fprintf(w, "rumble_slot_total_deployed_lamports{slot=\"%d\"} %d\n", sl.SlotIndex, sl.TotalDeployed)
	}

	fmt.Fprintf(w, "# HELP rumble_queue_depth Fighters waiting for a slot.\n")
	fmt.Fprintf(w, "# TYPE rumble_queue_depth gauge\n")
	fmt.Fprintf(w, "rumble_queue_depth %d\n", len(s.Queue))

	fmt.Fprintf(w, "# HELP rumble_average_cycle_ms Observed idle-to-idle slot cycle.\n")
	fmt.Fprintf(w, "# TYPE rumble_average_cycle_ms gauge\n")
	fmt.Fprintf(w, "rumble_average_cycle_ms %d\n", s.AverageCycleMs)
}
