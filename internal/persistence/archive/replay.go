package archive

import (
	"fmt"
	"slices"

	"rumblearena.ai/internal/sim/combat"
)

// Replay re-resolves every archived turn from the recorded moves and checks
// pairings, exchanges, the final roster and the placements against what was
// archived. It returns the recomputed fighters.
func Replay(r Rumble) ([]combat.Fighter, error) {
	if err := r.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	fighters := r.Rules.NewFighters(r.Roster)
	index := make(map[string]int, len(r.Roster))
	for i, id := range r.Roster {
		index[id] = i
	}

	for i, t := range r.Turns {
		if t.Number != i+1 {
			return nil, fmt.Errorf("turn %d recorded as number %d", i+1, t.Number)
		}
		pairs, bye := combat.Pairings(combat.Live(fighters), r.RumbleID, t.Number)
		if !slices.Equal(pairs, t.Pairs) || bye != t.Bye {
			return nil, fmt.Errorf("turn %d: pairings differ: got=%v bye=%d recorded=%v bye=%d", t.Number, pairs, bye, t.Pairs, t.Bye)
		}
		moves := make([]combat.Move, len(fighters))
		for id, m := range t.Moves {
			idx, ok := index[id]
			if !ok {
				return nil, fmt.Errorf("turn %d: unknown fighter %s", t.Number, id)
			}
			moves[idx] = m
		}
		next, results := r.Rules.ResolveTurn(fighters, moves, pairs, t.Number)
		if len(results) != len(t.Results) {
			return nil, fmt.Errorf("turn %d: %d results, recorded %d", t.Number, len(results), len(t.Results))
		}
		for j := range results {
			if results[j] != t.Results[j] {
				return nil, fmt.Errorf("turn %d pair %d: got %+v recorded %+v", t.Number, j, results[j], t.Results[j])
			}
		}
		fighters = next
	}

	if len(r.Final) > 0 && !slices.Equal(fighters, r.Final) {
		return fighters, fmt.Errorf("final fighters differ from archive")
	}
	if len(r.Placements) > 0 && !r.LedgerResult {
		placements, winner := combat.Placements(fighters)
		if !slices.Equal(placements, r.Placements) {
			return fighters, fmt.Errorf("placements %v, archived %v", placements, r.Placements)
		}
		if r.WinnerID != "" && fighters[winner].ID != r.WinnerID {
			return fighters, fmt.Errorf("winner %s, archived %s", fighters[winner].ID, r.WinnerID)
		}
	}
	return fighters, nil
}
