package combat

import "testing"

func TestPlacements_EliminationOrder(t *testing.T) {
	fighters := make([]Fighter, 8)
	for i := range fighters {
		fighters[i] = Fighter{ID: string(rune('1' + i))}
	}
	// F3,F7,F1,F5,F8,F2,F6 fall on turns 1..7; F4 survives.
	for turn, n := range []int{3, 7, 1, 5, 8, 2, 6} {
		fighters[n-1].EliminatedOnTurn = turn + 1
	}
	fighters[3].HP = 40

	placements, winner := Placements(fighters)
	if winner != 3 {
		t.Fatalf("winner=%d want=3", winner)
	}
	want := map[int]int{4: 1, 6: 2, 2: 3, 8: 4, 5: 5, 1: 6, 7: 7, 3: 8}
	for n, place := range want {
		if placements[n-1] != place {
			t.Fatalf("F%d placement=%d want=%d", n, placements[n-1], place)
		}
	}

	seen := map[int]bool{}
	for _, p := range placements {
		if p < 1 || p > len(fighters) || seen[p] {
			t.Fatalf("placements not a permutation: %v", placements)
		}
		seen[p] = true
	}
}

func TestPlacements_TiesByDamageDealt(t *testing.T) {
	fighters := []Fighter{
		{ID: "a", EliminatedOnTurn: 5, DamageDealt: 10},
		{ID: "b", EliminatedOnTurn: 5, DamageDealt: 40},
		{ID: "c", HP: 5, DamageDealt: 1},
	}
	placements, winner := Placements(fighters)
	if winner != 2 {
		t.Fatalf("winner=%d want=2", winner)
	}
	if placements[1] != 2 || placements[0] != 3 {
		t.Fatalf("placements=%v want [3 2 1]", placements)
	}
}

func TestResolveTurn_EliminatesAfterAllPairs(t *testing.T) {
	r := DefaultRules()
	fighters := r.NewFighters([]string{"a", "b", "c"})
	fighters[0].HP = 10
	fighters[1].HP = 10

	moves := []Move{MoveHighStrike, MoveMidStrike, MoveDodge}
	next, results := r.ResolveTurn(fighters, moves, []Pair{{A: 0, B: 1}}, 4)

	if len(results) != 1 || results[0].Result != ResultTrade {
		t.Fatalf("results=%+v", results)
	}
	if next[0].EliminatedOnTurn != 4 || next[1].EliminatedOnTurn != 4 {
		t.Fatalf("both fighters should fall on turn 4: %+v", next)
	}
	if next[0].HP != 0 || next[1].HP != 0 {
		t.Fatalf("hp not clamped: %+v", next)
	}
	if next[2].HP != r.StartingHP || next[2].Meter != 0 {
		t.Fatalf("bye fighter changed: %+v", next[2])
	}
	if next[0].DamageDealt != 15 || next[1].DamageDealt != 12 {
		t.Fatalf("damage dealt a=%d b=%d", next[0].DamageDealt, next[1].DamageDealt)
	}
	if fighters[0].HP != 10 {
		t.Fatalf("input slice mutated")
	}
	if !r.Finished(next, 4) {
		t.Fatalf("one fighter left; rumble should be finished")
	}
}

func TestFinished_TurnCap(t *testing.T) {
	r := DefaultRules()
	r.MaxTurns = 3
	fighters := r.NewFighters([]string{"a", "b"})
	if r.Finished(fighters, 2) {
		t.Fatalf("finished early")
	}
	if !r.Finished(fighters, 3) {
		t.Fatalf("turn cap not honoured")
	}
}
