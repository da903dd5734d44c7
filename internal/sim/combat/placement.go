package combat

import "sort"

// Standings orders fighter indices from first place to last. Survivors rank
// ahead of everyone, later eliminations rank ahead of earlier ones. Ties go to
// cumulative damage dealt, then remaining HP, then list order.
func Standings(fighters []Fighter) []int {
	order := make([]int, len(fighters))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := fighters[order[i]], fighters[order[j]]
		if a.Alive() != b.Alive() {
			return a.Alive()
		}
		if a.EliminatedOnTurn != b.EliminatedOnTurn {
			return a.EliminatedOnTurn > b.EliminatedOnTurn
		}
		if a.DamageDealt != b.DamageDealt {
			return a.DamageDealt > b.DamageDealt
		}
		if a.HP != b.HP {
			return a.HP > b.HP
		}
		return order[i] < order[j]
	})
	return order
}

// Placements returns each fighter's 1-indexed finishing rank, indexed like
// fighters, plus the winner's index.
func Placements(fighters []Fighter) (placements []int, winner int) {
	placements = make([]int, len(fighters))
	order := Standings(fighters)
	for rank, idx := range order {
		placements[idx] = rank + 1
	}
	if len(order) == 0 {
		return placements, -1
	}
	return placements, order[0]
}
