package combat

import "testing"

func TestPairings_DeterministicAndComplete(t *testing.T) {
	live := []int{0, 2, 3, 5, 6}
	p1, bye1 := Pairings(live, 42, 7)
	p2, bye2 := Pairings(live, 42, 7)
	if bye1 != bye2 || len(p1) != len(p2) {
		t.Fatalf("pairings not deterministic")
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatalf("pair %d differs: %+v vs %+v", i, p1[i], p2[i])
		}
	}
	if len(p1) != 2 || bye1 < 0 {
		t.Fatalf("pairs=%d bye=%d", len(p1), bye1)
	}

	seen := map[int]int{bye1: 1}
	for _, p := range p1 {
		seen[p.A]++
		seen[p.B]++
	}
	for _, idx := range live {
		if seen[idx] != 1 {
			t.Fatalf("fighter %d seen %d times", idx, seen[idx])
		}
	}
}

func TestPairings_EvenHasNoBye(t *testing.T) {
	pairs, bye := Pairings([]int{0, 1, 2, 3}, 1, 1)
	if bye != -1 || len(pairs) != 2 {
		t.Fatalf("pairs=%v bye=%d", pairs, bye)
	}
}
