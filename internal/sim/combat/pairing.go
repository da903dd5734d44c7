package combat

import "math/rand/v2"

type Pair struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Pairings shuffles the live fighter indices with a seed derived from the
// rumble and turn, then pairs neighbours. With an odd count the last index
// sits the turn out and is returned as bye (-1 otherwise).
//
// The shuffle is deterministic so a replay of the same rumble pairs the same
// fighters on every turn.
func Pairings(live []int, rumbleID uint64, turn int) (pairs []Pair, bye int) {
	order := make([]int, len(live))
	copy(order, live)

	rng := rand.New(rand.NewPCG(rumbleID, uint64(turn)))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	bye = -1
	if len(order)%2 == 1 {
		bye = order[len(order)-1]
		order = order[:len(order)-1]
	}
	pairs = make([]Pair, 0, len(order)/2)
	for i := 0; i+1 < len(order); i += 2 {
		pairs = append(pairs, Pair{A: order[i], B: order[i+1]})
	}
	return pairs, bye
}
