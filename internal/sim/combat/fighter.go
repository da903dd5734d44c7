package combat

// Fighter is one participant's combat state inside a rumble.
type Fighter struct {
	ID          string `json:"id"`
	HP          int    `json:"hp"`
	Meter       int    `json:"meter"`
	DamageDealt int    `json:"total_damage_dealt"`
	DamageTaken int    `json:"total_damage_taken"`

	// EliminatedOnTurn is 0 while the fighter is standing. Turns count from 1.
	EliminatedOnTurn int `json:"eliminated_on_turn,omitempty"`
}

func (f Fighter) Alive() bool { return f.EliminatedOnTurn == 0 }

func (r Rules) NewFighters(ids []string) []Fighter {
	out := make([]Fighter, len(ids))
	for i, id := range ids {
		out[i] = Fighter{ID: id, HP: r.StartingHP}
	}
	return out
}

// Live returns the indices of fighters still standing.
func Live(fighters []Fighter) []int {
	out := make([]int, 0, len(fighters))
	for i, f := range fighters {
		if f.Alive() {
			out = append(out, i)
		}
	}
	return out
}

func Remaining(fighters []Fighter) int {
	n := 0
	for _, f := range fighters {
		if f.Alive() {
			n++
		}
	}
	return n
}

// Finished reports whether a rumble that has resolved turn turns is over.
func (r Rules) Finished(fighters []Fighter, turns int) bool {
	if Remaining(fighters) <= 1 {
		return true
	}
	return r.MaxTurns > 0 && turns >= r.MaxTurns
}

// PairResult is one resolved exchange inside a turn, indexed into the rumble's fighter list.
type PairResult struct {
	A int `json:"a"`
	B int `json:"b"`
	Exchange
}

// ResolveTurn applies moves (indexed like fighters) for every pair and returns
// the updated fighters. Eliminations are applied after all pairs resolve, so a
// fighter knocked out this turn still deals its damage.
func (r Rules) ResolveTurn(fighters []Fighter, moves []Move, pairs []Pair, turn int) ([]Fighter, []PairResult) {
	next := make([]Fighter, len(fighters))
	copy(next, fighters)

	results := make([]PairResult, 0, len(pairs))
	for _, p := range pairs {
		fa, fb := next[p.A], next[p.B]
		ex := r.Resolve(moves[p.A], moves[p.B], fa.Meter, fb.Meter)

		fa.HP -= ex.DamageToA
		fa.DamageTaken += ex.DamageToA
		fa.DamageDealt += ex.DamageToB
		fa.Meter = ex.MeterA

		fb.HP -= ex.DamageToB
		fb.DamageTaken += ex.DamageToB
		fb.DamageDealt += ex.DamageToA
		fb.Meter = ex.MeterB

		next[p.A], next[p.B] = fa, fb
		results = append(results, PairResult{A: p.A, B: p.B, Exchange: ex})
	}

	for i := range next {
		if next[i].Alive() && next[i].HP <= 0 {
			next[i].HP = 0
			next[i].EliminatedOnTurn = turn
		}
	}
	return next, results
}
