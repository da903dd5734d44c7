package combat

type Result string

const (
	ResultTrade      Result = "TRADE"
	ResultAHit       Result = "A_HIT"
	ResultABlocked   Result = "A_BLOCKED"
	ResultADodged    Result = "A_DODGED"
	ResultACaught    Result = "A_CAUGHT"
	ResultBHit       Result = "B_HIT"
	ResultBBlocked   Result = "B_BLOCKED"
	ResultBDodged    Result = "B_DODGED"
	ResultBCaught    Result = "B_CAUGHT"
	ResultBothDefend Result = "BOTH_DEFEND"
)

var mirrored = map[Result]Result{
	ResultTrade:      ResultTrade,
	ResultAHit:       ResultBHit,
	ResultABlocked:   ResultBBlocked,
	ResultADodged:    ResultBDodged,
	ResultACaught:    ResultBCaught,
	ResultBHit:       ResultAHit,
	ResultBBlocked:   ResultABlocked,
	ResultBDodged:    ResultADodged,
	ResultBCaught:    ResultACaught,
	ResultBothDefend: ResultBothDefend,
}

// Exchange is the outcome of one pair of simultaneous moves. A_* results name
// what fighter A achieved (A_BLOCKED: A's guard held).
type Exchange struct {
	Result    Result `json:"result"`
	MoveA     Move   `json:"move_a"`
	MoveB     Move   `json:"move_b"`
	DamageToA int    `json:"damage_to_a"`
	DamageToB int    `json:"damage_to_b"`
	MeterA    int    `json:"meter_a"`
	MeterB    int    `json:"meter_b"`
}

// Mirror reports the same exchange from B's side.
func (e Exchange) Mirror() Exchange {
	return Exchange{
		Result:    mirrored[e.Result],
		MoveA:     e.MoveB,
		MoveB:     e.MoveA,
		DamageToA: e.DamageToB,
		DamageToB: e.DamageToA,
		MeterA:    e.MeterB,
		MeterB:    e.MeterA,
	}
}

// Resolve evaluates moves a and b played simultaneously by fighters holding
// meterA and meterB. A SPECIAL played without enough meter counts as no action.
func (r Rules) Resolve(a, b Move, meterA, meterB int) Exchange {
	if !r.Legal(a, meterA) {
		a = MoveNone
	}
	if !r.Legal(b, meterB) {
		b = MoveNone
	}

	hitB := r.offense(a, b)
	hitA := r.offense(b, a)
	toA, toB := hitA, hitB
	if a.IsStrike() && b.Blocks(a) {
		toA += r.CounterDamage
	}
	if b.IsStrike() && a.Blocks(b) {
		toB += r.CounterDamage
	}

	var res Result
	switch {
	case a == MoveCatch && b == MoveDodge:
		res = ResultACaught
	case b == MoveCatch && a == MoveDodge:
		res = ResultBCaught
	case hitA > 0 && hitB > 0:
		res = ResultTrade
	case hitB > 0:
		res = ResultAHit
	case hitA > 0:
		res = ResultBHit
	case b.IsStrike() && a.Blocks(b):
		res = ResultABlocked
	case a.IsStrike() && b.Blocks(a):
		res = ResultBBlocked
	case a == MoveDodge && attacks(b):
		res = ResultADodged
	case b == MoveDodge && attacks(a):
		res = ResultBDodged
	default:
		res = ResultBothDefend
	}

	return Exchange{
		Result:    res,
		MoveA:     a,
		MoveB:     b,
		DamageToA: toA,
		DamageToB: toB,
		MeterA:    r.nextMeter(meterA, a, b, hitB > 0),
		MeterB:    r.nextMeter(meterB, b, a, hitA > 0),
	}
}

// offense is the damage x's move deals to a fighter playing y.
func (r Rules) offense(x, y Move) int {
	switch {
	case x.IsStrike():
		if y == MoveDodge || y.Blocks(x) {
			return 0
		}
		return r.strikeDamage(x)
	case x == MoveSpecial:
		if y == MoveDodge {
			return 0
		}
		return r.SpecialDamage
	case x == MoveCatch:
		if y == MoveDodge {
			return r.CatchDamage
		}
	}
	return 0
}

func (r Rules) nextMeter(meter int, own, other Move, landed bool) int {
	if own == MoveSpecial {
		return 0
	}
	gained := landed ||
		(other.IsStrike() && own.Blocks(other)) ||
		(own == MoveDodge && attacks(other))
	if !gained {
		return meter
	}
	meter += r.MeterGain
	if meter > r.MeterMax {
		meter = r.MeterMax
	}
	return meter
}

func attacks(m Move) bool {
	return m.IsStrike() || m == MoveSpecial
}
