package ledger

import (
	"math"
	"math/bits"
)

// Fees is the program's fee schedule in basis points.
type Fees struct {
	AdminFeeBps       uint64
	SponsorshipFeeBps uint64
	TreasuryCutBps    uint64
	PlaceSplitBps     []uint64
}

func DefaultFees() Fees {
	return Fees{
		AdminFeeBps:       100,
		SponsorshipFeeBps: 500,
		TreasuryCutBps:    1_000,
		PlaceSplitBps:     []uint64{7_000, 2_000, 1_000},
	}
}

// Split divides a gross bet the way place_bet does.
func (f Fees) Split(amount uint64) (net, adminFee, sponsorshipFee uint64) {
	adminFee = mulDiv(amount, f.AdminFeeBps, 10_000)
	sponsorshipFee = mulDiv(amount, f.SponsorshipFeeBps, 10_000)
	return amount - adminFee - sponsorshipFee, adminFee, sponsorshipFee
}

// PlacePayout is what bettors on one fighter receive after settlement.
type PlacePayout struct {
	FighterIndex int    `json:"fighter_index"`
	Placement    int    `json:"placement"`
	Pool         uint64 `json:"pool"`
	Winnings     uint64 `json:"winnings"`
	// Multiple is total returned per lamport staked; 0 for losing fighters.
	Multiple float64 `json:"multiple"`
}

// ProjectPayouts mirrors claim_payout: fighters outside the paid places form
// the losers' pool, the treasury takes its cut, and each paid place shares
// its split pro rata. Fighters sharing a place share that place's pool.
func (f Fees) ProjectPayouts(st AccountState) (payouts []PlacePayout, treasuryCut uint64) {
	n := st.FighterCount
	paid := len(f.PlaceSplitBps)
	placePool := make([]uint64, paid+1)
	var losers uint64
	for i := 0; i < n; i++ {
		p := int(st.Placements[i])
		if p >= 1 && p <= paid {
			placePool[p] += st.BettingPools[i]
		} else {
			losers += st.BettingPools[i]
		}
	}
	treasuryCut = mulDiv(losers, f.TreasuryCutBps, 10_000)
	distributable := losers - treasuryCut

	payouts = make([]PlacePayout, n)
	for i := 0; i < n; i++ {
		p := int(st.Placements[i])
		pp := PlacePayout{FighterIndex: i, Placement: p, Pool: st.BettingPools[i]}
		if p >= 1 && p <= paid && placePool[p] > 0 {
			alloc := mulDiv(distributable, f.PlaceSplitBps[p-1], 10_000)
			pp.Winnings = mulDiv(alloc, pp.Pool, placePool[p])
			if pp.Pool > 0 {
				pp.Multiple = float64(pp.Pool+pp.Winnings) / float64(pp.Pool)
			}
		}
		payouts[i] = pp
	}
	return payouts, treasuryCut
}

// mulDiv returns a*b/c with a 128-bit intermediate product. Lamport pools
// times basis points or other pools overflow uint64 at ordinary bet sizes.
// A quotient that does not fit saturates; a zero divisor yields 0.
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
