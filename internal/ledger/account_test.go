package ledger

import (
	"math"
	"testing"
	"time"
)

func TestRumbleAccount_RoundTrip(t *testing.T) {
	in := AccountState{
		RumbleID:          99,
		State:             StatePayout,
		Fighters:          FighterKeys([]string{"a", "b", "c"}),
		FighterCount:      3,
		BettingPools:      []uint64{10, 20, 30},
		TotalDeployed:     60,
		AdminFeeCollected: 1,
		SponsorshipPaid:   3,
		Placements:        []uint8{3, 1, 2},
		WinnerIndex:       1,
		BettingDeadline:   time.Unix(1_800_000_000, 0).UTC(),
		CombatStartedAt:   time.Unix(1_800_000_100, 0).UTC(),
	}
	raw := EncodeRumbleAccount(in)
	if len(raw) != rumbleAccountLen {
		t.Fatalf("len=%d want=%d", len(raw), rumbleAccountLen)
	}
	out, err := DecodeRumbleAccount(raw)
	if err != nil {
		t.Fatalf("DecodeRumbleAccount: %v", err)
	}
	if out.RumbleID != 99 || out.State != StatePayout || out.FighterCount != 3 || out.WinnerIndex != 1 {
		t.Fatalf("decoded=%+v", out)
	}
	if out.Fighters[2] != in.Fighters[2] || out.BettingPools[1] != 20 || out.Placements[0] != 3 {
		t.Fatalf("arrays mismatch: %+v", out)
	}
	if !out.BettingDeadline.Equal(in.BettingDeadline) || !out.CompletedAt.IsZero() {
		t.Fatalf("times: %v %v", out.BettingDeadline, out.CompletedAt)
	}

	if _, err := DecodeRumbleAccount(raw[:100]); err == nil {
		t.Fatalf("expected short data error")
	}
	raw[0] ^= 0xff
	if _, err := DecodeRumbleAccount(raw); err == nil {
		t.Fatalf("expected discriminator error")
	}
}

func TestFees_ProjectPayouts(t *testing.T) {
	f := DefaultFees()
	net, admin, sponsor := f.Split(1_000)
	if net != 940 || admin != 10 || sponsor != 50 {
		t.Fatalf("split=%d/%d/%d", net, admin, sponsor)
	}

	st := AccountState{
		FighterCount: 5,
		BettingPools: []uint64{1_000, 500, 0, 2_000, 3_000},
		Placements:   []uint8{1, 2, 3, 4, 5},
	}
	payouts, cut := f.ProjectPayouts(st)
	// losers pool 5000, cut 500, distributable 4500
	if cut != 500 {
		t.Fatalf("treasury cut=%d", cut)
	}
	if payouts[0].Winnings != 3_150 || payouts[1].Winnings != 900 || payouts[2].Winnings != 0 {
		t.Fatalf("winnings=%+v", payouts)
	}
	if payouts[0].Multiple != 4.15 {
		t.Fatalf("multiple=%v", payouts[0].Multiple)
	}
	if payouts[3].Multiple != 0 {
		t.Fatalf("loser multiple=%v", payouts[3].Multiple)
	}
}

func TestFees_SOLScalePoolsDoNotOverflow(t *testing.T) {
	f := DefaultFees()
	net, admin, sponsor := f.Split(200_000_000_000_000_000)
	if admin != 2_000_000_000_000_000 || sponsor != 10_000_000_000_000_000 || net != 188_000_000_000_000_000 {
		t.Fatalf("split=%d/%d/%d", net, admin, sponsor)
	}

	st := AccountState{
		FighterCount: 4,
		BettingPools: []uint64{5_000_000_000, 1_000_000_000, 1_000_000_000, 10_000_000_000},
		Placements:   []uint8{1, 2, 3, 4},
	}
	payouts, cut := f.ProjectPayouts(st)
	// losers pool 10 SOL, cut 1 SOL, distributable 9 SOL
	if cut != 1_000_000_000 {
		t.Fatalf("treasury cut=%d want=%d", cut, 1_000_000_000)
	}
	want := []uint64{6_300_000_000, 1_800_000_000, 900_000_000, 0}
	for i, w := range want {
		if payouts[i].Winnings != w {
			t.Fatalf("fighter %d winnings=%d want=%d", i, payouts[i].Winnings, w)
		}
	}
	if payouts[0].Multiple != 2.26 {
		t.Fatalf("multiple=%v want=2.26", payouts[0].Multiple)
	}
}

func TestMulDiv(t *testing.T) {
	cases := []struct {
		a, b, c, want uint64
	}{
		{6_300_000_000, 5_000_000_000, 5_000_000_000, 6_300_000_000},
		{math.MaxUint64, 7_000, 10_000, 12_912_720_851_596_686_130},
		{10, 3, 0, 0},
		{math.MaxUint64, 2, 1, math.MaxUint64},
	}
	for _, c := range cases {
		if got := mulDiv(c.a, c.b, c.c); got != c.want {
			t.Fatalf("mulDiv(%d,%d,%d)=%d want=%d", c.a, c.b, c.c, got, c.want)
		}
	}
}
