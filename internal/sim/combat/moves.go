package combat

import (
	"fmt"
	"strings"
)

type Move string

const (
	MoveNone Move = ""

	MoveHighStrike Move = "HIGH_STRIKE"
	MoveMidStrike  Move = "MID_STRIKE"
	MoveLowStrike  Move = "LOW_STRIKE"
	MoveGuardHigh  Move = "GUARD_HIGH"
	MoveGuardMid   Move = "GUARD_MID"
	MoveGuardLow   Move = "GUARD_LOW"
	MoveDodge      Move = "DODGE"
	MoveCatch      Move = "CATCH"
	MoveSpecial    Move = "SPECIAL"
)

// AllMoves is the fixed move set in wire order.
var AllMoves = []Move{
	MoveHighStrike,
	MoveMidStrike,
	MoveLowStrike,
	MoveGuardHigh,
	MoveGuardMid,
	MoveGuardLow,
	MoveDodge,
	MoveCatch,
	MoveSpecial,
}

func ParseMove(s string) (Move, error) {
	m := Move(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllMoves {
		if m == known {
			return m, nil
		}
	}
	return MoveNone, fmt.Errorf("unknown move %q", s)
}

func (m Move) IsStrike() bool {
	return m == MoveHighStrike || m == MoveMidStrike || m == MoveLowStrike
}

func (m Move) IsGuard() bool {
	return m == MoveGuardHigh || m == MoveGuardMid || m == MoveGuardLow
}

// Blocks reports whether guard m stops strike s.
func (m Move) Blocks(s Move) bool {
	switch s {
	case MoveHighStrike:
		return m == MoveGuardHigh
	case MoveMidStrike:
		return m == MoveGuardMid
	case MoveLowStrike:
		return m == MoveGuardLow
	}
	return false
}

// Legal reports whether a fighter holding meter may play m.
func (r Rules) Legal(m Move, meter int) bool {
	if m == MoveSpecial {
		return meter >= r.SpecialCost
	}
	for _, known := range AllMoves {
		if m == known {
			return true
		}
	}
	return false
}

// LegalMoves lists every move a fighter holding meter may play.
func (r Rules) LegalMoves(meter int) []Move {
	out := make([]Move, 0, len(AllMoves))
	for _, m := range AllMoves {
		if r.Legal(m, meter) {
			out = append(out, m)
		}
	}
	return out
}
