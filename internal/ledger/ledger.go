// Package ledger is the typed boundary to the rumble settlement program. It
// builds transactions, reads account snapshots and derives program addresses;
// it holds no domain state beyond a short-lived read cache.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const MaxFighters = 16

type RumbleState uint8

const (
	StateBetting RumbleState = iota
	StateActive
	StatePayout
	StateComplete
)

func (s RumbleState) String() string {
	switch s {
	case StateBetting:
		return "betting"
	case StateActive:
		return "active"
	case StatePayout:
		return "payout"
	case StateComplete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var (
	// ErrUnavailable wraps transport failures: timeouts, 5xx, refused connections.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrAccountNotFound means the rumble account does not exist (yet).
	ErrAccountNotFound = errors.New("ledger account not found")
	// ErrRejected means the program refused the instruction.
	ErrRejected = errors.New("ledger rejected transaction")
)

// AccountState is a decoded rumble account.
type AccountState struct {
	Address  PublicKey   `json:"address"`
	RumbleID uint64      `json:"rumble_id"`
	State    RumbleState `json:"state"`

	Fighters          []PublicKey `json:"fighters"`
	FighterCount      int         `json:"fighter_count"`
	BettingPools      []uint64    `json:"betting_pools"`
	TotalDeployed     uint64      `json:"total_deployed"`
	AdminFeeCollected uint64      `json:"admin_fee_collected"`
	SponsorshipPaid   uint64      `json:"sponsorship_paid"`
	Placements        []uint8     `json:"placements"`
	WinnerIndex       uint8       `json:"winner_index"`

	BettingDeadline time.Time `json:"betting_deadline"`
	CombatStartedAt time.Time `json:"combat_started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// HasBets reports whether any lamports were deployed on the rumble.
func (a AccountState) HasBets() bool { return a.TotalDeployed > 0 }

// Gateway is what the orchestrator needs from the ledger. Every write returns
// the transaction signature once the ledger accepted it.
type Gateway interface {
	OpenBetting(ctx context.Context, rumbleID uint64, fighters []PublicKey, deadline time.Time) (string, error)
	CloseBettingAndStartCombat(ctx context.Context, rumbleID uint64) (string, error)
	SubmitTurnCommit(ctx context.Context, rumbleID uint64, fighterID string, turn int, hash string) (string, error)
	SubmitTurnReveal(ctx context.Context, rumbleID uint64, fighterID string, turn int, move, salt string) (string, error)
	ReportResult(ctx context.Context, rumbleID uint64, placements []uint8, winnerIndex uint8) (string, error)
	CompleteRumble(ctx context.Context, rumbleID uint64) (string, error)

	// ReadAccountState always goes to the ledger; use Cache for projections.
	ReadAccountState(ctx context.Context, rumbleID uint64) (AccountState, error)
	DeriveAddress(seeds ...[]byte) (PublicKey, uint8, error)

	// BuildPlaceBetTx returns an unsigned place_bet transaction, base64 encoded,
	// for the bettor's wallet to sign and submit.
	BuildPlaceBetTx(ctx context.Context, rumbleID uint64, bettor PublicKey, fighterIndex int, lamports uint64) (string, error)
}

// Reader is the read half of Gateway.
type Reader interface {
	ReadAccountState(ctx context.Context, rumbleID uint64) (AccountState, error)
}

var rumbleAccountDisc = accountDiscriminator("Rumble")

// rumbleAccountLen is discriminator + Rumble::INIT_SPACE.
const rumbleAccountLen = 8 + 8 + 1 + 32*MaxFighters + 1 + 8*MaxFighters + 8 + 8 + 8 + MaxFighters + 1 + 8 + 8 + 8 + 1

// DecodeRumbleAccount parses raw account data.
func DecodeRumbleAccount(data []byte) (AccountState, error) {
	if len(data) < rumbleAccountLen {
		return AccountState{}, fmt.Errorf("%w: rumble account is %d bytes, want %d", errShortAccount, len(data), rumbleAccountLen)
	}
	if [8]byte(data[:8]) != rumbleAccountDisc {
		return AccountState{}, fmt.Errorf("not a rumble account")
	}
	r := &borshReader{b: data, off: 8}
	var a AccountState
	a.RumbleID = r.u64()
	a.State = RumbleState(r.u8())
	fighters := make([]PublicKey, MaxFighters)
	for i := range fighters {
		fighters[i] = r.pubkey()
	}
	a.FighterCount = int(r.u8())
	pools := make([]uint64, MaxFighters)
	for i := range pools {
		pools[i] = r.u64()
	}
	a.TotalDeployed = r.u64()
	a.AdminFeeCollected = r.u64()
	a.SponsorshipPaid = r.u64()
	placements := r.take(MaxFighters)
	a.WinnerIndex = r.u8()
	a.BettingDeadline = unixTime(r.i64())
	a.CombatStartedAt = unixTime(r.i64())
	a.CompletedAt = unixTime(r.i64())
	if r.err != nil {
		return AccountState{}, r.err
	}
	if a.FighterCount > MaxFighters {
		return AccountState{}, fmt.Errorf("fighter_count %d exceeds %d", a.FighterCount, MaxFighters)
	}
	if a.State > StateComplete {
		return AccountState{}, fmt.Errorf("unknown rumble state %d", a.State)
	}
	a.Fighters = fighters[:a.FighterCount]
	a.BettingPools = pools[:a.FighterCount]
	a.Placements = append([]uint8(nil), placements[:a.FighterCount]...)
	return a, nil
}

// EncodeRumbleAccount is the inverse of DecodeRumbleAccount.
func EncodeRumbleAccount(a AccountState) []byte {
	w := &borshWriter{buf: make([]byte, 0, rumbleAccountLen)}
	w.buf = append(w.buf, rumbleAccountDisc[:]...)
	w.u64(a.RumbleID).u8(uint8(a.State))
	for i := 0; i < MaxFighters; i++ {
		var pk PublicKey
		if i < len(a.Fighters) {
			pk = a.Fighters[i]
		}
		w.buf = append(w.buf, pk[:]...)
	}
	w.u8(uint8(a.FighterCount))
	for i := 0; i < MaxFighters; i++ {
		var v uint64
		if i < len(a.BettingPools) {
			v = a.BettingPools[i]
		}
		w.u64(v)
	}
	w.u64(a.TotalDeployed).u64(a.AdminFeeCollected).u64(a.SponsorshipPaid)
	for i := 0; i < MaxFighters; i++ {
		var v uint8
		if i < len(a.Placements) {
			v = a.Placements[i]
		}
		w.u8(v)
	}
	w.u8(a.WinnerIndex)
	w.i64(timeUnix(a.BettingDeadline)).i64(timeUnix(a.CombatStartedAt)).i64(timeUnix(a.CompletedAt))
	w.u8(0)
	return w.Bytes()
}

type ConfigAccount struct {
	Admin        PublicKey
	Treasury     PublicKey
	TotalRumbles uint64
}

var configAccountDisc = accountDiscriminator("RumbleConfig")

func DecodeConfigAccount(data []byte) (ConfigAccount, error) {
	if len(data) < 8+32+32+8+1 {
		return ConfigAccount{}, fmt.Errorf("%w: config account is %d bytes", errShortAccount, len(data))
	}
	if [8]byte(data[:8]) != configAccountDisc {
		return ConfigAccount{}, fmt.Errorf("not a rumble config account")
	}
	r := &borshReader{b: data, off: 8}
	c := ConfigAccount{Admin: r.pubkey(), Treasury: r.pubkey(), TotalRumbles: r.u64()}
	return c, r.err
}

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func timeUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
