package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type simBet struct {
	fighterIndex uint8
	deployed     uint64
}

// Sim is an in-process ledger that enforces the rumble program's rules. It
// backs local development and tests; failures can be injected to exercise
// the orchestrator's retry paths.
type Sim struct {
	mu sync.Mutex

	programID PublicKey
	admin     PublicKey
	treasury  PublicKey
	fees      Fees
	now       func() time.Time

	rumbles      map[uint64]*AccountState
	bets         map[uint64]map[PublicKey]simBet
	memos        []string
	totalRumbles uint64
	sigSeq       uint64

	failNext int
	failErr  error
	calls    map[string]int
}

var _ Gateway = (*Sim)(nil)

func NewSim(programID PublicKey, now func() time.Time) *Sim {
	if now == nil {
		now = time.Now
	}
	return &Sim{
		programID: programID,
		admin:     FighterKey("sim-admin"),
		treasury:  FighterKey("sim-treasury"),
		fees:      DefaultFees(),
		now:       now,
		rumbles:   map[uint64]*AccountState{},
		bets:      map[uint64]map[PublicKey]simBet{},
		calls:     map[string]int{},
	}
}

// FailNext makes the next n calls fail with err wrapped in ErrUnavailable.
func (s *Sim) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// Calls reports how many times method was invoked, failed or not.
func (s *Sim) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Sim) Memos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.memos...)
}

func (s *Sim) enter(method string) error {
	s.calls[method]++
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, s.failErr)
	}
	return nil
}

func (s *Sim) sig() string {
	s.sigSeq++
	var b [64]byte
	copy(b[:], fmt.Sprintf("sim-%d", s.sigSeq))
	return encodeSignature(b)
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRejected}, args...)...)
}

func (s *Sim) OpenBetting(_ context.Context, rumbleID uint64, fighters []PublicKey, deadline time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("OpenBetting"); err != nil {
		return "", err
	}
	if _, ok := s.rumbles[rumbleID]; ok {
		return "", rejected("rumble %d account already in use", rumbleID)
	}
	if len(fighters) < 2 || len(fighters) > MaxFighters {
		return "", rejected("invalid fighter count: must be between 2 and 16")
	}
	now := s.now()
	if deadline.Unix() <= now.Unix() {
		return "", rejected("betting deadline must be in the future")
	}
	addr, _, err := Addresses{ProgramID: s.programID}.Rumble(rumbleID)
	if err != nil {
		return "", err
	}
	s.rumbles[rumbleID] = &AccountState{
		Address:         addr,
		RumbleID:        rumbleID,
		State:           StateBetting,
		Fighters:        append([]PublicKey(nil), fighters...),
		FighterCount:    len(fighters),
		BettingPools:    make([]uint64, len(fighters)),
		Placements:      make([]uint8, len(fighters)),
		BettingDeadline: time.Unix(deadline.Unix(), 0).UTC(),
	}
	return s.sig(), nil
}

// PlaceBet settles a bet as if the bettor's signed transaction landed.
func (s *Sim) PlaceBet(_ context.Context, rumbleID uint64, bettor PublicKey, fighterIndex int, lamports uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PlaceBet"); err != nil {
		return "", err
	}
	r, ok := s.rumbles[rumbleID]
	if !ok {
		return "", ErrAccountNotFound
	}
	if err := checkBet(*r, fighterIndex, lamports, s.now()); err != nil {
		return "", err
	}
	if _, dup := s.bets[rumbleID][bettor]; dup {
		return "", rejected("bettor account already in use")
	}
	net, adminFee, sponsorFee := s.fees.Split(lamports)
	r.BettingPools[fighterIndex] += net
	r.TotalDeployed += net
	r.AdminFeeCollected += adminFee
	r.SponsorshipPaid += sponsorFee
	if s.bets[rumbleID] == nil {
		s.bets[rumbleID] = map[PublicKey]simBet{}
	}
	s.bets[rumbleID][bettor] = simBet{fighterIndex: uint8(fighterIndex), deployed: net}
	return s.sig(), nil
}

func (s *Sim) CloseBettingAndStartCombat(_ context.Context, rumbleID uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CloseBettingAndStartCombat"); err != nil {
		return "", err
	}
	r, ok := s.rumbles[rumbleID]
	if !ok {
		return "", ErrAccountNotFound
	}
	if r.State != StateBetting {
		return "", rejected("invalid state transition")
	}
	now := s.now()
	if now.Unix() < r.BettingDeadline.Unix() {
		return "", rejected("betting period has not ended yet")
	}
	r.State = StateActive
	r.CombatStartedAt = time.Unix(now.Unix(), 0).UTC()
	return s.sig(), nil
}

func (s *Sim) SubmitTurnCommit(_ context.Context, rumbleID uint64, fighterID string, turn int, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SubmitTurnCommit"); err != nil {
		return "", err
	}
	s.memos = append(s.memos, string(TurnMemo(s.admin, rumbleID, fighterID, turn, "commit", hash).Data))
	return s.sig(), nil
}

func (s *Sim) SubmitTurnReveal(_ context.Context, rumbleID uint64, fighterID string, turn int, move, salt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SubmitTurnReveal"); err != nil {
		return "", err
	}
	s.memos = append(s.memos, string(TurnMemo(s.admin, rumbleID, fighterID, turn, "reveal", move+":"+salt).Data))
	return s.sig(), nil
}

func (s *Sim) ReportResult(_ context.Context, rumbleID uint64, placements []uint8, winnerIndex uint8) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReportResult"); err != nil {
		return "", err
	}
	r, ok := s.rumbles[rumbleID]
	if !ok {
		return "", ErrAccountNotFound
	}
	if r.State != StateActive {
		return "", rejected("invalid state transition")
	}
	if len(placements) != r.FighterCount {
		return "", rejected("invalid placement data")
	}
	if int(winnerIndex) >= r.FighterCount {
		return "", rejected("invalid fighter index")
	}
	if placements[winnerIndex] != 1 {
		return "", rejected("invalid placement data")
	}
	for _, p := range placements {
		if p < 1 || int(p) > r.FighterCount {
			return "", rejected("invalid placement data")
		}
	}
	r.Placements = append([]uint8(nil), placements...)
	r.WinnerIndex = winnerIndex
	r.State = StatePayout
	r.CompletedAt = time.Unix(s.now().Unix(), 0).UTC()
	return s.sig(), nil
}

func (s *Sim) CompleteRumble(_ context.Context, rumbleID uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CompleteRumble"); err != nil {
		return "", err
	}
	r, ok := s.rumbles[rumbleID]
	if !ok {
		return "", ErrAccountNotFound
	}
	if r.State != StatePayout {
		return "", rejected("invalid state transition")
	}
	r.State = StateComplete
	s.totalRumbles++
	return s.sig(), nil
}

func (s *Sim) ReadAccountState(_ context.Context, rumbleID uint64) (AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReadAccountState"); err != nil {
		return AccountState{}, err
	}
	r, ok := s.rumbles[rumbleID]
	if !ok {
		return AccountState{}, ErrAccountNotFound
	}
	// Round-trip through the wire layout so callers see exactly what a
	// decoded RPC read would give them.
	st, err := DecodeRumbleAccount(EncodeRumbleAccount(*r))
	if err != nil {
		return AccountState{}, err
	}
	st.Address = r.Address
	st.FetchedAt = s.now()
	return st, nil
}

// SetState forces a rumble's state, standing in for instructions sent by
// another process.
func (s *Sim) SetState(rumbleID uint64, state RumbleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rumbles[rumbleID]; ok {
		r.State = state
	}
}

func (s *Sim) DeriveAddress(seeds ...[]byte) (PublicKey, uint8, error) {
	return FindProgramAddress(s.programID, seeds...)
}

func (s *Sim) BuildPlaceBetTx(_ context.Context, rumbleID uint64, bettor PublicKey, fighterIndex int, lamports uint64) (string, error) {
	s.mu.Lock()
	r, ok := s.rumbles[rumbleID]
	var st AccountState
	if ok {
		st = *r
	}
	s.mu.Unlock()
	if !ok {
		return "", ErrAccountNotFound
	}
	if err := checkBet(st, fighterIndex, lamports, s.now()); err != nil {
		return "", err
	}
	p := Program{Addresses: Addresses{ProgramID: s.programID}, Admin: s.admin}
	ix, err := p.PlaceBet(rumbleID, bettor, s.treasury, st.Fighters[fighterIndex], uint8(fighterIndex), lamports)
	if err != nil {
		return "", err
	}
	tx, err := NewTransaction(bettor, PublicKey{}, ix)
	if err != nil {
		return "", err
	}
	return tx.Base64()
}
