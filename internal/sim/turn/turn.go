package turn

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"rumblearena.ai/internal/sim/combat"
)

type Phase string

const (
	PhaseOpen       Phase = "OPEN"
	PhaseCommitted  Phase = "COMMITTED"
	PhaseRevealOpen Phase = "REVEAL_OPEN"
	PhaseRevealed   Phase = "REVEALED"
	PhaseResolved   Phase = "RESOLVED"
)

// Fallback reasons recorded when a fighter's move was assigned for them.
const (
	FallbackNoCommit     = "no_commit"
	FallbackNoReveal     = "no_reveal"
	FallbackHashMismatch = "hash_mismatch"
	FallbackIllegalMove  = "illegal_move"
)

var (
	ErrNotParticipant   = errors.New("fighter is not in this turn")
	ErrCommitClosed     = errors.New("commit phase closed")
	ErrRevealNotOpen    = errors.New("reveal phase not open")
	ErrAlreadyCommitted = errors.New("already committed")
	ErrAlreadyRevealed  = errors.New("already revealed")
	ErrNoCommit         = errors.New("no commit on record")
	ErrHashMismatch     = errors.New("reveal does not match commit")
	ErrSealed           = errors.New("turn sealed")
)

type Windows struct {
	Commit time.Duration
	Reveal time.Duration
}

type Reveal struct {
	Move combat.Move `json:"move"`
	Salt string      `json:"salt"`
}

// Turn is one commit-reveal cycle. Every standing fighter takes part, pairs
// are drawn when the turn opens and fighters on a bye still commit so nobody
// can tell from the protocol who sat out.
type Turn struct {
	Number int           `json:"turn"`
	Phase  Phase         `json:"phase"`
	Pairs  []combat.Pair `json:"pairs"`
	Bye    int           `json:"bye"`

	// Participants are fighter IDs standing when the turn opened.
	Participants []string `json:"participants"`

	OpenedAt       time.Time `json:"opened_at"`
	CommitDeadline time.Time `json:"commit_deadline"`
	RevealDeadline time.Time `json:"reveal_deadline,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`

	Commits  map[string]string `json:"commits"`
	Reveals  map[string]Reveal `json:"reveals"`
	Rejected map[string]string `json:"rejected,omitempty"`

	Moves     map[string]combat.Move `json:"moves,omitempty"`
	Fallbacks map[string]string      `json:"fallbacks,omitempty"`
	Results   []combat.PairResult    `json:"results,omitempty"`

	RevealWindow time.Duration `json:"reveal_window"`
}

// CommitHash is the commitment a fighter sends for move and salt: lowercase hex
// sha256 of "MOVE:salt".
func CommitHash(move combat.Move, salt string) string {
	sum := sha256.Sum256([]byte(string(move) + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// Open starts turn number for the standing fighters.
func Open(number int, participants []string, pairs []combat.Pair, bye int, now time.Time, w Windows) *Turn {
	p := make([]string, len(participants))
	copy(p, participants)
	return &Turn{
		Number:         number,
		Phase:          PhaseOpen,
		Pairs:          pairs,
		Bye:            bye,
		Participants:   p,
		OpenedAt:       now,
		CommitDeadline: now.Add(w.Commit),
		Commits:        map[string]string{},
		Reveals:        map[string]Reveal{},
		RevealWindow:   w.Reveal,
	}
}

func (t *Turn) participates(fighterID string) bool {
	for _, id := range t.Participants {
		if id == fighterID {
			return true
		}
	}
	return false
}

func (t *Turn) Sealed() bool { return t.Phase == PhaseResolved }

// Commit records a fighter's commitment. The first commitment wins; resending
// the same hash is accepted.
func (t *Turn) Commit(fighterID, hash string, now time.Time) error {
	if t.Sealed() {
		return ErrSealed
	}
	if !t.participates(fighterID) {
		return ErrNotParticipant
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	if prev, ok := t.Commits[fighterID]; ok {
		if prev == hash {
			return nil
		}
		return ErrAlreadyCommitted
	}
	if t.Phase != PhaseOpen && t.Phase != PhaseCommitted {
		return ErrCommitClosed
	}
	if !now.Before(t.CommitDeadline) {
		return ErrCommitClosed
	}
	if len(hash) != sha256.Size*2 {
		return fmt.Errorf("bad commit hash length %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("bad commit hash: %w", err)
	}
	t.Commits[fighterID] = hash
	t.Phase = PhaseCommitted
	return nil
}

// Reveal checks a fighter's move and salt against the earlier commitment. A
// mismatching reveal is rejected for good: the fighter plays a fallback move.
func (t *Turn) Reveal(fighterID string, move combat.Move, salt string, now time.Time) error {
	if t.Sealed() {
		return ErrSealed
	}
	if !t.participates(fighterID) {
		return ErrNotParticipant
	}
	if t.Phase != PhaseRevealOpen && t.Phase != PhaseRevealed {
		return ErrRevealNotOpen
	}
	if !now.Before(t.RevealDeadline) {
		return ErrRevealNotOpen
	}
	hash, ok := t.Commits[fighterID]
	if !ok {
		return ErrNoCommit
	}
	if _, done := t.Reveals[fighterID]; done {
		return ErrAlreadyRevealed
	}
	if _, done := t.Rejected[fighterID]; done {
		return ErrAlreadyRevealed
	}
	if CommitHash(move, salt) != hash {
		if t.Rejected == nil {
			t.Rejected = map[string]string{}
		}
		t.Rejected[fighterID] = FallbackHashMismatch
		t.Phase = PhaseRevealed
		return ErrHashMismatch
	}
	t.Reveals[fighterID] = Reveal{Move: move, Salt: salt}
	t.Phase = PhaseRevealed
	return nil
}

func (t *Turn) allCommitted() bool {
	return len(t.Commits) >= len(t.Participants)
}

func (t *Turn) allRevealed() bool {
	for id := range t.Commits {
		_, ok := t.Reveals[id]
		_, bad := t.Rejected[id]
		if !ok && !bad {
			return false
		}
	}
	return true
}

// Advance moves the phase forward as far as now allows, short of resolving.
// It reports whether the phase changed and whether the turn is ready to resolve.
func (t *Turn) Advance(now time.Time) (changed, ready bool) {
	switch t.Phase {
	case PhaseOpen, PhaseCommitted:
		if t.allCommitted() || !now.Before(t.CommitDeadline) {
			t.Phase = PhaseRevealOpen
			t.RevealDeadline = now.Add(t.RevealWindow)
			changed = true
		}
	}
	switch t.Phase {
	case PhaseRevealOpen, PhaseRevealed:
		if t.allRevealed() || !now.Before(t.RevealDeadline) {
			ready = true
		}
	}
	return changed, ready
}

// Resolve assigns fallback moves where needed, runs the resolver over every
// pair and seals the turn. fighters is the rumble's full roster; index maps a
// fighter ID to its roster position. pick returns a uniform integer in [0,n).
func (t *Turn) Resolve(rules combat.Rules, fighters []combat.Fighter, index map[string]int, pick func(n int) int, now time.Time) ([]combat.Fighter, error) {
	if t.Sealed() {
		return nil, ErrSealed
	}
	t.Moves = make(map[string]combat.Move, len(t.Participants))
	t.Fallbacks = map[string]string{}

	moves := make([]combat.Move, len(fighters))
	for _, id := range t.Participants {
		idx, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("turn %d: fighter %s not in roster", t.Number, id)
		}
		meter := fighters[idx].Meter

		var reason string
		rv, revealed := t.Reveals[id]
		switch {
		case revealed && rules.Legal(rv.Move, meter):
			moves[idx] = rv.Move
		case revealed:
			reason = FallbackIllegalMove
		case t.Rejected[id] != "":
			reason = t.Rejected[id]
		case t.Commits[id] != "":
			reason = FallbackNoReveal
		default:
			reason = FallbackNoCommit
		}
		if reason != "" {
			legal := rules.LegalMoves(meter)
			moves[idx] = legal[pick(len(legal))]
			t.Fallbacks[id] = reason
		}
		t.Moves[id] = moves[idx]
	}

	next, results := rules.ResolveTurn(fighters, moves, t.Pairs, t.Number)
	t.Results = results
	t.Phase = PhaseResolved
	t.ResolvedAt = now
	return next, nil
}

// Awaiting lists the participants the current phase is still waiting on.
func (t *Turn) Awaiting() []string {
	var out []string
	for _, id := range t.Participants {
		switch t.Phase {
		case PhaseOpen, PhaseCommitted:
			if _, ok := t.Commits[id]; !ok {
				out = append(out, id)
			}
		case PhaseRevealOpen, PhaseRevealed:
			_, committed := t.Commits[id]
			_, revealed := t.Reveals[id]
			_, rejected := t.Rejected[id]
			if committed && !revealed && !rejected {
				out = append(out, id)
			}
		}
	}
	return out
}
