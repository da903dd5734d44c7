// Package store is the durable state behind the orchestrator. Every slot
// write is a compare-and-set on the slot's version, so concurrent ticks from
// different processes can race safely: the loser gets ErrStaleState.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrStaleState = errors.New("stale slot version")
	ErrNotFound   = errors.New("not found")
	ErrActive     = errors.New("fighter seated in an active slot")
)

type Slot struct {
	Index    int      `json:"slot_index"`
	State    string   `json:"state"`
	RumbleID uint64   `json:"rumble_id,omitempty"`
	Fighters []string `json:"fighters,omitempty"`

	TurnCount int `json:"turn_count"`
	Remaining int `json:"remaining_fighters"`

	BettingDeadline time.Time `json:"betting_deadline,omitempty"`
	StateSince      time.Time `json:"state_since"`
	CycleStartedAt  time.Time `json:"cycle_started_at,omitempty"`

	// Onchain is set once the ledger confirmed the rumble account exists.
	Onchain bool `json:"onchain"`

	// AutoRequeue lists fighters that go back into the queue when the slot frees.
	AutoRequeue []string `json:"auto_requeue,omitempty"`

	// Combat is the orchestrator's opaque combat state.
	Combat json.RawMessage `json:"combat,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type QueueFighter struct {
	FighterID   string    `json:"fighter_id"`
	Status      string    `json:"status"`
	AutoRequeue bool      `json:"auto_requeue"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Effects are queue changes applied in the same transaction as a slot CAS.
type Effects struct {
	// Consume removes seated fighters from the queue. If any of them is no
	// longer queued the whole write fails with ErrStaleState.
	Consume []string
	// Requeue inserts fighters that are not queued yet.
	Requeue []QueueFighter
}

// Submission is a fighter's commit or reveal received between ticks.
type Submission struct {
	RumbleID   uint64    `json:"rumble_id"`
	Turn       int       `json:"turn"`
	FighterID  string    `json:"fighter_id"`
	Kind       string    `json:"kind"`
	Hash       string    `json:"hash,omitempty"`
	Move       string    `json:"move,omitempty"`
	Salt       string    `json:"salt,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

const (
	SubmissionCommit = "commit"
	SubmissionReveal = "reveal"
)

type TurnRecord struct {
	RumbleID uint64          `json:"rumble_id"`
	Turn     int             `json:"turn"`
	SlotIdx  int             `json:"slot_index"`
	Data     json.RawMessage `json:"data"`
}

type Placement struct {
	FighterID   string `json:"fighter_id"`
	Placement   int    `json:"placement"`
	DamageDealt int    `json:"damage_dealt"`
	DamageTaken int    `json:"damage_taken"`
}

type RumbleRecord struct {
	RumbleID    uint64      `json:"rumble_id"`
	SlotIndex   int         `json:"slot_index"`
	Fighters    []string    `json:"fighters"`
	Placements  []Placement `json:"placements"`
	WinnerID    string      `json:"winner_id"`
	Turns       int         `json:"turns"`
	ArchivePath string      `json:"archive_path,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

type FighterRecord struct {
	FighterID    string `json:"fighter_id"`
	Rumbles      int    `json:"rumbles"`
	Wins         int    `json:"wins"`
	Podiums      int    `json:"podiums"`
	DamageDealt  int    `json:"damage_dealt"`
	DamageTaken  int    `json:"damage_taken"`
	LastRumbleID uint64 `json:"last_rumble_id"`
}

type Store interface {
	EnsureSlots(ctx context.Context, n int, now time.Time) error
	LoadSlots(ctx context.Context) ([]Slot, error)
	LoadActiveSlots(ctx context.Context) ([]Slot, error)
	LoadSlot(ctx context.Context, index int) (Slot, error)
	// SaveSlotState writes s if the stored version still equals s.Version and
	// returns the slot with its new version.
	SaveSlotState(ctx context.Context, s Slot, fx Effects, now time.Time) (Slot, error)

	LoadQueueFighters(ctx context.Context) ([]QueueFighter, error)
	SaveQueueFighter(ctx context.Context, q QueueFighter) error
	RemoveQueueFighter(ctx context.Context, fighterID string) (bool, error)

	NextRumbleID(ctx context.Context) (uint64, error)

	// PutSubmission is conditioned on, and bumps, the version of the slot
	// running the turn.
	PutSubmission(ctx context.Context, slotIndex int, version int64, sub Submission) (bool, error)
	LoadSubmissions(ctx context.Context, rumbleID uint64, turn int) ([]Submission, error)

	AppendTurn(ctx context.Context, rec TurnRecord) error
	LoadTurns(ctx context.Context, rumbleID uint64) ([]TurnRecord, error)

	RecordRumble(ctx context.Context, rec RumbleRecord) error
	LoadRumble(ctx context.Context, rumbleID uint64) (RumbleRecord, error)
	RecentRumbles(ctx context.Context, limit int) ([]RumbleRecord, error)
	LoadFighterRecord(ctx context.Context, fighterID string) (FighterRecord, error)

	// Fighter webhook endpoints; the newest registration wins.
	SaveFighterEndpoint(ctx context.Context, fighterID, url string, now time.Time) error
	LoadFighterEndpoint(ctx context.Context, fighterID string) (string, error)

	Close() error
}
