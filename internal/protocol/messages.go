package protocol

import "time"

// FighterState is one fighter's view of a combatant at the start of a turn.
type FighterState struct {
	FighterID   string `json:"fighter_id"`
	HP          int    `json:"hp"`
	Meter       int    `json:"meter"`
	DamageDealt int    `json:"total_damage_dealt"`
	DamageTaken int    `json:"total_damage_taken"`
}

// TURN_OPEN (server -> fighter). The fighter answers with COMMIT.
type TurnOpenMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	NotificationID  string `json:"notification_id"`
	MatchID         string `json:"match_id"`
	RumbleID        uint64 `json:"rumble_id"`
	SlotIndex       int    `json:"slot_index"`
	Round           int    `json:"round"`
	Turn            int    `json:"turn"`

	YourState FighterState `json:"your_state"`
	// OpponentState is nil when the fighter has a bye this turn.
	OpponentState *FighterState `json:"opponent_state,omitempty"`
	LegalMoves    []string      `json:"legal_moves"`

	CommitDeadline time.Time `json:"commit_deadline"`
}

// REVEAL_OPEN (server -> fighter). The fighter answers with REVEAL.
type RevealOpenMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	NotificationID  string    `json:"notification_id"`
	MatchID         string    `json:"match_id"`
	RumbleID        uint64    `json:"rumble_id"`
	FighterID       string    `json:"fighter_id"`
	Turn            int       `json:"turn"`
	RevealDeadline  time.Time `json:"reveal_deadline"`
}

// RUMBLE_RESULT (server -> fighter)
type RumbleResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	NotificationID  string `json:"notification_id"`
	RumbleID        uint64 `json:"rumble_id"`
	FighterID       string `json:"fighter_id"`
	Placement       int    `json:"placement"`
	WinnerID        string `json:"winner_id"`
	Turns           int    `json:"turns"`
}

// COMMIT (fighter -> server)
type CommitMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	RumbleID        uint64 `json:"rumble_id"`
	Turn            int    `json:"turn"`
	FighterID       string `json:"fighter_id"`
	CommitHash      string `json:"commit_hash"`
}

// REVEAL (fighter -> server)
type RevealMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	RumbleID        uint64 `json:"rumble_id"`
	Turn            int    `json:"turn"`
	FighterID       string `json:"fighter_id"`
	Move            string `json:"move"`
	Salt            string `json:"salt"`
}

// QUEUE_JOIN (fighter -> server)
type QueueJoinMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	FighterID       string `json:"fighter_id"`
	AutoRequeue     bool   `json:"auto_requeue,omitempty"`
	// WebhookURL replaces the fighter's registered endpoint when set.
	WebhookURL string `json:"webhook_url,omitempty"`
}

// QUEUE_LEAVE (fighter -> server)
type QueueLeaveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	FighterID       string `json:"fighter_id"`
}

// ErrorBody is the JSON shape of API errors.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
