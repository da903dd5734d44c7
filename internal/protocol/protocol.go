package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	// server -> fighter webhook
	TypeTurnOpen     = "TURN_OPEN"
	TypeRevealOpen   = "REVEAL_OPEN"
	TypeRumbleResult = "RUMBLE_RESULT"

	// fighter -> server
	TypeCommit     = "COMMIT"
	TypeReveal     = "REVEAL"
	TypeQueueJoin  = "QUEUE_JOIN"
	TypeQueueLeave = "QUEUE_LEAVE"

	// server -> status stream
	TypeStatus = "STATUS"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
