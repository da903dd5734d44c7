package log

import (
	"path/filepath"
	"time"
)

// Event kinds written to the rumble event log.
const (
	KindSlotTransition = "slot_transition"
	KindTurnSealed     = "turn_sealed"
	KindLedgerDesync   = "ledger_desync"
	KindLedgerError    = "ledger_error"
	KindRecovery       = "recovery"
	KindQueue          = "queue"
)

// Event is one line of the rumble event log. Fields not relevant to Kind are
// left empty.
type Event struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Slot     int       `json:"slot"`
	RumbleID uint64    `json:"rumble_id,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Turn     int       `json:"turn,omitempty"`
	Fighter  string    `json:"fighter,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// EventLogger writes rumble events (compressed).
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events")}
}

func (l *EventLogger) WriteEvent(e Event) error { return l.w.Write(e) }
func (l *EventLogger) Close() error             { return l.w.Close() }

// ReadEvents replays the event log under dataDir.
func ReadEvents(dataDir string, fn func(line []byte) error) error {
	return ReadJSONL(filepath.Join(dataDir, "events"), "events", fn)
}
