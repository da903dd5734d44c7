package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	valid := map[string]string{
		TypeCommit: `{"type":"COMMIT","rumble_id":7,"turn":1,"fighter_id":"f1",
			"commit_hash":"d9d90eb23765f427418f367993573ab9e435fe0f6b3447725f36b53aa3423179"}`,
		TypeReveal:     `{"type":"REVEAL","rumble_id":7,"turn":1,"fighter_id":"f1","move":"DODGE","salt":"abc"}`,
		TypeQueueJoin:  `{"type":"QUEUE_JOIN","fighter_id":"f1","auto_requeue":true,"webhook_url":"https://bot.example/hook"}`,
		TypeQueueLeave: `{"type":"QUEUE_LEAVE","fighter_id":"f1"}`,
	}
	for typ, raw := range valid {
		if err := Validate(typ, []byte(raw)); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}
}

func TestSchemas_RejectsBadPayloads(t *testing.T) {
	cases := []struct {
		typ string
		raw string
	}{
		{TypeCommit, `{"type":"COMMIT","rumble_id":7,"turn":1,"fighter_id":"f1","commit_hash":"XYZ"}`},
		{TypeCommit, `{"type":"COMMIT","rumble_id":7,"turn":0,"fighter_id":"f1","commit_hash":"` + strings.Repeat("a", 64) + `"}`},
		{TypeReveal, `{"type":"REVEAL","rumble_id":7,"turn":1,"fighter_id":"f1","move":"PUNCH","salt":"abc"}`},
		{TypeReveal, `{"type":"REVEAL","rumble_id":7,"turn":1,"fighter_id":"f1","move":"DODGE","salt":""}`},
		{TypeQueueJoin, `{"type":"QUEUE_JOIN","fighter_id":""}`},
		{TypeQueueJoin, `{"type":"QUEUE_JOIN","fighter_id":"f1","extra":1}`},
		{TypeQueueLeave, `not json`},
		{"NOPE", `{}`},
	}
	for i, tc := range cases {
		err := Validate(tc.typ, []byte(tc.raw))
		if err == nil {
			t.Fatalf("case %d: expected rejection", i)
		}
		if Code(err) != ErrProtoBadRequest {
			t.Fatalf("case %d: code=%s err=%v", i, Code(err), err)
		}
	}
}

func TestSchemas_TurnOpenMatchesStruct(t *testing.T) {
	msg := TurnOpenMsg{
		Type:            TypeTurnOpen,
		ProtocolVersion: Version,
		MatchID:         "m-1",
		RumbleID:        7,
		Round:           3,
		Turn:            3,
		YourState:       FighterState{FighterID: "f1", HP: 70, Meter: 40},
		OpponentState:   &FighterState{FighterID: "f2", HP: 55, Meter: 60},
		LegalMoves:      []string{"HIGH_STRIKE", "DODGE"},
		CommitDeadline:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, _ := json.Marshal(msg)
	if err := Validate(TypeTurnOpen, raw); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecode(t *testing.T) {
	var m RevealMsg
	err := Decode(TypeReveal, []byte(`{"type":"REVEAL","rumble_id":7,"turn":2,"fighter_id":"f1","move":"SPECIAL","salt":"s"}`), &m)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Move != "SPECIAL" || m.Turn != 2 {
		t.Fatalf("msg=%+v", m)
	}
	if err := Decode(TypeReveal, []byte(`{}`), &m); !errors.Is(err, &Error{Code: ErrProtoBadRequest}) {
		t.Fatalf("err=%v", err)
	}
}
