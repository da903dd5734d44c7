package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rumblearena.ai/internal/ledger"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/orchestrator"
	"rumblearena.ai/internal/sim/tuning"
)

type fixture struct {
	o   *orchestrator.Orchestrator
	sim *ledger.Sim
	mux *http.ServeMux
}

func newFixture(t *testing.T, adminToken string) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "rumble.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sim := ledger.NewSim(ledger.FighterKey("rumble-program"), clock)

	tn := tuning.Defaults()
	tn.Slots = 1
	tn.MinFighters = 4
	tn.MaxFighters = 4
	tn.SlotCooldownMs = 0
	o, err := orchestrator.New(orchestrator.Options{
		Store:  st,
		Ledger: sim,
		Tuning: tn,
		Now:    clock,
		Rand:   func(int) int { return 0 },
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	if err := o.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	mux := http.NewServeMux()
	NewServer(Options{
		Orchestrator: o,
		Ledger:       sim,
		History:      st,
		WebhookKey:   bytes.Repeat([]byte{7}, 32),
		AdminToken:   adminToken,
	}).Register(mux)
	return &fixture{o: o, sim: sim, mux: mux}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body protocol.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

func TestQueueJoinAndLeave(t *testing.T) {
	f := newFixture(t, "secret")

	rec := f.do(t, http.MethodPost, "/v1/queue/join", `{"fighter_id":"alpha","auto_requeue":true,"webhook_url":"http://127.0.0.1:9/alpha"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("join status=%d body=%s", rec.Code, rec.Body.String())
	}
	var pos orchestrator.QueuePosition
	if err := json.Unmarshal(rec.Body.Bytes(), &pos); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	if pos.FighterID != "alpha" || pos.Position != 1 || !pos.AutoRequeue {
		t.Fatalf("position=%+v", pos)
	}

	rec = f.do(t, http.MethodPost, "/v1/queue/join", `{"fighter_id":"house-01"}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != protocol.ErrAdmission {
		t.Fatalf("reserved join status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/queue/join", `{"fighter_id":"","extra":1}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != protocol.ErrProtoBadRequest {
		t.Fatalf("bad join status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/queue/leave", `{"fighter_id":"alpha"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":true`) {
		t.Fatalf("leave status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t, "secret")

	rec := f.do(t, http.MethodPost, "/admin/v1/tick", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("tick without token status=%d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/admin/v1/tick", "", "Authorization", "Bearer secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("tick status=%d body=%s", rec.Code, rec.Body.String())
	}

	open := newFixture(t, "")
	rec = open.do(t, http.MethodPost, "/admin/v1/tick", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback tick status=%d", rec.Code)
	}
}

func TestBettingFlowOverHTTP(t *testing.T) {
	f := newFixture(t, "secret")
	auth := []string{"Authorization", "Bearer secret"}

	if rec := f.do(t, http.MethodPost, "/v1/queue/join", `{"fighter_id":"alpha"}`); rec.Code != http.StatusOK {
		t.Fatalf("join status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodPost, "/admin/v1/house-bots", `{"count":3}`, auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("house bots status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/admin/v1/tick", "", auth...); rec.Code != http.StatusOK {
		t.Fatalf("tick status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var st orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(st.Slots) != 1 || st.Slots[0].State != orchestrator.StateBetting {
		t.Fatalf("slots=%+v", st.Slots)
	}
	rumbleID := st.Slots[0].RumbleID

	rec = f.do(t, http.MethodGet, "/v1/slots/0/odds", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("odds status=%d body=%s", rec.Code, rec.Body.String())
	}
	var odds orchestrator.Odds
	if err := json.Unmarshal(rec.Body.Bytes(), &odds); err != nil {
		t.Fatalf("decode odds: %v", err)
	}
	if odds.RumbleID != rumbleID || len(odds.Fighters) != 4 {
		t.Fatalf("odds=%+v", odds)
	}

	bettor := ledger.FighterKey("bettor").String()
	path := "/v1/rumbles/" + jsonNumber(rumbleID) + "/bet-tx?bettor=" + bettor + "&fighter_index=1&lamports=1000000"
	rec = f.do(t, http.MethodGet, path, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"transaction"`) {
		t.Fatalf("bet-tx status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/v1/rumbles/"+jsonNumber(rumbleID)+"/bet-tx?bettor="+bettor+"&fighter_index=9&lamports=1", "")
	if rec.Code != http.StatusBadGateway || errorCode(t, rec) != protocol.ErrLedgerRejected {
		t.Fatalf("bad bet-tx status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/commit", `{"rumble_id":`+jsonNumber(rumbleID)+`,"turn":1,"fighter_id":"alpha","commit_hash":"`+strings.Repeat("a", 64)+`"}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != protocol.ErrTurnClosed {
		t.Fatalf("commit during betting status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/v1/slots/0/auto-requeue", `{"fighter_id":"alpha","enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto-requeue status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/v1/slots/0/auto-requeue", `{"fighter_id":"nobody","enabled":true}`)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != protocol.ErrNotParticipant {
		t.Fatalf("auto-requeue outsider status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestNotFoundAndWebhookKey(t *testing.T) {
	f := newFixture(t, "secret")

	rec := f.do(t, http.MethodGet, "/v1/slots/0/odds", "")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != protocol.ErrSlotNotFound {
		t.Fatalf("idle odds status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/v1/rumbles/42", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing rumble status=%d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/slots/x/combat", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad slot status=%d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/webhook-key", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), strings.Repeat("07", 32)) {
		t.Fatalf("webhook key status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/v1/rumbles", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"rumbles":[]`) {
		t.Fatalf("rumbles status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func jsonNumber(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
