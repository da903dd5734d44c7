package fighters

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
)

type endpointMap map[string]string

func (m endpointMap) LoadFighterEndpoint(_ context.Context, id string) (string, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return "", store.ErrNotFound
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestNotifier(t *testing.T, eps endpointMap, timeout time.Duration) *Notifier {
	t.Helper()
	key, err := SigningKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	n, err := NewNotifier(Config{
		Endpoints: eps,
		Key:       key,
		Timeout:   timeout,
		Now:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	return n
}

func TestNotifier_TurnOpenCollectsSignedReplies(t *testing.T) {
	var n *Notifier
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		id := strings.TrimPrefix(r.URL.Path, "/")
		c, err := VerifyRequest(r, body, n.PublicKey(), id, testNow)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusUnauthorized)
			return
		}
		var msg protocol.TurnOpenMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, c.ID)
		mu.Unlock()
		_ = json.NewEncoder(rw).Encode(map[string]string{"commit_hash": "hash-" + id})
	}))
	defer srv.Close()

	n = newTestNotifier(t, endpointMap{
		"alpha": srv.URL + "/alpha",
		"bravo": srv.URL + "/bravo",
	}, time.Second)

	msgs := []protocol.TurnOpenMsg{
		{Type: protocol.TypeTurnOpen, NotificationID: "n1", YourState: protocol.FighterState{FighterID: "alpha"}},
		{Type: protocol.TypeTurnOpen, NotificationID: "n2", YourState: protocol.FighterState{FighterID: "bravo"}},
		{Type: protocol.TypeTurnOpen, NotificationID: "n3", YourState: protocol.FighterState{FighterID: "ghost"}},
	}
	replies := n.TurnOpen(context.Background(), msgs)
	if len(replies) != 2 {
		t.Fatalf("replies=%d want=2", len(replies))
	}
	if replies[0].FighterID != "alpha" || replies[0].CommitHash != "hash-alpha" {
		t.Fatalf("reply[0]=%+v", replies[0])
	}
	if replies[1].FighterID != "bravo" || replies[1].CommitHash != "hash-bravo" {
		t.Fatalf("reply[1]=%+v", replies[1])
	}
	if len(seen) != 2 {
		t.Fatalf("verified notifications=%v", seen)
	}
}

func TestNotifier_SlowFighterTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/slow") {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		_, _ = rw.Write([]byte(`{"move":"HIGH_STRIKE","salt":"s1"}`))
	}))
	defer srv.Close()
	defer close(release)

	n := newTestNotifier(t, endpointMap{
		"fast": srv.URL + "/fast",
		"slow": srv.URL + "/slow",
	}, 200*time.Millisecond)

	start := time.Now()
	replies := n.RevealOpen(context.Background(), []protocol.RevealOpenMsg{
		{Type: protocol.TypeRevealOpen, NotificationID: "n1", FighterID: "fast"},
		{Type: protocol.TypeRevealOpen, NotificationID: "n2", FighterID: "slow"},
	})
	if time.Since(start) > 2*time.Second {
		t.Fatalf("fan-out did not honor timeout")
	}
	if len(replies) != 1 || replies[0].FighterID != "fast" || replies[0].Move != "HIGH_STRIKE" || replies[0].Salt != "s1" {
		t.Fatalf("replies=%+v", replies)
	}
}

func TestNotifier_IgnoresErrorsAndEmptyBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/boom":
			http.Error(rw, "boom", http.StatusInternalServerError)
		case "/junk":
			_, _ = rw.Write([]byte("not json"))
		default:
			rw.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	n := newTestNotifier(t, endpointMap{
		"boom":  srv.URL + "/boom",
		"junk":  srv.URL + "/junk",
		"quiet": srv.URL + "/quiet",
	}, time.Second)
	replies := n.TurnOpen(context.Background(), []protocol.TurnOpenMsg{
		{YourState: protocol.FighterState{FighterID: "boom"}},
		{YourState: protocol.FighterState{FighterID: "junk"}},
		{YourState: protocol.FighterState{FighterID: "quiet"}},
	})
	if len(replies) != 0 {
		t.Fatalf("replies=%+v want none", replies)
	}
}

func TestVerifyRequest_RejectsTampering(t *testing.T) {
	n := newTestNotifier(t, endpointMap{}, time.Second)
	body := []byte(`{"type":"RUMBLE_RESULT"}`)
	token, err := n.sign("alpha", "n1", body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	if _, err := VerifyRequest(req, body, n.PublicKey(), "alpha", testNow); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if _, err := VerifyRequest(req, []byte(`{"type":"X"}`), n.PublicKey(), "alpha", testNow); err == nil {
		t.Fatalf("expected body mismatch")
	}
	if _, err := VerifyRequest(req, body, n.PublicKey(), "bravo", testNow); err == nil {
		t.Fatalf("expected subject mismatch")
	}
	if _, err := VerifyRequest(req, body, n.PublicKey(), "alpha", testNow.Add(time.Hour)); err == nil {
		t.Fatalf("expected expiry")
	}
	other, _ := SigningKey("")
	if _, err := VerifyRequest(req, body, other.Public().(ed25519.PublicKey), "alpha", testNow); err == nil {
		t.Fatalf("expected bad signature")
	}
}
