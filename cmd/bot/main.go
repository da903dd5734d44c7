package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	mrand "math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"rumblearena.ai/internal/fighters"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/combat"
	"rumblearena.ai/internal/sim/turn"
)

func main() {
	var (
		addr        = flag.String("addr", ":9090", "webhook listen address")
		server      = flag.String("server", "http://127.0.0.1:8080", "orchestrator base url")
		id          = flag.String("id", "bot", "fighter id")
		publicURL   = flag.String("public_url", "", "webhook url the orchestrator can reach (default: http://127.0.0.1<addr>/webhook)")
		autoRequeue = flag.Bool("auto_requeue", true, "rejoin the queue after every rumble")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	base := strings.TrimRight(*server, "/")
	hook := strings.TrimSpace(*publicURL)
	if hook == "" {
		hook = "http://127.0.0.1" + *addr + "/webhook"
		if !strings.HasPrefix(*addr, ":") {
			hook = "http://" + *addr + "/webhook"
		}
	}

	pub, err := fetchWebhookKey(base)
	if err != nil {
		logger.Fatalf("webhook key: %v", err)
	}

	b := &bot{id: *id, pub: pub, logger: logger, salts: map[string]pending{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", b.handle)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()

	go func() {
		// Give the listener a moment before the orchestrator can call back.
		time.Sleep(200 * time.Millisecond)
		join := protocol.QueueJoinMsg{
			Type:            protocol.TypeQueueJoin,
			ProtocolVersion: protocol.Version,
			FighterID:       *id,
			AutoRequeue:     *autoRequeue,
			WebhookURL:      hook,
		}
		var pos struct {
			Position    int   `json:"position"`
			EstimatedMs int64 `json:"estimated_wait_ms"`
		}
		if err := postJSON(base+"/v1/queue/join", join, &pos); err != nil {
			logger.Printf("queue join failed: %v", err)
			stop()
			return
		}
		logger.Printf("queued fighter=%s position=%d eta=%s webhook=%s", *id, pos.Position, time.Duration(pos.EstimatedMs)*time.Millisecond, hook)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

type pending struct {
	move combat.Move
	salt string
}

type bot struct {
	id     string
	pub    ed25519.PublicKey
	logger *log.Logger

	mu    sync.Mutex
	salts map[string]pending
}

func turnKey(rumbleID uint64, turn int) string { return fmt.Sprintf("%d/%d", rumbleID, turn) }

func (b *bot) handle(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(rw, "read", http.StatusBadRequest)
		return
	}
	if _, err := fighters.VerifyRequest(r, body, b.pub, b.id, time.Now()); err != nil {
		b.logger.Printf("rejected notification: %v", err)
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	msg, err := protocol.DecodeBase(body)
	if err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	switch msg.Type {
	case protocol.TypeTurnOpen:
		var m protocol.TurnOpenMsg
		if err := json.Unmarshal(body, &m); err != nil {
			http.Error(rw, "bad json", http.StatusBadRequest)
			return
		}
		mv := chooseMove(m)
		salt := newSalt()
		b.mu.Lock()
		b.salts[turnKey(m.RumbleID, m.Turn)] = pending{move: mv, salt: salt}
		b.mu.Unlock()
		writeJSON(rw, map[string]string{"commit_hash": turn.CommitHash(mv, salt)})

	case protocol.TypeRevealOpen:
		var m protocol.RevealOpenMsg
		if err := json.Unmarshal(body, &m); err != nil {
			http.Error(rw, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		p, ok := b.salts[turnKey(m.RumbleID, m.Turn)]
		delete(b.salts, turnKey(m.RumbleID, m.Turn))
		b.mu.Unlock()
		if !ok {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(rw, map[string]string{"move": string(p.move), "salt": p.salt})

	case protocol.TypeRumbleResult:
		var m protocol.RumbleResultMsg
		if err := json.Unmarshal(body, &m); err == nil {
			b.logger.Printf("rumble=%d finished placement=%d winner=%s turns=%d", m.RumbleID, m.Placement, m.WinnerID, m.Turns)
		}
		rw.WriteHeader(http.StatusNoContent)

	default:
		rw.WriteHeader(http.StatusNoContent)
	}
}

// chooseMove spends a full special meter, guards on a bye and otherwise
// picks uniformly among the legal moves.
func chooseMove(m protocol.TurnOpenMsg) combat.Move {
	legal := make([]combat.Move, 0, len(m.LegalMoves))
	for _, s := range m.LegalMoves {
		if mv, err := combat.ParseMove(s); err == nil {
			legal = append(legal, mv)
		}
	}
	if len(legal) == 0 {
		return combat.MoveGuardMid
	}
	if m.OpponentState == nil {
		return combat.MoveGuardMid
	}
	for _, mv := range legal {
		if mv == combat.MoveSpecial {
			return mv
		}
	}
	return legal[mrand.IntN(len(legal))]
}

func newSalt() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func fetchWebhookKey(base string) (ed25519.PublicKey, error) {
	var out struct {
		PublicKey string `json:"public_key"`
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(base + "/v1/webhook-key")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(out.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad public key %q", out.PublicKey)
	}
	return ed25519.PublicKey(raw), nil
}

func postJSON(url string, in, out any) error {
	body, _ := json.Marshal(in)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
