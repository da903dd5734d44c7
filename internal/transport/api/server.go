// Package api serves the orchestrator over HTTP JSON.
package api

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rumblearena.ai/internal/ledger"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/orchestrator"
)

const maxBodyBytes = 64 << 10

// History is the read side of finished rumbles.
type History interface {
	RecentRumbles(ctx context.Context, limit int) ([]store.RumbleRecord, error)
	LoadRumble(ctx context.Context, rumbleID uint64) (store.RumbleRecord, error)
	LoadFighterRecord(ctx context.Context, fighterID string) (store.FighterRecord, error)
}

type Options struct {
	Orchestrator *orchestrator.Orchestrator
	// Ledger builds unsigned place-bet transactions for wallets.
	Ledger  ledger.Gateway
	History History
	// WebhookKey is published so fighters can verify notifications.
	WebhookKey ed25519.PublicKey
	// AdminToken guards /admin/v1; when empty only loopback clients pass.
	AdminToken string
	Logger     *log.Logger
}

type Server struct {
	opts   Options
	logger *log.Logger
}

func NewServer(opts Options) *Server {
	s := &Server{opts: opts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	return s
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/slots/{slot}/odds", s.handleOdds)
	mux.HandleFunc("GET /v1/slots/{slot}/combat", s.handleCombat)
	mux.HandleFunc("POST /v1/slots/{slot}/auto-requeue", s.handleAutoRequeue)
	mux.HandleFunc("POST /v1/queue/join", s.handleQueueJoin)
	mux.HandleFunc("POST /v1/queue/leave", s.handleQueueLeave)
	mux.HandleFunc("POST /v1/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/reveal", s.handleReveal)
	mux.HandleFunc("GET /v1/rumbles", s.handleRumbles)
	mux.HandleFunc("GET /v1/rumbles/{id}", s.handleRumble)
	mux.HandleFunc("GET /v1/rumbles/{id}/bet-tx", s.handleBetTx)
	mux.HandleFunc("GET /v1/fighters/{id}", s.handleFighter)
	mux.HandleFunc("GET /v1/webhook-key", s.handleWebhookKey)

	mux.HandleFunc("POST /admin/v1/tick", s.admin(s.handleTick))
	mux.HandleFunc("POST /admin/v1/house-bots", s.admin(s.handleHouseBots))
	mux.HandleFunc("POST /admin/v1/slots/{slot}/ensure-onchain", s.admin(s.handleEnsureOnchain))
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	status := protocol.HTTPStatus(err)
	if status >= 500 {
		s.logger.Printf("%s %s failed code=%s err=%v", r.Method, r.URL.Path, protocol.Code(err), err)
	}
	msg := err.Error()
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Message != "" {
		msg = pe.Message
	}
	writeJSON(rw, status, protocol.ErrorBody{Code: protocol.Code(err), Message: msg})
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrProtoBadRequest, "read body", err)
	}
	return raw, nil
}

// decode reads the body, defaults its type field to msgType and validates it
// against the message schema.
func decode(r *http.Request, msgType string, out any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return protocol.WrapError(protocol.ErrProtoBadRequest, "malformed json", err)
	}
	if _, ok := probe["type"]; !ok {
		probe["type"] = msgType
		raw, _ = json.Marshal(probe)
	}
	return protocol.Decode(msgType, raw, out)
}

func slotParam(r *http.Request) (int, error) {
	v, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil || v < 0 {
		return 0, protocol.NewError(protocol.ErrProtoBadRequest, "bad slot index")
	}
	return v, nil
}

func rumbleParam(r *http.Request) (uint64, error) {
	v, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || v == 0 {
		return 0, protocol.NewError(protocol.ErrProtoBadRequest, "bad rumble id")
	}
	return v, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return protocol.NewError(protocol.ErrSlotNotFound, what+" not found")
	}
	return err
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Orchestrator.Status(r.Context())
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) handleOdds(rw http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	odds, err := s.opts.Orchestrator.Odds(r.Context(), slot)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, odds)
}

func (s *Server) handleCombat(rw http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	view, err := s.opts.Orchestrator.CombatState(r.Context(), slot)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, view)
}

func (s *Server) handleAutoRequeue(rw http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	var req struct {
		FighterID string `json:"fighter_id"`
		Enabled   bool   `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || strings.TrimSpace(req.FighterID) == "" {
		s.writeError(rw, r, protocol.NewError(protocol.ErrProtoBadRequest, "fighter_id and enabled are required"))
		return
	}
	if err := s.opts.Orchestrator.SetAutoRequeue(r.Context(), slot, req.FighterID, req.Enabled); err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "auto_requeue": req.Enabled})
}

func (s *Server) handleQueueJoin(rw http.ResponseWriter, r *http.Request) {
	var msg protocol.QueueJoinMsg
	if err := decode(r, protocol.TypeQueueJoin, &msg); err != nil {
		s.writeError(rw, r, err)
		return
	}
	pos, err := s.opts.Orchestrator.AddToQueue(r.Context(), msg.FighterID, msg.AutoRequeue, msg.WebhookURL)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, pos)
}

func (s *Server) handleQueueLeave(rw http.ResponseWriter, r *http.Request) {
	var msg protocol.QueueLeaveMsg
	if err := decode(r, protocol.TypeQueueLeave, &msg); err != nil {
		s.writeError(rw, r, err)
		return
	}
	removed, err := s.opts.Orchestrator.RemoveFromQueue(r.Context(), msg.FighterID)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleCommit(rw http.ResponseWriter, r *http.Request) {
	var msg protocol.CommitMsg
	if err := decode(r, protocol.TypeCommit, &msg); err != nil {
		s.writeError(rw, r, err)
		return
	}
	if err := s.opts.Orchestrator.SubmitCommit(r.Context(), msg); err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleReveal(rw http.ResponseWriter, r *http.Request) {
	var msg protocol.RevealMsg
	if err := decode(r, protocol.TypeReveal, &msg); err != nil {
		s.writeError(rw, r, err)
		return
	}
	if err := s.opts.Orchestrator.SubmitReveal(r.Context(), msg); err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleRumbles(rw http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	recs, err := s.opts.History.RecentRumbles(r.Context(), limit)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	if recs == nil {
		recs = []store.RumbleRecord{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"rumbles": recs})
}

func (s *Server) handleRumble(rw http.ResponseWriter, r *http.Request) {
	id, err := rumbleParam(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	rec, err := s.opts.History.LoadRumble(r.Context(), id)
	if err != nil {
		s.writeError(rw, r, notFound(err, "rumble"))
		return
	}
	writeJSON(rw, http.StatusOK, rec)
}

func (s *Server) handleFighter(rw http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.History.LoadFighterRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(rw, r, notFound(err, "fighter"))
		return
	}
	writeJSON(rw, http.StatusOK, rec)
}

// handleBetTx answers with an unsigned base64 transaction the bettor's
// wallet signs and submits itself.
func (s *Server) handleBetTx(rw http.ResponseWriter, r *http.Request) {
	id, err := rumbleParam(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	q := r.URL.Query()
	bettor, err := ledger.ParsePublicKey(q.Get("bettor"))
	if err != nil {
		s.writeError(rw, r, protocol.WrapError(protocol.ErrProtoBadRequest, "bad bettor", err))
		return
	}
	fighter, err := strconv.Atoi(q.Get("fighter_index"))
	if err != nil {
		s.writeError(rw, r, protocol.NewError(protocol.ErrProtoBadRequest, "bad fighter_index"))
		return
	}
	lamports, err := strconv.ParseUint(q.Get("lamports"), 10, 64)
	if err != nil {
		s.writeError(rw, r, protocol.NewError(protocol.ErrProtoBadRequest, "bad lamports"))
		return
	}
	tx, err := s.opts.Ledger.BuildPlaceBetTx(r.Context(), id, bettor, fighter, lamports)
	if err != nil {
		s.writeError(rw, r, ledgerError(err))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"rumble_id": id, "transaction": tx})
}

func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return protocol.WrapError(protocol.ErrSlotNotFound, "rumble not on ledger", err)
	case errors.Is(err, ledger.ErrRejected):
		return protocol.WrapError(protocol.ErrLedgerRejected, err.Error(), err)
	default:
		return protocol.WrapError(protocol.ErrLedgerUnavailable, "ledger", err)
	}
}

func (s *Server) handleWebhookKey(rw http.ResponseWriter, r *http.Request) {
	if len(s.opts.WebhookKey) == 0 {
		http.NotFound(rw, r)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"alg":        "EdDSA",
		"public_key": hex.EncodeToString(s.opts.WebhookKey),
	})
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			next(rw, r)
			return
		}
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleTick(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.opts.Orchestrator.Tick(r.Context()); err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "took_ms": time.Since(start).Milliseconds()})
}

func (s *Server) handleHouseBots(rw http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(rw, r, protocol.WrapError(protocol.ErrProtoBadRequest, "malformed json", err))
		return
	}
	ids, err := s.opts.Orchestrator.QueueHouseBotsManually(r.Context(), req.Count)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"queued": ids})
}

func (s *Server) handleEnsureOnchain(rw http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	if err := s.opts.Orchestrator.EnsureOnchainRumbleForSlot(r.Context(), slot); err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
