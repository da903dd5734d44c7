// Package fighters delivers protocol notifications to fighter webhooks.
//
// Every request carries an EdDSA-signed JWT in the Authorization header.
// The token's subject is the fighter id and its body_sha256 claim binds it
// to the exact request body, so a fighter can reject replays and forgeries
// with the public key served at /v1/webhook-key.
package fighters

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/orchestrator"
)

const (
	Issuer = "rumblearena"

	maxReplyBytes = 64 << 10
	maxInFlight   = 32
)

// Endpoints resolves a fighter's registered webhook URL.
type Endpoints interface {
	LoadFighterEndpoint(ctx context.Context, fighterID string) (string, error)
}

type Config struct {
	Endpoints Endpoints
	Key       ed25519.PrivateKey
	// Timeout bounds one fan-out round; fighters that have not answered by
	// then play a fallback move.
	Timeout time.Duration
	Client  *http.Client
	Logger  *log.Logger
	Now     func() time.Time
}

// Notifier implements orchestrator.Notifier over HTTP webhooks.
type Notifier struct {
	cfg Config
}

var _ orchestrator.Notifier = (*Notifier)(nil)

func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Endpoints == nil {
		return nil, errors.New("fighters: endpoints are required")
	}
	if len(cfg.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("fighters: ed25519 signing key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Notifier{cfg: cfg}, nil
}

// PublicKey is the key fighters verify notification tokens with.
func (n *Notifier) PublicKey() ed25519.PublicKey {
	return n.cfg.Key.Public().(ed25519.PublicKey)
}

// webhookReply is what a fighter may answer in the response body. Either
// field set is optional; an empty or unparsable body is no answer.
type webhookReply struct {
	CommitHash string `json:"commit_hash"`
	Move       string `json:"move"`
	Salt       string `json:"salt"`
}

func (n *Notifier) TurnOpen(ctx context.Context, msgs []protocol.TurnOpenMsg) []orchestrator.Reply {
	return fanOut(ctx, n, msgs, func(m protocol.TurnOpenMsg) (string, string) {
		return m.YourState.FighterID, m.NotificationID
	})
}

func (n *Notifier) RevealOpen(ctx context.Context, msgs []protocol.RevealOpenMsg) []orchestrator.Reply {
	return fanOut(ctx, n, msgs, func(m protocol.RevealOpenMsg) (string, string) {
		return m.FighterID, m.NotificationID
	})
}

func (n *Notifier) RumbleResult(ctx context.Context, msgs []protocol.RumbleResultMsg) {
	_ = fanOut(ctx, n, msgs, func(m protocol.RumbleResultMsg) (string, string) {
		return m.FighterID, m.NotificationID
	})
}

// fanOut posts every message concurrently and returns the replies that
// arrived within the timeout, in message order.
func fanOut[M any](ctx context.Context, n *Notifier, msgs []M, ids func(M) (fighterID, notificationID string)) []orchestrator.Reply {
	if len(msgs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	replies := make([]*orchestrator.Reply, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, m := range msgs {
		fighterID, notificationID := ids(m)
		g.Go(func() error {
			r, err := n.deliver(gctx, fighterID, notificationID, m)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					n.cfg.Logger.Printf("notify failed fighter=%s notification=%s err=%v", fighterID, notificationID, err)
				}
				return nil
			}
			replies[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var out []orchestrator.Reply
	for _, r := range replies {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (n *Notifier) deliver(ctx context.Context, fighterID, notificationID string, msg any) (*orchestrator.Reply, error) {
	url, err := n.cfg.Endpoints.LoadFighterEndpoint(ctx, fighterID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	token, err := n.sign(fighterID, notificationID, body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := n.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var wr webhookReply
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("webhook reply: %w", err)
	}
	if wr.CommitHash == "" && wr.Move == "" {
		return nil, nil
	}
	return &orchestrator.Reply{
		FighterID:  fighterID,
		CommitHash: wr.CommitHash,
		Move:       wr.Move,
		Salt:       wr.Salt,
	}, nil
}

// Claims is the payload of a notification token.
type Claims struct {
	jwt.RegisteredClaims
	BodySHA256 string `json:"body_sha256"`
}

func (n *Notifier) sign(fighterID, notificationID string, body []byte) (string, error) {
	now := n.cfg.Now().UTC()
	sum := sha256.Sum256(body)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   fighterID,
			ID:        notificationID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(n.cfg.Timeout + time.Minute)),
		},
		BodySHA256: hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(n.cfg.Key)
}
