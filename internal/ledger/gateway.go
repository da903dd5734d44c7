package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("rumblearena.ai/internal/ledger")

type RPCGatewayConfig struct {
	ProgramID      PublicKey
	RPC            *RPCClient
	Signer         Signer
	ConfirmTimeout time.Duration
	// AnchorTurns posts commit and reveal memos; off by default since every
	// turn then costs one transaction per fighter.
	AnchorTurns bool
	Logger      *log.Logger
}

// RPCGateway drives the rumble program over JSON-RPC.
type RPCGateway struct {
	cfg     RPCGatewayConfig
	program Program

	treasuryMu sync.Mutex
	treasury   PublicKey
}

var _ Gateway = (*RPCGateway)(nil)

func NewRPCGateway(cfg RPCGatewayConfig) (*RPCGateway, error) {
	if cfg.ProgramID.IsZero() {
		return nil, errors.New("ledger program id is required")
	}
	if cfg.RPC == nil {
		return nil, errors.New("rpc client is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &RPCGateway{
		cfg: cfg,
		program: Program{
			Addresses: Addresses{ProgramID: cfg.ProgramID},
			Admin:     cfg.Signer.PublicKey(),
		},
	}, nil
}

func (g *RPCGateway) printf(format string, args ...any) {
	if g != nil && g.cfg.Logger != nil {
		g.cfg.Logger.Printf(format, args...)
	}
}

func startSpan(ctx context.Context, name string, rumbleID uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attribute.Int64("rumble.id", int64(rumbleID))))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// submit signs ix with the admin key, sends it and waits for confirmation.
func (g *RPCGateway) submit(ctx context.Context, ixs ...Instruction) (string, error) {
	bh, err := g.cfg.RPC.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := NewTransaction(g.program.Admin, bh, ixs...)
	if err != nil {
		return "", err
	}
	if err := tx.Sign(ctx, g.cfg.Signer); err != nil {
		return "", err
	}
	sig, err := g.cfg.RPC.SendTransaction(ctx, tx)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(g.cfg.ConfirmTimeout)
	for {
		st, found, err := g.cfg.RPC.SignatureStatus(ctx, sig)
		if err != nil {
			return sig, err
		}
		if found && len(st.Err) > 0 {
			return sig, fmt.Errorf("%w: %s: %s", ErrRejected, sig, string(st.Err))
		}
		if found && st.Confirmed {
			return sig, nil
		}
		if time.Now().After(deadline) {
			return sig, fmt.Errorf("%w: %s not confirmed after %s", ErrUnavailable, sig, g.cfg.ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return sig, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (g *RPCGateway) OpenBetting(ctx context.Context, rumbleID uint64, fighters []PublicKey, deadline time.Time) (sig string, err error) {
	ctx, span := startSpan(ctx, "OpenBetting", rumbleID)
	defer func() { endSpan(span, err) }()
	ix, err := g.program.CreateRumble(rumbleID, fighters, deadline)
	if err != nil {
		return "", err
	}
	sig, err = g.submit(ctx, ix)
	if err == nil {
		g.printf("create_rumble rumble=%d fighters=%d deadline=%s sig=%s", rumbleID, len(fighters), deadline.UTC().Format(time.RFC3339), sig)
	}
	return sig, err
}

func (g *RPCGateway) CloseBettingAndStartCombat(ctx context.Context, rumbleID uint64) (sig string, err error) {
	ctx, span := startSpan(ctx, "CloseBettingAndStartCombat", rumbleID)
	defer func() { endSpan(span, err) }()
	ix, err := g.program.StartCombat(rumbleID)
	if err != nil {
		return "", err
	}
	return g.submit(ctx, ix)
}

func (g *RPCGateway) SubmitTurnCommit(ctx context.Context, rumbleID uint64, fighterID string, turn int, hash string) (sig string, err error) {
	if !g.cfg.AnchorTurns {
		return "", nil
	}
	ctx, span := startSpan(ctx, "SubmitTurnCommit", rumbleID)
	defer func() { endSpan(span, err) }()
	return g.submit(ctx, TurnMemo(g.program.Admin, rumbleID, fighterID, turn, "commit", hash))
}

func (g *RPCGateway) SubmitTurnReveal(ctx context.Context, rumbleID uint64, fighterID string, turn int, move, salt string) (sig string, err error) {
	if !g.cfg.AnchorTurns {
		return "", nil
	}
	ctx, span := startSpan(ctx, "SubmitTurnReveal", rumbleID)
	defer func() { endSpan(span, err) }()
	return g.submit(ctx, TurnMemo(g.program.Admin, rumbleID, fighterID, turn, "reveal", move+":"+salt))
}

func (g *RPCGateway) ReportResult(ctx context.Context, rumbleID uint64, placements []uint8, winnerIndex uint8) (sig string, err error) {
	ctx, span := startSpan(ctx, "ReportResult", rumbleID)
	defer func() { endSpan(span, err) }()
	ix, err := g.program.ReportResult(rumbleID, placements, winnerIndex)
	if err != nil {
		return "", err
	}
	return g.submit(ctx, ix)
}

func (g *RPCGateway) CompleteRumble(ctx context.Context, rumbleID uint64) (sig string, err error) {
	ctx, span := startSpan(ctx, "CompleteRumble", rumbleID)
	defer func() { endSpan(span, err) }()
	ix, err := g.program.CompleteRumble(rumbleID)
	if err != nil {
		return "", err
	}
	return g.submit(ctx, ix)
}

func (g *RPCGateway) ReadAccountState(ctx context.Context, rumbleID uint64) (st AccountState, err error) {
	ctx, span := startSpan(ctx, "ReadAccountState", rumbleID)
	defer func() {
		if errors.Is(err, ErrAccountNotFound) {
			endSpan(span, nil)
			return
		}
		endSpan(span, err)
	}()
	addr, _, err := g.program.Rumble(rumbleID)
	if err != nil {
		return AccountState{}, err
	}
	data, err := g.cfg.RPC.AccountData(ctx, addr)
	if err != nil {
		return AccountState{}, err
	}
	st, err = DecodeRumbleAccount(data)
	if err != nil {
		return AccountState{}, fmt.Errorf("rumble %d: %w", rumbleID, err)
	}
	st.Address = addr
	st.FetchedAt = time.Now().UTC()
	return st, nil
}

func (g *RPCGateway) DeriveAddress(seeds ...[]byte) (PublicKey, uint8, error) {
	return FindProgramAddress(g.cfg.ProgramID, seeds...)
}

func (g *RPCGateway) treasuryKey(ctx context.Context) (PublicKey, error) {
	g.treasuryMu.Lock()
	defer g.treasuryMu.Unlock()
	if !g.treasury.IsZero() {
		return g.treasury, nil
	}
	addr, _, err := g.program.Config()
	if err != nil {
		return PublicKey{}, err
	}
	data, err := g.cfg.RPC.AccountData(ctx, addr)
	if err != nil {
		return PublicKey{}, fmt.Errorf("rumble config: %w", err)
	}
	cfg, err := DecodeConfigAccount(data)
	if err != nil {
		return PublicKey{}, err
	}
	g.treasury = cfg.Treasury
	return g.treasury, nil
}

func (g *RPCGateway) BuildPlaceBetTx(ctx context.Context, rumbleID uint64, bettor PublicKey, fighterIndex int, lamports uint64) (string, error) {
	st, err := g.ReadAccountState(ctx, rumbleID)
	if err != nil {
		return "", err
	}
	if err := checkBet(st, fighterIndex, lamports, time.Now()); err != nil {
		return "", err
	}
	treasury, err := g.treasuryKey(ctx)
	if err != nil {
		return "", err
	}
	ix, err := g.program.PlaceBet(rumbleID, bettor, treasury, st.Fighters[fighterIndex], uint8(fighterIndex), lamports)
	if err != nil {
		return "", err
	}
	bh, err := g.cfg.RPC.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := NewTransaction(bettor, bh, ix)
	if err != nil {
		return "", err
	}
	return tx.Base64()
}

// checkBet applies place_bet's preconditions so wallets get an early error
// instead of a failed transaction.
func checkBet(st AccountState, fighterIndex int, lamports uint64, now time.Time) error {
	if st.State != StateBetting || !now.Before(st.BettingDeadline) {
		return fmt.Errorf("%w: betting closed for rumble %d", ErrRejected, st.RumbleID)
	}
	if fighterIndex < 0 || fighterIndex >= st.FighterCount {
		return fmt.Errorf("%w: invalid fighter index %d", ErrRejected, fighterIndex)
	}
	if lamports == 0 {
		return fmt.Errorf("%w: bet amount must be greater than zero", ErrRejected)
	}
	return nil
}
