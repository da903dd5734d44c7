package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"rumblearena.ai/internal/fighters"
	"rumblearena.ai/internal/ledger"
	persistlog "rumblearena.ai/internal/persistence/log"
	"rumblearena.ai/internal/persistence/store"
	"rumblearena.ai/internal/platform/config"
	"rumblearena.ai/internal/platform/otel"
	"rumblearena.ai/internal/protocol"
	"rumblearena.ai/internal/sim/orchestrator"
	"rumblearena.ai/internal/sim/tuning"
	"rumblearena.ai/internal/transport/api"
	"rumblearena.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "", "runtime data directory (default: RUMBLE_DATA_DIR)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dbPath     = flag.String("db", "", "sqlite path (default: RUMBLE_DB_PATH or <data>/rumble.db)")
		noKeeper   = flag.Bool("no_keeper", false, "serve the API only; another process runs the keeper loop")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadRumble()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if strings.TrimSpace(*dataDir) == "" {
		*dataDir = cfg.DataDir
	}
	_ = os.MkdirAll(*dataDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownOtel, err := otel.Setup(ctx, "rumble-orchestrator")
	if err != nil {
		logger.Printf("otel disabled: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownOtel(ctx2)
	}()

	sqlitePath := firstNonEmpty(*dbPath, cfg.DBPath, filepath.Join(*dataDir, "rumble.db"))
	st, err := store.OpenSQLite(sqlitePath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	gw, err := openLedger(cfg)
	if err != nil {
		logger.Fatalf("ledger: %v", err)
	}

	key, err := fighters.SigningKey(cfg.WebhookSigningKey)
	if err != nil {
		logger.Fatalf("%v", protocol.WrapError(protocol.ErrConfig, "RUMBLE_WEBHOOK_SIGNING_KEY", err))
	}
	if strings.TrimSpace(cfg.WebhookSigningKey) == "" {
		logger.Printf("RUMBLE_WEBHOOK_SIGNING_KEY unset; using an ephemeral webhook key")
	}
	notifier, err := fighters.NewNotifier(fighters.Config{
		Endpoints: st,
		Key:       key,
		Timeout:   tune.NotifyTimeout(),
		Logger:    log.New(os.Stdout, "[fighters] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("notifier: %v", err)
	}

	events := persistlog.NewEventLogger(*dataDir)
	defer events.Close()

	o, err := orchestrator.New(orchestrator.Options{
		Store:      st,
		Ledger:     gw,
		Tuning:     tune,
		Notifier:   notifier,
		Events:     events,
		ArchiveDir: *dataDir,
		Logger:     log.New(os.Stdout, "[orchestrator] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("orchestrator: %v", err)
	}
	if err := o.Init(ctx); err != nil {
		logger.Fatalf("init slots: %v", err)
	}

	if *noKeeper {
		logger.Printf("keeper loop disabled (-no_keeper)")
	} else {
		go runKeeper(ctx, o, cfg.KeeperInterval, logger)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		s, err := o.Status(r.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, s)
	})
	api.NewServer(api.Options{
		Orchestrator: o,
		Ledger:       gw,
		History:      st,
		WebhookKey:   notifier.PublicKey(),
		AdminToken:   cfg.AdminToken,
		Logger:       log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmicroseconds),
	}).Register(mux)
	mux.HandleFunc("/v1/ws", ws.NewServer(o, cfg.KeeperInterval, logger).Handler())

	if envBool("RUMBLE_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (RUMBLE_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s ledger=%s slots=%d db=%s", *addr, cfg.LedgerBackend, tune.Slots, sqlitePath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// runKeeper drives Tick on a fixed interval. A slow tick delays the next
// one rather than overlapping it.
func runKeeper(ctx context.Context, o *orchestrator.Orchestrator, every time.Duration, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := o.Tick(tctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("tick: %v", err)
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func openLedger(cfg config.Rumble) (ledger.Gateway, error) {
	ledgerLog := log.New(os.Stdout, "[ledger] ", log.LstdFlags|log.Lmicroseconds)
	switch strings.ToLower(cfg.LedgerBackend) {
	case config.LedgerSim:
		programID := ledger.FighterKey("rumble-program-sim")
		if strings.TrimSpace(cfg.ProgramID) != "" {
			pk, err := ledger.ParsePublicKey(cfg.ProgramID)
			if err != nil {
				return nil, protocol.WrapError(protocol.ErrConfig, "RUMBLE_PROGRAM_ID", err)
			}
			programID = pk
		}
		ledgerLog.Printf("using in-process ledger simulator program=%s", programID)
		return ledger.NewSim(programID, time.Now), nil
	case config.LedgerRPC:
		programID, err := ledger.ParsePublicKey(cfg.ProgramID)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrConfig, "RUMBLE_PROGRAM_ID", err)
		}
		var signer ledger.Signer
		if strings.TrimSpace(cfg.AdminKeypair) != "" {
			kp, err := ledger.LoadKeypairFile(cfg.AdminKeypair)
			if err != nil {
				return nil, protocol.WrapError(protocol.ErrConfig, "RUMBLE_ADMIN_KEYPAIR", err)
			}
			signer = kp
		} else {
			pub, err := ledger.ParsePublicKey(cfg.SignerPubkey)
			if err != nil {
				return nil, protocol.WrapError(protocol.ErrConfig, "RUMBLE_SIGNER_PUBKEY", err)
			}
			signer = &ledger.RemoteSigner{URL: cfg.SignerURL, Pub: pub}
		}
		return ledger.NewRPCGateway(ledger.RPCGatewayConfig{
			ProgramID: programID,
			RPC: ledger.NewRPCClient(ledger.RPCConfig{
				Endpoint:   cfg.RPCURL,
				Commitment: cfg.Commitment,
				Logger:     ledgerLog,
			}),
			Signer:      signer,
			AnchorTurns: cfg.AnchorTurns,
			Logger:      ledgerLog,
		})
	default:
		return nil, protocol.NewError(protocol.ErrConfig, fmt.Sprintf("unknown ledger backend %q", cfg.LedgerBackend))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
