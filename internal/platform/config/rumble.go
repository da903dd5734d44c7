package config

import (
	"fmt"
	"strings"
	"time"

	"rumblearena.ai/internal/protocol"
)

const (
	LedgerSim = "sim"
	LedgerRPC = "rpc"
)

// Rumble is the process environment of the orchestrator. Gameplay tuning
// lives in tuning.yaml; this only covers deployment wiring.
type Rumble struct {
	LedgerBackend string `env:"RUMBLE_LEDGER_BACKEND" envDefault:"sim"`
	ProgramID     string `env:"RUMBLE_PROGRAM_ID"`
	RPCURL        string `env:"RUMBLE_RPC_URL" envDefault:"http://127.0.0.1:8899"`
	Commitment    string `env:"RUMBLE_RPC_COMMITMENT" envDefault:"confirmed"`
	AnchorTurns   bool   `env:"RUMBLE_ANCHOR_TURNS"`

	// Exactly one signer source is used for the rpc backend.
	AdminKeypair string `env:"RUMBLE_ADMIN_KEYPAIR"`
	SignerURL    string `env:"RUMBLE_SIGNER_URL"`
	SignerPubkey string `env:"RUMBLE_SIGNER_PUBKEY"`

	DBPath  string `env:"RUMBLE_DB_PATH"`
	DataDir string `env:"RUMBLE_DATA_DIR" envDefault:"./data"`

	// WebhookSigningKey is a hex ed25519 seed; empty means a key is generated
	// at startup and notifications can only be verified via /v1/webhook-key.
	WebhookSigningKey string `env:"RUMBLE_WEBHOOK_SIGNING_KEY"`

	KeeperInterval time.Duration `env:"RUMBLE_KEEPER_INTERVAL" envDefault:"1s"`
	AdminToken     string        `env:"RUMBLE_ADMIN_TOKEN"`
}

// LoadRumble parses the environment and checks the combinations the
// process cannot start without. Errors carry E_CONFIG.
func LoadRumble() (Rumble, error) {
	var c Rumble
	if err := ParseEnv(&c); err != nil {
		return Rumble{}, protocol.WrapError(protocol.ErrConfig, "environment", err)
	}
	if err := c.Validate(); err != nil {
		return Rumble{}, err
	}
	return c, nil
}

func (c Rumble) Validate() error {
	bad := func(format string, args ...any) error {
		return protocol.NewError(protocol.ErrConfig, fmt.Sprintf(format, args...))
	}
	switch strings.ToLower(c.LedgerBackend) {
	case LedgerSim:
	case LedgerRPC:
		if strings.TrimSpace(c.ProgramID) == "" {
			return bad("RUMBLE_PROGRAM_ID is required when RUMBLE_LEDGER_BACKEND=rpc")
		}
		if strings.TrimSpace(c.RPCURL) == "" {
			return bad("RUMBLE_RPC_URL is required when RUMBLE_LEDGER_BACKEND=rpc")
		}
		hasFile := strings.TrimSpace(c.AdminKeypair) != ""
		hasRemote := strings.TrimSpace(c.SignerURL) != ""
		if hasFile == hasRemote {
			return bad("set exactly one of RUMBLE_ADMIN_KEYPAIR or RUMBLE_SIGNER_URL")
		}
		if hasRemote && strings.TrimSpace(c.SignerPubkey) == "" {
			return bad("RUMBLE_SIGNER_PUBKEY is required with RUMBLE_SIGNER_URL")
		}
	default:
		return bad("unknown RUMBLE_LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.KeeperInterval <= 0 {
		return bad("RUMBLE_KEEPER_INTERVAL must be > 0")
	}
	return nil
}
