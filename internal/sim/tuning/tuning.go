package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"rumblearena.ai/internal/sim/combat"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Slots       int `yaml:"slots"`
	MinFighters int `yaml:"min_fighters"`
	MaxFighters int `yaml:"max_fighters"`

	BettingWindowMs  int `yaml:"betting_window_ms"`
	CommitWindowMs   int `yaml:"commit_window_ms"`
	RevealWindowMs   int `yaml:"reveal_window_ms"`
	TurnIntervalMs   int `yaml:"turn_interval_ms"`
	SlotCooldownMs   int `yaml:"slot_cooldown_ms"`
	PayoutGraceMs    int `yaml:"payout_grace_ms"`
	PayoutNoBetsMs   int `yaml:"payout_no_bets_grace_ms"`
	LedgerCacheTTLMs int `yaml:"ledger_cache_ttl_ms"`
	InitialCycleMs   int `yaml:"initial_cycle_ms"`
	NotifyTimeoutMs  int `yaml:"notify_timeout_ms"`

	Combat    combat.Rules `yaml:"combat"`
	HouseBots HouseBots    `yaml:"house_bots"`
	Payout    Payout       `yaml:"payout"`
}

type HouseBots struct {
	// FillAfterMs tops a starving queue up with house bots once the oldest
	// entry waited this long. Zero disables auto-fill.
	FillAfterMs int    `yaml:"fill_after_ms"`
	Prefix      string `yaml:"prefix"`
	Max         int    `yaml:"max"`
}

// Payout mirrors the fee schedule of the rumble program, in basis points.
type Payout struct {
	AdminFeeBps       int   `yaml:"admin_fee_bps"`
	SponsorshipFeeBps int   `yaml:"sponsorship_fee_bps"`
	TreasuryCutBps    int   `yaml:"treasury_cut_bps"`
	PlaceSplitBps     []int `yaml:"place_split_bps"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:  "1.0",
		Slots:            3,
		MinFighters:      4,
		MaxFighters:      16,
		BettingWindowMs:  120_000,
		CommitWindowMs:   8_000,
		RevealWindowMs:   8_000,
		TurnIntervalMs:   2_000,
		SlotCooldownMs:   15_000,
		PayoutGraceMs:    120_000,
		PayoutNoBetsMs:   10_000,
		LedgerCacheTTLMs: 3_000,
		InitialCycleMs:   300_000,
		NotifyTimeoutMs:  3_000,
		Combat:           combat.DefaultRules(),
		HouseBots: HouseBots{
			FillAfterMs: 0,
			Prefix:      "house-",
			Max:         16,
		},
		Payout: Payout{
			AdminFeeBps:       100,
			SponsorshipFeeBps: 500,
			TreasuryCutBps:    1000,
			PlaceSplitBps:     []int{7000, 2000, 1000},
		},
	}
}

// Load reads a tuning file over the defaults; missing keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Slots <= 0 {
		return fmt.Errorf("slots must be > 0")
	}
	if t.MinFighters < 2 {
		return fmt.Errorf("min_fighters must be >= 2")
	}
	if t.MaxFighters < t.MinFighters || t.MaxFighters > 16 {
		return fmt.Errorf("max_fighters must be in [min_fighters, 16]")
	}
	for name, v := range map[string]int{
		"betting_window_ms": t.BettingWindowMs,
		"commit_window_ms":  t.CommitWindowMs,
		"reveal_window_ms":  t.RevealWindowMs,
		"turn_interval_ms":  t.TurnIntervalMs,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if err := t.Combat.Validate(); err != nil {
		return fmt.Errorf("combat: %w", err)
	}
	sum := 0
	for _, bps := range t.Payout.PlaceSplitBps {
		sum += bps
	}
	if len(t.Payout.PlaceSplitBps) > 0 && sum != 10_000 {
		return fmt.Errorf("payout.place_split_bps must sum to 10000, got %d", sum)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t Tuning) BettingWindow() time.Duration  { return ms(t.BettingWindowMs) }
func (t Tuning) CommitWindow() time.Duration   { return ms(t.CommitWindowMs) }
func (t Tuning) RevealWindow() time.Duration   { return ms(t.RevealWindowMs) }
func (t Tuning) TurnInterval() time.Duration   { return ms(t.TurnIntervalMs) }
func (t Tuning) SlotCooldown() time.Duration   { return ms(t.SlotCooldownMs) }
func (t Tuning) PayoutGrace() time.Duration    { return ms(t.PayoutGraceMs) }
func (t Tuning) PayoutNoBets() time.Duration   { return ms(t.PayoutNoBetsMs) }
func (t Tuning) LedgerCacheTTL() time.Duration { return ms(t.LedgerCacheTTLMs) }
func (t Tuning) InitialCycle() time.Duration   { return ms(t.InitialCycleMs) }
func (t Tuning) NotifyTimeout() time.Duration  { return ms(t.NotifyTimeoutMs) }
func (t Tuning) HouseFillAfter() time.Duration { return ms(t.HouseBots.FillAfterMs) }
