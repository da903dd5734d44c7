package combat

import "fmt"

// Rules holds the damage and meter constants of a rumble.
type Rules struct {
	StartingHP int `yaml:"starting_hp" json:"starting_hp"`

	HighDamage    int `yaml:"high_damage" json:"high_damage"`
	MidDamage     int `yaml:"mid_damage" json:"mid_damage"`
	LowDamage     int `yaml:"low_damage" json:"low_damage"`
	SpecialDamage int `yaml:"special_damage" json:"special_damage"`
	CatchDamage   int `yaml:"catch_damage" json:"catch_damage"`
	CounterDamage int `yaml:"counter_damage" json:"counter_damage"`

	MeterMax    int `yaml:"meter_max" json:"meter_max"`
	MeterGain   int `yaml:"meter_gain" json:"meter_gain"`
	SpecialCost int `yaml:"special_cost" json:"special_cost"`

	// MaxTurns ends the rumble even with several fighters standing. Zero means no cap.
	MaxTurns int `yaml:"max_turns" json:"max_turns"`
}

func DefaultRules() Rules {
	return Rules{
		StartingHP:    100,
		HighDamage:    15,
		MidDamage:     12,
		LowDamage:     10,
		SpecialDamage: 30,
		CatchDamage:   20,
		CounterDamage: 5,
		MeterMax:      100,
		MeterGain:     20,
		SpecialCost:   50,
		MaxTurns:      60,
	}
}

func (r Rules) Validate() error {
	if r.StartingHP <= 0 {
		return fmt.Errorf("starting_hp must be > 0")
	}
	for name, v := range map[string]int{
		"high_damage":    r.HighDamage,
		"mid_damage":     r.MidDamage,
		"low_damage":     r.LowDamage,
		"special_damage": r.SpecialDamage,
		"catch_damage":   r.CatchDamage,
		"counter_damage": r.CounterDamage,
		"meter_gain":     r.MeterGain,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if r.MeterMax <= 0 {
		return fmt.Errorf("meter_max must be > 0")
	}
	if r.SpecialCost <= 0 || r.SpecialCost > r.MeterMax {
		return fmt.Errorf("special_cost must be in (0, meter_max]")
	}
	if r.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be >= 0")
	}
	return nil
}

func (r Rules) strikeDamage(m Move) int {
	switch m {
	case MoveHighStrike:
		return r.HighDamage
	case MoveMidStrike:
		return r.MidDamage
	case MoveLowStrike:
		return r.LowDamage
	}
	return 0
}
