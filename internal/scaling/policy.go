// Package scaling decides whether an additional entry may be added to an
// existing position. A deterministic, ordered sequence of checks turns a
// Context snapshot into a BLOCK, SKIP, or SCALE decision; the first
// failing check wins and later checks never run.
package scaling

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScalingType selects the price-structure rule family.
type ScalingType string

const (
	// Pyramid adds to winners: each new entry must be above the last.
	Pyramid ScalingType = "pyramid"
	// Average adds to losers: each new entry must be below the last,
	// within a bounded ATR drawdown.
	Average ScalingType = "average"
)

// Valid reports whether the scaling type is a known variant.
func (s ScalingType) Valid() bool {
	return s == Pyramid || s == Average
}

// Policy is a strategy's static scaling configuration.
type Policy struct {
	AllowsMultipleEntries        bool        `yaml:"allows_multiple_entries" json:"allows_multiple_entries"`
	MaxEntriesPerSymbol          int         `yaml:"max_entries_per_symbol" json:"max_entries_per_symbol"`
	MaxTotalPositionPct          float64     `yaml:"max_total_position_pct" json:"max_total_position_pct"`
	ScalingType                  ScalingType `yaml:"scaling_type" json:"scaling_type"`
	MinBarsBetweenEntries        int         `yaml:"min_bars_between_entries" json:"min_bars_between_entries"`
	MinTimeBetweenEntriesS       int         `yaml:"min_time_between_entries_s" json:"min_time_between_entries_s"`
	MinSignalStrengthForAdd      float64     `yaml:"min_signal_strength_for_add" json:"min_signal_strength_for_add"`
	MaxATRDrawdownMultiple       float64     `yaml:"max_atr_drawdown_multiple" json:"max_atr_drawdown_multiple"`
	RequireNoLowerLow            bool        `yaml:"require_no_lower_low" json:"require_no_lower_low"`
	RequireVolatilityAboveMedian bool        `yaml:"require_volatility_above_median" json:"require_volatility_above_median"`
	MaxCorrelationAllowed        float64     `yaml:"max_correlation_allowed" json:"max_correlation_allowed"`
}

// Validate rejects policies that could never produce a sane decision.
func (p Policy) Validate() error {
	if !p.AllowsMultipleEntries {
		return nil
	}
	if !p.ScalingType.Valid() {
		return fmt.Errorf("invalid scaling_type %q (want pyramid or average)", p.ScalingType)
	}
	if p.MaxEntriesPerSymbol < 1 {
		return fmt.Errorf("max_entries_per_symbol must be >= 1, got %d", p.MaxEntriesPerSymbol)
	}
	if p.MaxTotalPositionPct <= 0 || p.MaxTotalPositionPct > 1 {
		return fmt.Errorf("max_total_position_pct must be in (0,1], got %v", p.MaxTotalPositionPct)
	}
	if p.ScalingType == Average && p.MaxATRDrawdownMultiple <= 0 {
		return fmt.Errorf("average scaling requires max_atr_drawdown_multiple > 0")
	}
	return nil
}

// PolicySet is the per-strategy policy table loaded from
// config/scaling_policies.yaml.
type PolicySet struct {
	Default    *Policy           `yaml:"default"`
	Strategies map[string]Policy `yaml:"strategies"`
}

// LoadPolicies reads and validates the policy file.
func LoadPolicies(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scaling policies: %w", err)
	}
	var ps PolicySet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse scaling policies: %w", err)
	}
	if ps.Default != nil {
		if err := ps.Default.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default scaling policy: %w", err)
		}
	}
	for name, p := range ps.Strategies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid scaling policy for strategy %q: %w", name, err)
		}
	}
	return &ps, nil
}

// For resolves the policy for a strategy, falling back to the default.
func (ps *PolicySet) For(strategy string) (Policy, error) {
	if p, ok := ps.Strategies[strategy]; ok {
		return p, nil
	}
	if ps.Default != nil {
		return *ps.Default, nil
	}
	return Policy{}, fmt.Errorf("no scaling policy for strategy %q and no default", strategy)
}
