package universe

import (
	"fmt"
	"time"

	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

// Guardrail rule names. Violation records carry these so discarded
// change sets name exactly what stopped them.
const (
	RuleMaxAdditions    = "max_additions_per_cycle"
	RuleMaxRemovals     = "max_removals_per_cycle"
	RuleSizeBounds      = "universe_size_bounds"
	RuleMinScoreToAdd   = "min_score_to_add"
	RuleMaxScoreRemove  = "max_score_to_remove"
	RuleOpenPosition    = "open_position_unremovable"
	RuleCooldown        = "cooldown_after_remove"
	RuleInconsistentSet = "change_set_inconsistent"
)

// Config bounds universe churn per cycle.
type Config struct {
	MinSize                 int      `mapstructure:"min_size" json:"min_size"`
	MaxSize                 int      `mapstructure:"max_size" json:"max_size"`
	MaxAdditionsPerCycle    int      `mapstructure:"max_additions_per_cycle" json:"max_additions_per_cycle"`
	MaxRemovalsPerCycle     int      `mapstructure:"max_removals_per_cycle" json:"max_removals_per_cycle"`
	MinScoreToAdd           float64  `mapstructure:"min_score_to_add" json:"min_score_to_add"`
	MaxScoreToRemove        float64  `mapstructure:"max_score_to_remove" json:"max_score_to_remove"`
	CooldownDaysAfterRemove int      `mapstructure:"cooldown_days_after_remove" json:"cooldown_days_after_remove"`
	Watchlist               []string `mapstructure:"watchlist" json:"watchlist"`
}

// DefaultConfig returns conservative churn limits.
func DefaultConfig() Config {
	return Config{
		MinSize:                 3,
		MaxSize:                 15,
		MaxAdditionsPerCycle:    2,
		MaxRemovalsPerCycle:     2,
		MinScoreToAdd:           65,
		MaxScoreToRemove:        40,
		CooldownDaysAfterRemove: 7,
	}
}

// Validate rejects configurations that could never admit a compliant
// change set.
func (c Config) Validate() error {
	if c.MinSize < 0 || c.MaxSize <= 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("universe size bounds [%d, %d] are invalid", c.MinSize, c.MaxSize)
	}
	if c.MaxAdditionsPerCycle < 0 || c.MaxRemovalsPerCycle < 0 {
		return fmt.Errorf("per-cycle change caps must not be negative")
	}
	if c.MinScoreToAdd < c.MaxScoreToRemove {
		return fmt.Errorf("min_score_to_add %.1f below max_score_to_remove %.1f would thrash", c.MinScoreToAdd, c.MaxScoreToRemove)
	}
	if c.CooldownDaysAfterRemove < 0 {
		return fmt.Errorf("cooldown_days_after_remove must not be negative")
	}
	return nil
}

// ChangeSet is one cycle's proposed additions and removals.
type ChangeSet struct {
	Additions []string `json:"additions"`
	Removals  []string `json:"removals"`
}

// Empty reports whether the change set proposes nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Additions) == 0 && len(cs.Removals) == 0
}

// Violation is one broken guardrail.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// CheckChange validates a proposed change set against every guardrail.
// Any returned violation means the whole set must be discarded. scores
// maps symbol to total score, openSymbols marks symbols with open
// positions, cooldowns maps symbol to its last removal timestamp.
func CheckChange(cfg Config, current []string, cs ChangeSet, scores map[string]float64, openSymbols map[string]bool, cooldowns map[string]string, now time.Time) []Violation {
	var out []Violation
	add := func(rule, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	members := map[string]bool{}
	for _, s := range current {
		members[s] = true
	}
	removing := map[string]bool{}
	for _, s := range cs.Removals {
		removing[s] = true
	}

	for _, s := range cs.Additions {
		if members[s] {
			add(RuleInconsistentSet, "%s is already in the universe", s)
		}
		if removing[s] {
			add(RuleInconsistentSet, "%s appears as both addition and removal", s)
		}
	}
	for _, s := range cs.Removals {
		if !members[s] {
			add(RuleInconsistentSet, "%s is not in the universe", s)
		}
	}

	if len(cs.Additions) > cfg.MaxAdditionsPerCycle {
		add(RuleMaxAdditions, "%d additions exceed the per-cycle cap of %d", len(cs.Additions), cfg.MaxAdditionsPerCycle)
	}
	if len(cs.Removals) > cfg.MaxRemovalsPerCycle {
		add(RuleMaxRemovals, "%d removals exceed the per-cycle cap of %d", len(cs.Removals), cfg.MaxRemovalsPerCycle)
	}

	proposed := len(current) - len(cs.Removals) + len(cs.Additions)
	if proposed > cfg.MaxSize {
		add(RuleSizeBounds, "resulting size %d exceeds maximum %d", proposed, cfg.MaxSize)
	}
	// Growing toward the minimum is allowed; shrinking below it is not.
	if proposed < cfg.MinSize && proposed < len(current) {
		add(RuleSizeBounds, "resulting size %d falls below minimum %d", proposed, cfg.MinSize)
	}

	for _, s := range cs.Additions {
		if score, ok := scores[s]; !ok || score < cfg.MinScoreToAdd {
			add(RuleMinScoreToAdd, "%s scores %.4f, below the %.1f add floor", s, scores[s], cfg.MinScoreToAdd)
		}
		if cfg.CooldownDaysAfterRemove > 0 {
			if removedAt, ok := cooldowns[s]; ok {
				t, err := timeutil.Parse(removedAt)
				switch {
				case err != nil:
					// Corrupt state fails closed.
					add(RuleCooldown, "%s has an unreadable removal timestamp %q", s, removedAt)
				case now.Before(t.AddDate(0, 0, cfg.CooldownDaysAfterRemove)):
					add(RuleCooldown, "%s was removed recently and is cooling down until %s", s, timeutil.FormatZ(t.AddDate(0, 0, cfg.CooldownDaysAfterRemove)))
				}
			}
		}
	}
	for _, s := range cs.Removals {
		if score, ok := scores[s]; !ok || score > cfg.MaxScoreToRemove {
			add(RuleMaxScoreRemove, "%s scores %.4f, above the %.1f removal ceiling", s, scores[s], cfg.MaxScoreToRemove)
		}
		if openSymbols[s] {
			add(RuleOpenPosition, "%s has an open position", s)
		}
	}
	return out
}
