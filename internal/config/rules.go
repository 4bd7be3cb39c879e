package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"finquest/internal/core"
)

// Rules holds the tunable gamification and alerting constants. Tier values
// and the XP table are configuration, not a hard-coded contract.
type Rules struct {
	// Tiers are ascending percentages of the budget limit that trigger
	// alerts when first reached within a period.
	Tiers []int `yaml:"tiers"`

	// XP maps an award reason to the experience points it grants.
	XP map[string]int64 `yaml:"xp"`

	// XPPerLevel is the level-up step: level = floor(total_xp/step) + 1.
	XPPerLevel int64 `yaml:"xp_per_level"`

	// GoalBonusCoins is the one-time coin bonus for completing a savings goal.
	GoalBonusCoins int64 `yaml:"goal_bonus_coins"`
}

// Award reasons used as XP table keys.
const (
	AwardExpenseLogged  = "expense_logged"
	AwardQuizPassed     = "quiz_passed"
	AwardTradeExecuted  = "trade_executed"
	AwardModuleProgress = "module_progress"
)

// DefaultRules returns the canonical rule set used when no rules file is
// configured.
func DefaultRules() Rules {
	return Rules{
		Tiers: []int{80, 100},
		XP: map[string]int64{
			AwardExpenseLogged:  25,
			AwardQuizPassed:     100,
			AwardTradeExecuted:  50,
			AwardModuleProgress: 25,
		},
		XPPerLevel:     1000,
		GoalBonusCoins: 100,
	}
}

// LoadRules reads a rules YAML file, falling back to defaults for any field
// the file omits. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Rules{}, fmt.Errorf("parse rules file: %w", err)
	}

	if len(loaded.Tiers) > 0 {
		rules.Tiers = loaded.Tiers
	}
	if len(loaded.XP) > 0 {
		for reason, xp := range loaded.XP {
			rules.XP[reason] = xp
		}
	}
	if loaded.XPPerLevel > 0 {
		rules.XPPerLevel = loaded.XPPerLevel
	}
	if loaded.GoalBonusCoins > 0 {
		rules.GoalBonusCoins = loaded.GoalBonusCoins
	}

	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// Validate checks the rule set for internal consistency.
func (r Rules) Validate() error {
	if len(r.Tiers) == 0 {
		return fmt.Errorf("rules: at least one tier is required")
	}
	if !sort.IntsAreSorted(r.Tiers) {
		return fmt.Errorf("rules: tiers must be ascending, got %v", r.Tiers)
	}
	for _, tier := range r.Tiers {
		if tier <= 0 {
			return fmt.Errorf("rules: tier %d must be positive", tier)
		}
	}
	if r.XPPerLevel <= 0 {
		return fmt.Errorf("rules: xp_per_level must be positive, got %d", r.XPPerLevel)
	}
	for reason, xp := range r.XP {
		if xp < 0 {
			return fmt.Errorf("rules: negative xp for %q", reason)
		}
	}
	return nil
}

// XPFor returns the XP for an event type, mapping event types to award
// reasons. Unknown or non-awarding combinations return zero.
func (r Rules) XPFor(t core.EventType) int64 {
	switch t {
	case core.TypeExpense:
		return r.XP[AwardExpenseLogged]
	case core.TypeQuizResult:
		return r.XP[AwardQuizPassed]
	case core.TypeInvestmentBuy, core.TypeInvestmentSell:
		return r.XP[AwardTradeExecuted]
	case core.TypeModuleProgress:
		return r.XP[AwardModuleProgress]
	}
	return 0
}
