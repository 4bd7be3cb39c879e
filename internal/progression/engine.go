// Package progression maintains the derived gamification state: XP, level,
// coins and the daily activity streak.
package progression

import (
	"context"
	"errors"
	"fmt"

	"finquest/internal/config"
	"finquest/internal/core"
	"finquest/internal/log"
)

// Repository is the progression slice of storage.
type Repository interface {
	GetProgression(ctx context.Context, userID string) (core.ProgressionState, error)
	UpsertProgression(ctx context.Context, p core.ProgressionState) error
	TopProgression(ctx context.Context, limit int) ([]core.ProgressionState, error)
}

type Engine struct {
	repo   Repository
	rules  config.Rules
	logger *log.Logger
}

func NewEngine(repo Repository, rules config.Rules, logger *log.Logger) *Engine {
	return &Engine{
		repo:   repo,
		rules:  rules,
		logger: logger.WithComponent(log.ComponentProgression),
	}
}

// LevelFor computes the level for a total XP under the given step.
// Level is always derived, never stored or incremented directly.
func LevelFor(totalXP, xpPerLevel int64) int {
	if xpPerLevel <= 0 {
		return 1
	}
	return int(totalXP/xpPerLevel) + 1
}

// Award applies the gamification effect of one accepted create event.
// Edits and deletes of past events never award or claw back anything.
//
// Streak rules, keyed on the event's occurred-at calendar date (UTC):
// the day after the last activity extends the streak, the same day leaves
// it unchanged, a gap resets it to 1, and a backdated event only earns
// XP and coins.
func (e *Engine) Award(ctx context.Context, event core.FinancialEvent) (core.ProgressionState, error) {
	state, err := e.repo.GetProgression(ctx, event.UserID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.ProgressionState{}, fmt.Errorf("load progression: %w", err)
	}
	state.UserID = event.UserID

	if event.Op != core.OpCreate {
		state.Level = LevelFor(state.TotalXP, e.rules.XPPerLevel)
		return state, nil
	}

	xp := e.rules.XPFor(event.Type)
	state.TotalXP += xp
	state.Coins += xp / 2

	day := core.DateOf(event.OccurredAt)
	last := state.LastActivityDate
	switch {
	case last.IsZero():
		state.StreakDays = 1
		state.LastActivityDate = day
	case day.Equal(last):
		// Another event on the same day, streak unchanged.
	case day.Equal(last.AddDate(0, 0, 1)):
		state.StreakDays++
		state.LastActivityDate = day
	case day.After(last):
		state.StreakDays = 1
		state.LastActivityDate = day
	default:
		// Backdated event: XP and coins only, the streak is anchored
		// to the most recent activity.
	}

	oldLevel := state.Level
	state.Level = LevelFor(state.TotalXP, e.rules.XPPerLevel)

	if err := e.repo.UpsertProgression(ctx, state); err != nil {
		return core.ProgressionState{}, fmt.Errorf("store progression: %w", err)
	}

	if state.Level > oldLevel && oldLevel > 0 {
		e.logger.InfoContext(ctx, "level up",
			log.FieldUserID, state.UserID,
			log.FieldLevel, state.Level,
			log.FieldXP, state.TotalXP)
	}
	e.logger.DebugContext(ctx, "xp awarded",
		log.FieldUserID, state.UserID,
		log.FieldEventType, string(event.Type),
		log.FieldXP, xp,
		log.FieldStreakDays, state.StreakDays)
	return state, nil
}

// AwardBonusCoins grants a flat coin bonus, used for savings goal completion.
func (e *Engine) AwardBonusCoins(ctx context.Context, userID string, coins int64) (core.ProgressionState, error) {
	state, err := e.repo.GetProgression(ctx, userID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.ProgressionState{}, fmt.Errorf("load progression: %w", err)
	}
	state.UserID = userID
	state.Coins += coins
	state.Level = LevelFor(state.TotalXP, e.rules.XPPerLevel)
	if err := e.repo.UpsertProgression(ctx, state); err != nil {
		return core.ProgressionState{}, fmt.Errorf("store progression: %w", err)
	}
	return state, nil
}

// Get returns the user's progression with the level derived.
func (e *Engine) Get(ctx context.Context, userID string) (core.ProgressionState, error) {
	state, err := e.repo.GetProgression(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return core.ProgressionState{
			UserID: userID,
			Level:  LevelFor(0, e.rules.XPPerLevel),
		}, nil
	}
	if err != nil {
		return core.ProgressionState{}, err
	}
	state.Level = LevelFor(state.TotalXP, e.rules.XPPerLevel)
	return state, nil
}

// Leaderboard returns the top users by total XP with levels derived.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]core.ProgressionState, error) {
	states, err := e.repo.TopProgression(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	for i := range states {
		states[i].Level = LevelFor(states[i].TotalXP, e.rules.XPPerLevel)
	}
	return states, nil
}
