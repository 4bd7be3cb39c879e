// Package goals tracks named savings targets advanced by investment events.
package goals

import (
	"context"
	"fmt"
	"time"

	"finquest/internal/core"
	"finquest/internal/log"
)

// Repository is the savings goal slice of storage.
type Repository interface {
	CreateGoal(ctx context.Context, g core.SavingsGoal) (int64, error)
	ListGoalsByUser(ctx context.Context, userID string) ([]core.SavingsGoal, error)
	ListOpenGoals(ctx context.Context, userID, category string) ([]core.SavingsGoal, error)
	UpdateGoalProgress(ctx context.Context, g core.SavingsGoal) error
}

// Rewarder grants the completion bonus.
type Rewarder interface {
	AwardBonusCoins(ctx context.Context, userID string, coins int64) (core.ProgressionState, error)
}

type Tracker struct {
	repo       Repository
	rewarder   Rewarder
	bonusCoins int64
	logger     *log.Logger
}

func NewTracker(repo Repository, rewarder Rewarder, bonusCoins int64, logger *log.Logger) *Tracker {
	return &Tracker{
		repo:       repo,
		rewarder:   rewarder,
		bonusCoins: bonusCoins,
		logger:     logger.WithComponent(log.ComponentGoals),
	}
}

// Create registers a new goal for the user.
func (t *Tracker) Create(ctx context.Context, g core.SavingsGoal) (core.SavingsGoal, error) {
	if g.TargetAmount.Paise <= 0 {
		return core.SavingsGoal{}, core.ErrInvalidAmount
	}
	id, err := t.repo.CreateGoal(ctx, g)
	if err != nil {
		return core.SavingsGoal{}, fmt.Errorf("create goal: %w", err)
	}
	g.ID = id
	return g, nil
}

// List returns all goals of the user.
func (t *Tracker) List(ctx context.Context, userID string) ([]core.SavingsGoal, error) {
	return t.repo.ListGoalsByUser(ctx, userID)
}

// Advance credits an accepted investment buy against the user's open goals
// in the event's category. A goal that reaches its target is stamped
// completed and earns the one-time coin bonus; completion never reverts,
// even if the underlying event is later edited or deleted.
func (t *Tracker) Advance(ctx context.Context, e core.FinancialEvent) error {
	if e.Type != core.TypeInvestmentBuy || e.Op != core.OpCreate || e.Category == "" {
		return nil
	}

	open, err := t.repo.ListOpenGoals(ctx, e.UserID, e.Category)
	if err != nil {
		return fmt.Errorf("list open goals: %w", err)
	}
	for _, g := range open {
		g.SavedAmount.Paise += e.Amount.Paise
		if g.SavedAmount.Paise >= g.TargetAmount.Paise {
			g.CompletedAt = time.Now()
		}
		if err := t.repo.UpdateGoalProgress(ctx, g); err != nil {
			return fmt.Errorf("update goal %d: %w", g.ID, err)
		}
		if !g.CompletedAt.IsZero() {
			if _, err := t.rewarder.AwardBonusCoins(ctx, e.UserID, t.bonusCoins); err != nil {
				return fmt.Errorf("award goal bonus: %w", err)
			}
			t.logger.InfoContext(ctx, "savings goal completed",
				log.FieldUserID, e.UserID,
				log.FieldCategory, e.Category,
				"goal_id", g.ID,
				"bonus_coins", t.bonusCoins)
		}
	}
	return nil
}
