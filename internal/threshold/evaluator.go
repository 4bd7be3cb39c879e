// Package threshold decides when a spend bucket has crossed a configured
// percentage of its budget limit.
package threshold

import (
	"context"
	"errors"
	"fmt"

	"finquest/internal/core"
	"finquest/internal/log"
)

// Repository is the slice of storage the evaluator reads.
type Repository interface {
	GetBudgetLimit(ctx context.Context, userID, category string, period core.PeriodKey) (core.BudgetLimit, error)
	HighestAlertTier(ctx context.Context, userID, category string, period core.PeriodKey) (int, error)
}

type Evaluator struct {
	repo   Repository
	tiers  []int
	logger *log.Logger
}

// NewEvaluator builds an evaluator over the given ascending tier percentages.
func NewEvaluator(repo Repository, tiers []int, logger *log.Logger) *Evaluator {
	return &Evaluator{
		repo:   repo,
		tiers:  tiers,
		logger: logger.WithComponent(log.ComponentThreshold),
	}
}

// Evaluate returns the crossing to dispatch for the bucket's current total,
// or (nil, nil) when no new tier has been reached.
//
// Only the highest newly reached tier is reported, and only if it exceeds
// the highest tier already recorded for the bucket. The recorded high water
// mark never moves down, so a recompute that lowers the total (or a limit
// raise) never re-arms lower tiers within the same period.
func (ev *Evaluator) Evaluate(ctx context.Context, b core.AggregateBucket) (*core.TierCrossing, error) {
	limit, err := ev.repo.GetBudgetLimit(ctx, b.UserID, b.Category, b.PeriodKey)
	if errors.Is(err, core.ErrNotFound) {
		// No limit configured for the bucket, nothing to evaluate.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load budget limit: %w", err)
	}
	if limit.LimitAmount.Paise <= 0 {
		return nil, nil
	}

	reached := 0
	for _, tier := range ev.tiers {
		// spent/limit >= tier%, in integer arithmetic.
		if b.SpentAmount.Paise*100 >= limit.LimitAmount.Paise*int64(tier) {
			reached = tier
		}
	}
	if reached == 0 {
		return nil, nil
	}

	highest, err := ev.repo.HighestAlertTier(ctx, b.UserID, b.Category, b.PeriodKey)
	if err != nil {
		return nil, fmt.Errorf("load alert high water mark: %w", err)
	}
	if reached <= highest {
		return nil, nil
	}

	ev.logger.InfoContext(ctx, "tier crossed",
		log.FieldUserID, b.UserID,
		log.FieldCategory, b.Category,
		log.FieldPeriod, b.PeriodKey.String(),
		log.FieldTier, reached,
		log.FieldSpentPaise, b.SpentAmount.Paise)

	return &core.TierCrossing{
		UserID:      b.UserID,
		Category:    b.Category,
		PeriodKey:   b.PeriodKey,
		Tier:        reached,
		SpentAmount: b.SpentAmount,
		LimitAmount: limit.LimitAmount,
	}, nil
}
