// Package engine is the single writer of derived state. Events enter here,
// are validated and appended to the log, then folded into aggregates,
// thresholds, progression and goals in per-user order.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"finquest/internal/aggregate"
	"finquest/internal/core"
	"finquest/internal/goals"
	"finquest/internal/log"
	"finquest/internal/progression"
	"finquest/internal/storage"
	"finquest/internal/threshold"
)

const userLockStripes = 64

// Repository is the engine's own slice of storage. Aggregation, progression
// and goals carry their own narrower views. WithTx scopes the log append and
// the derived-state fold to one transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(q *storage.Queries) error) error
	MaxSequence(ctx context.Context, userID string) (int64, error)
	ListBucketsByUser(ctx context.Context, userID string, period core.PeriodKey) ([]core.AggregateBucket, error)
	GetPnL(ctx context.Context, userID string, period core.PeriodKey) (core.PnLBucket, error)
	GetBudgetLimit(ctx context.Context, userID, category string, period core.PeriodKey) (core.BudgetLimit, error)
	UpsertBudgetLimit(ctx context.Context, l core.BudgetLimit) error
}

// AlertPublisher hands a crossing to the dispatch path. Publishing is a
// delivery concern: the alert record downstream is the idempotency guard,
// so a lost publish is re-emitted by the next evaluation, never duplicated.
type AlertPublisher interface {
	Publish(ctx context.Context, c core.TierCrossing) error
}

// Result reports what applying one event changed.
type Result struct {
	Event       core.FinancialEvent
	Bucket      *core.AggregateBucket
	PnL         *core.PnLBucket
	Crossing    *core.TierCrossing
	Progression core.ProgressionState
}

type Engine struct {
	repo        Repository
	store       *aggregate.Store
	evaluator   *threshold.Evaluator
	progression *progression.Engine
	goals       *goals.Tracker
	alerts      AlertPublisher
	logger      *log.Logger

	userLocks [userLockStripes]sync.Mutex
}

func New(
	repo Repository,
	store *aggregate.Store,
	evaluator *threshold.Evaluator,
	prog *progression.Engine,
	tracker *goals.Tracker,
	alerts AlertPublisher,
	logger *log.Logger,
) *Engine {
	return &Engine{
		repo:        repo,
		store:       store,
		evaluator:   evaluator,
		progression: prog,
		goals:       tracker,
		alerts:      alerts,
		logger:      logger.WithComponent(log.ComponentEngine),
	}
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &e.userLocks[h.Sum32()%userLockStripes]
}

// ProcessEvent runs the full apply pipeline for one event. Events of the
// same user are serialized; a rejected event has touched nothing.
func (e *Engine) ProcessEvent(ctx context.Context, event core.FinancialEvent) (Result, error) {
	if err := event.Validate(time.Now()); err != nil {
		return Result{}, err
	}

	mu := e.userLock(event.UserID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := e.repo.MaxSequence(ctx, event.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("read sequence: %w", err)
	}
	event.Sequence = seq + 1

	// The log append and the aggregate fold commit together. A failed fold
	// rolls the event back out of the log, so its id is never stranded in
	// a state where redelivery reads ErrDuplicateEvent but the bucket was
	// left untouched.
	var delta aggregate.BucketDelta
	err = e.repo.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.InsertEvent(ctx, event); err != nil {
			// core.ErrDuplicateEvent propagates as-is so ingestion
			// layers can acknowledge redeliveries without
			// reprocessing.
			return err
		}
		d, err := e.store.ApplyWith(ctx, q, event)
		if err != nil {
			return fmt.Errorf("apply aggregate: %w", err)
		}
		delta = d
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{Event: event}
	if delta.HasBucket {
		result.Bucket = &delta.Bucket
	}
	if delta.HasPnL {
		result.PnL = &delta.PnL
	}

	if delta.HasBucket {
		crossing, err := e.evaluator.Evaluate(ctx, delta.Bucket)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate thresholds: %w", err)
		}
		if crossing != nil {
			result.Crossing = crossing
			if err := e.alerts.Publish(ctx, *crossing); err != nil {
				// Alert loss is recoverable; the high water mark only
				// moves when the record is created downstream.
				e.logger.ErrorContext(ctx, "alert publish failed",
					log.FieldUserID, crossing.UserID,
					log.FieldCategory, crossing.Category,
					log.FieldTier, crossing.Tier,
					log.FieldError, err)
			}
		}
	}

	state, err := e.progression.Award(ctx, event)
	if err != nil {
		return Result{}, fmt.Errorf("award progression: %w", err)
	}
	result.Progression = state

	if err := e.goals.Advance(ctx, event); err != nil {
		return Result{}, fmt.Errorf("advance goals: %w", err)
	}

	e.logger.InfoContext(ctx, "event applied",
		log.FieldEventID, event.ID,
		log.FieldUserID, event.UserID,
		log.FieldEventType, string(event.Type),
		log.FieldOperation, string(event.Op))
	return result, nil
}

// Buckets returns the user's spend buckets for a period.
func (e *Engine) Buckets(ctx context.Context, userID string, period core.PeriodKey) ([]core.AggregateBucket, error) {
	return e.repo.ListBucketsByUser(ctx, userID, period)
}

// PnL returns the user's investment aggregate for a period.
func (e *Engine) PnL(ctx context.Context, userID string, period core.PeriodKey) (core.PnLBucket, error) {
	return e.repo.GetPnL(ctx, userID, period)
}

// Progression returns the user's gamification state.
func (e *Engine) Progression(ctx context.Context, userID string) (core.ProgressionState, error) {
	return e.progression.Get(ctx, userID)
}

// Leaderboard returns the top users by XP.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]core.ProgressionState, error) {
	return e.progression.Leaderboard(ctx, limit)
}

// SetBudgetLimit stores a budget cap for a bucket.
func (e *Engine) SetBudgetLimit(ctx context.Context, l core.BudgetLimit) error {
	if l.UserID == "" {
		return core.ErrEmptyUserID
	}
	if l.Category == "" {
		return core.ErrEmptyCategory
	}
	if l.LimitAmount.Paise <= 0 {
		return core.ErrInvalidAmount
	}
	return e.repo.UpsertBudgetLimit(ctx, l)
}

// BudgetLimit returns the configured cap for a bucket.
func (e *Engine) BudgetLimit(ctx context.Context, userID, category string, period core.PeriodKey) (core.BudgetLimit, error) {
	return e.repo.GetBudgetLimit(ctx, userID, category, period)
}

// CreateGoal registers a savings goal.
func (e *Engine) CreateGoal(ctx context.Context, g core.SavingsGoal) (core.SavingsGoal, error) {
	return e.goals.Create(ctx, g)
}

// Goals lists the user's savings goals.
func (e *Engine) Goals(ctx context.Context, userID string) ([]core.SavingsGoal, error) {
	return e.goals.List(ctx, userID)
}
