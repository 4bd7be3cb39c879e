// Package aggregate maintains the derived spend and P&L buckets. Buckets are
// never authoritative: every total is reconstructable from the event log, and
// any mutation of history triggers a full recompute instead of a patch.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"finquest/internal/core"
	"finquest/internal/log"
)

// ErrAggregationConflict is returned when a bucket keeps moving under a
// recompute after the bounded number of retries.
var ErrAggregationConflict = errors.New("aggregation conflict: bucket changed during recompute")

const (
	lockStripes       = 64
	recomputeAttempts = 3
	sweepConcurrency  = 4
)

// Repository is the slice of storage the store needs.
type Repository interface {
	GetEvent(ctx context.Context, id string) (core.FinancialEvent, error)
	GetBucket(ctx context.Context, userID, category string, period core.PeriodKey) (core.AggregateBucket, error)
	UpsertBucket(ctx context.Context, b core.AggregateBucket) error
	MarkBucketStale(ctx context.Context, userID, category string, period core.PeriodKey) error
	ListStaleBuckets(ctx context.Context, limit int) ([]core.AggregateBucket, error)
	SumLiveExpenses(ctx context.Context, userID, category string, period core.PeriodKey) (int64, error)
	SumLiveTrades(ctx context.Context, userID string, period core.PeriodKey) (invested, realized int64, err error)
	MaxSequence(ctx context.Context, userID string) (int64, error)
	GetPnL(ctx context.Context, userID string, period core.PeriodKey) (core.PnLBucket, error)
	UpsertPnL(ctx context.Context, b core.PnLBucket) error
}

// BucketDelta describes what applying one event did to derived state.
type BucketDelta struct {
	Bucket     core.AggregateBucket
	PnL        core.PnLBucket
	HasBucket  bool
	HasPnL     bool
	Recomputed bool
}

type Store struct {
	repo   Repository
	logger *log.Logger
	locks  [lockStripes]sync.Mutex
}

func NewStore(repo Repository, logger *log.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.WithComponent(log.ComponentAggregate),
	}
}

func (s *Store) lockFor(userID, category string, period core.PeriodKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(period))
	return &s.locks[h.Sum32()%lockStripes]
}

// Apply folds a validated, already persisted event into derived state.
// A new in-order expense increments its bucket; an edit, delete, or
// out-of-order arrival marks the bucket stale and recomputes it wholesale
// from the live events before returning.
func (s *Store) Apply(ctx context.Context, e core.FinancialEvent) (BucketDelta, error) {
	return s.ApplyWith(ctx, s.repo, e)
}

// ApplyWith folds the event through repo, which may be transaction scoped.
// The engine passes the transaction that appended the event to the log, so
// the log row and the derived-state write commit or roll back together.
func (s *Store) ApplyWith(ctx context.Context, repo Repository, e core.FinancialEvent) (BucketDelta, error) {
	switch e.Type {
	case core.TypeExpense:
		return s.applyExpense(ctx, repo, e)
	case core.TypeInvestmentBuy, core.TypeInvestmentSell:
		return s.applyTrade(ctx, repo, e)
	default:
		// quiz_result and module_progress carry no monetary aggregate.
		return BucketDelta{}, nil
	}
}

func (s *Store) applyExpense(ctx context.Context, repo Repository, e core.FinancialEvent) (BucketDelta, error) {
	category, period := e.Category, e.Period()
	if e.Op != core.OpCreate {
		// The bucket affected is the original event's, not the
		// mutation's own timestamp bucket.
		orig, err := repo.GetEvent(ctx, e.RefID)
		if err != nil {
			return BucketDelta{}, fmt.Errorf("resolve referenced event %s: %w", e.RefID, err)
		}
		category, period = orig.Category, orig.Period()
	}

	mu := s.lockFor(e.UserID, category, period)
	mu.Lock()
	defer mu.Unlock()

	bucket, err := repo.GetBucket(ctx, e.UserID, category, period)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return BucketDelta{}, err
	}
	bucket.UserID, bucket.Category, bucket.PeriodKey = e.UserID, category, period

	inOrder := e.Op == core.OpCreate && !bucket.Stale &&
		(bucket.LastOccurredAt.IsZero() || !e.OccurredAt.Before(bucket.LastOccurredAt))

	if inOrder {
		bucket.SpentAmount.Paise += e.Amount.Paise
		bucket.LastSequenceApplied = max(bucket.LastSequenceApplied, e.Sequence)
		bucket.LastOccurredAt = e.OccurredAt
		if err := repo.UpsertBucket(ctx, bucket); err != nil {
			return BucketDelta{}, fmt.Errorf("increment bucket: %w", err)
		}
		return BucketDelta{Bucket: bucket, HasBucket: true}, nil
	}

	if err := repo.MarkBucketStale(ctx, e.UserID, category, period); err != nil {
		return BucketDelta{}, fmt.Errorf("mark bucket stale: %w", err)
	}
	bucket, err = s.recomputeLocked(ctx, repo, bucket, e.OccurredAt)
	if err != nil {
		return BucketDelta{}, err
	}
	return BucketDelta{Bucket: bucket, HasBucket: true, Recomputed: true}, nil
}

// recomputeLocked re-sums the bucket from live events. The caller holds the
// bucket lock. If the user's event log advances while summing, the sum is
// retried; a bucket that will not hold still is reported as a conflict.
func (s *Store) recomputeLocked(ctx context.Context, repo Repository, bucket core.AggregateBucket, lastOccurred time.Time) (core.AggregateBucket, error) {
	for attempt := 1; attempt <= recomputeAttempts; attempt++ {
		before, err := repo.MaxSequence(ctx, bucket.UserID)
		if err != nil {
			return bucket, fmt.Errorf("read watermark: %w", err)
		}
		sum, err := repo.SumLiveExpenses(ctx, bucket.UserID, bucket.Category, bucket.PeriodKey)
		if err != nil {
			return bucket, err
		}
		after, err := repo.MaxSequence(ctx, bucket.UserID)
		if err != nil {
			return bucket, fmt.Errorf("read watermark: %w", err)
		}
		if after != before {
			s.logger.Warn("bucket moved during recompute, retrying",
				log.FieldUserID, bucket.UserID,
				log.FieldCategory, bucket.Category,
				log.FieldPeriod, bucket.PeriodKey.String(),
				log.FieldAttempt, attempt)
			continue
		}

		bucket.SpentAmount = core.Money{Paise: sum}
		bucket.LastSequenceApplied = after
		if lastOccurred.After(bucket.LastOccurredAt) {
			bucket.LastOccurredAt = lastOccurred
		}
		bucket.Stale = false
		if err := repo.UpsertBucket(ctx, bucket); err != nil {
			return bucket, fmt.Errorf("store recomputed bucket: %w", err)
		}
		s.logger.Debug("bucket recomputed",
			log.FieldUserID, bucket.UserID,
			log.FieldCategory, bucket.Category,
			log.FieldPeriod, bucket.PeriodKey.String(),
			log.FieldSpentPaise, sum)
		return bucket, nil
	}
	return bucket, ErrAggregationConflict
}

func (s *Store) applyTrade(ctx context.Context, repo Repository, e core.FinancialEvent) (BucketDelta, error) {
	period := e.Period()
	if e.Op != core.OpCreate {
		orig, err := repo.GetEvent(ctx, e.RefID)
		if err != nil {
			return BucketDelta{}, fmt.Errorf("resolve referenced event %s: %w", e.RefID, err)
		}
		period = orig.Period()
	}

	mu := s.lockFor(e.UserID, "", period)
	mu.Lock()
	defer mu.Unlock()

	pnl, err := repo.GetPnL(ctx, e.UserID, period)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return BucketDelta{}, err
	}
	pnl.UserID, pnl.PeriodKey = e.UserID, period

	if e.Op == core.OpCreate && e.Sequence > pnl.LastSequenceApplied {
		switch e.Type {
		case core.TypeInvestmentBuy:
			pnl.Invested.Paise += e.Amount.Paise
		case core.TypeInvestmentSell:
			pnl.Realized.Paise += e.Amount.Paise
		}
		pnl.LastSequenceApplied = e.Sequence
		if err := repo.UpsertPnL(ctx, pnl); err != nil {
			return BucketDelta{}, fmt.Errorf("increment pnl: %w", err)
		}
		return BucketDelta{PnL: pnl, HasPnL: true}, nil
	}

	invested, realized, err := repo.SumLiveTrades(ctx, e.UserID, period)
	if err != nil {
		return BucketDelta{}, err
	}
	seq, err := repo.MaxSequence(ctx, e.UserID)
	if err != nil {
		return BucketDelta{}, fmt.Errorf("read watermark: %w", err)
	}
	pnl.Invested = core.Money{Paise: invested}
	pnl.Realized = core.Money{Paise: realized}
	pnl.LastSequenceApplied = seq
	if err := repo.UpsertPnL(ctx, pnl); err != nil {
		return BucketDelta{}, fmt.Errorf("store recomputed pnl: %w", err)
	}
	return BucketDelta{PnL: pnl, HasPnL: true, Recomputed: true}, nil
}

// RecomputeStale re-sums every bucket currently marked stale. Used by the
// periodic sweep as a safety net for recomputes interrupted mid-flight.
// Buckets belong to independent (user, category, period) keys, so they are
// recomputed concurrently.
func (s *Store) RecomputeStale(ctx context.Context, limit int) (int, error) {
	stale, err := s.repo.ListStaleBuckets(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale buckets: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	var done atomic.Int64
	for _, b := range stale {
		g.Go(func() error {
			mu := s.lockFor(b.UserID, b.Category, b.PeriodKey)
			mu.Lock()
			defer mu.Unlock()
			current, err := s.repo.GetBucket(ctx, b.UserID, b.Category, b.PeriodKey)
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !current.Stale {
				// Already recomputed by a concurrent apply.
				return nil
			}
			if _, err := s.recomputeLocked(ctx, s.repo, current, current.LastOccurredAt); err != nil {
				return err
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}
