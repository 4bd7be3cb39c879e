// Package worker runs the dispatch side of the system: it consumes alert
// messages, delivers notifications, and keeps the derived state healthy with
// scheduled maintenance jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"finquest/internal/aggregate"
	"finquest/internal/amqp"
	"finquest/internal/core"
	"finquest/internal/log"
	"finquest/internal/notify"
	"finquest/internal/sheets"
)

// Repository is the maintenance slice of storage.
type Repository interface {
	ListUnreconciledFailures(ctx context.Context, limit int) ([]core.AlertRecord, error)
	MarkAlertReconciled(ctx context.Context, a core.AlertRecord) error
	CleanupDeliveredAlerts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the worker's tunables.
type Config struct {
	// DispatchQueue is the AMQP queue carrying alert dispatch messages.
	DispatchQueue string

	// SessionQueue is the AMQP queue carrying end-of-session signals.
	SessionQueue string

	// BatchSize caps how many records each maintenance pass touches.
	BatchSize int

	// RecomputeInterval is how often stale buckets are swept.
	RecomputeInterval time.Duration

	// ExportInterval is how often failed deliveries are polled for the
	// reconciliation export.
	ExportInterval time.Duration

	// RetentionDays is how long delivered alert records are kept.
	RetentionDays int
}

func DefaultConfig() Config {
	return Config{
		DispatchQueue:     "alert_dispatch",
		SessionQueue:      "session_end",
		BatchSize:         50,
		RecomputeInterval: time.Minute,
		ExportInterval:    30 * time.Second,
		RetentionDays:     30,
	}
}

// DispatchWorker couples the AMQP consumer with the scheduled jobs.
type DispatchWorker struct {
	client     *amqp.Client
	dispatcher *notify.Dispatcher
	store      *aggregate.Store
	repo       Repository
	exporter   sheets.FailureWriter // nil disables reconciliation export
	config     Config
	logger     *log.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func NewDispatchWorker(
	client *amqp.Client,
	dispatcher *notify.Dispatcher,
	store *aggregate.Store,
	repo Repository,
	exporter sheets.FailureWriter,
	config Config,
	logger *log.Logger,
) *DispatchWorker {
	return &DispatchWorker{
		client:     client,
		dispatcher: dispatcher,
		store:      store,
		repo:       repo,
		exporter:   exporter,
		config:     config,
		logger:     logger.WithComponent(log.ComponentWorker),
	}
}

// Start launches the consumer loop and the maintenance schedule.
// Returns an error if already running.
func (w *DispatchWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("dispatch worker is already running")
	}
	w.running = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		w.consumeDispatches(runCtx)
	}()
	go func() {
		defer consumers.Done()
		w.consumeSessionEnds(runCtx)
	}()
	go func() {
		consumers.Wait()
		close(w.doneCh)
	}()

	w.cron = cron.New()
	sweep := fmt.Sprintf("@every %s", w.config.RecomputeInterval)
	if _, err := w.cron.AddFunc(sweep, func() { w.sweepStaleBuckets(runCtx) }); err != nil {
		return fmt.Errorf("schedule recompute sweep: %w", err)
	}
	if _, err := w.cron.AddFunc("@daily", func() { w.cleanupAlerts(runCtx) }); err != nil {
		return fmt.Errorf("schedule alert cleanup: %w", err)
	}
	if w.exporter != nil {
		export := fmt.Sprintf("@every %s", w.config.ExportInterval)
		if _, err := w.cron.AddFunc(export, func() { w.exportFailures(runCtx) }); err != nil {
			return fmt.Errorf("schedule reconciliation export: %w", err)
		}
	}
	w.cron.Start()

	w.logger.InfoContext(ctx, "dispatch worker started",
		"queue", w.config.DispatchQueue,
		"session_queue", w.config.SessionQueue,
		"recompute_interval", w.config.RecomputeInterval.String(),
		"retention_days", w.config.RetentionDays)
	return nil
}

// Stop halts the schedule and the consumer, waiting for the loop to drain.
func (w *DispatchWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if w.cron != nil {
		cronCtx := w.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.cancel()

	select {
	case <-w.doneCh:
		w.logger.InfoContext(ctx, "dispatch worker stopped")
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "dispatch worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *DispatchWorker) consumeDispatches(ctx context.Context) {
	err := w.client.ConsumeAlertDispatch(ctx, w.config.DispatchQueue, func(msg *amqp.AlertDispatchMessage) error {
		return w.handleDispatch(ctx, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.ErrorContext(ctx, "dispatch consumer exited", log.FieldError, err)
	}
}

func (w *DispatchWorker) consumeSessionEnds(ctx context.Context) {
	err := w.client.ConsumeSessionEnd(ctx, w.config.SessionQueue, func(msg *amqp.SessionEndMessage) error {
		return w.handleSessionEnd(ctx, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.ErrorContext(ctx, "session consumer exited", log.FieldError, err)
	}
}

// handleSessionEnd abandons pending notification retries for the user.
func (w *DispatchWorker) handleSessionEnd(ctx context.Context, msg *amqp.SessionEndMessage) error {
	w.dispatcher.EndSession(msg.UserID)
	w.logger.InfoContext(ctx, "session ended, pending retries abandoned",
		log.FieldUserID, msg.UserID)
	return nil
}

// handleDispatch runs one delivery. Exhausted deliveries ack: the record is
// flagged for reconciliation and requeueing would change nothing.
func (w *DispatchWorker) handleDispatch(ctx context.Context, msg *amqp.AlertDispatchMessage) error {
	err := w.dispatcher.Dispatch(ctx, msg.Crossing())
	if errors.Is(err, notify.ErrDeliveryFailed) {
		return nil
	}
	return err
}

func (w *DispatchWorker) sweepStaleBuckets(ctx context.Context) {
	n, err := w.store.RecomputeStale(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "stale bucket sweep failed", log.FieldError, err)
		return
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "stale buckets recomputed", "count", n)
	}
}

func (w *DispatchWorker) cleanupAlerts(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -w.config.RetentionDays)
	n, err := w.repo.CleanupDeliveredAlerts(ctx, cutoff)
	if err != nil {
		w.logger.ErrorContext(ctx, "alert cleanup failed", log.FieldError, err)
		return
	}
	if n > 0 {
		w.logger.InfoContext(ctx, "delivered alerts cleaned up", "count", n)
	}
}

func (w *DispatchWorker) exportFailures(ctx context.Context) {
	failed, err := w.repo.ListUnreconciledFailures(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "list failed alerts", log.FieldError, err)
		return
	}
	if len(failed) == 0 {
		return
	}

	if err := w.exporter.Append(ctx, failed); err != nil {
		w.logger.ErrorContext(ctx, "reconciliation export failed", log.FieldError, err)
		return
	}
	for _, record := range failed {
		if err := w.repo.MarkAlertReconciled(ctx, record); err != nil {
			w.logger.ErrorContext(ctx, "mark alert reconciled",
				log.FieldUserID, record.UserID,
				log.FieldTier, record.Tier,
				log.FieldError, err)
		}
	}
	w.logger.InfoContext(ctx, "failed alerts exported", "count", len(failed))
}
