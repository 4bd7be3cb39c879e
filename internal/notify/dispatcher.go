// Package notify turns tier crossings into at-most-once deliveries to the
// external notification channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"finquest/internal/core"
	"finquest/internal/log"
)

// ErrDeliveryFailed means every attempt was exhausted. The alert record is
// kept and flagged so the crossing is never re-dispatched; derived state is
// unaffected.
var ErrDeliveryFailed = errors.New("notification delivery failed after retries")

// Repository is the dispatch bookkeeping slice of storage.
type Repository interface {
	CreateAlertRecord(ctx context.Context, a core.AlertRecord) error
	MarkAlertDeliveryFailed(ctx context.Context, userID, category string, period core.PeriodKey, tier int) error
}

type Dispatcher struct {
	repo        Repository
	sink        Sink
	maxAttempts int
	baseBackoff time.Duration
	attemptTTL  time.Duration
	logger      *log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session fans a user's end-of-session signal out to every in-flight
// dispatch. inflight counts those dispatches so the registry entry can be
// dropped as soon as the last one returns.
type session struct {
	done     chan struct{}
	inflight int
}

var errSessionEnded = errors.New("user session ended")

func NewDispatcher(repo Repository, sink Sink, maxAttempts int, baseBackoff, attemptTTL time.Duration, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		repo:        repo,
		sink:        sink,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		attemptTTL:  attemptTTL,
		logger:      logger.WithComponent(log.ComponentDispatch),
		sessions:    make(map[string]*session),
	}
}

// Dispatch submits one crossing. Inserting the alert record first is the
// idempotency guard: if the record already exists the crossing was handled
// before (or is in flight elsewhere) and this call is a silent no-op, which
// makes redelivery of the same crossing safe.
func (d *Dispatcher) Dispatch(ctx context.Context, c core.TierCrossing) error {
	record := core.AlertRecord{
		UserID:       c.UserID,
		Category:     c.Category,
		PeriodKey:    c.PeriodKey,
		Tier:         c.Tier,
		DispatchedAt: time.Now(),
	}
	if err := d.repo.CreateAlertRecord(ctx, record); err != nil {
		if errors.Is(err, core.ErrAlertExists) {
			d.logger.DebugContext(ctx, "duplicate crossing suppressed",
				log.FieldUserID, c.UserID,
				log.FieldCategory, c.Category,
				log.FieldPeriod, c.PeriodKey.String(),
				log.FieldTier, c.Tier)
			return nil
		}
		return fmt.Errorf("create alert record: %w", err)
	}

	ctx, stop := d.sessionContext(ctx, c.UserID)
	defer stop()
	if err := d.deliver(ctx, notificationFor(c)); err != nil {
		d.logger.ErrorContext(ctx, "delivery exhausted, flagging for reconciliation",
			log.FieldUserID, c.UserID,
			log.FieldCategory, c.Category,
			log.FieldPeriod, c.PeriodKey.String(),
			log.FieldTier, c.Tier,
			log.FieldError, err)
		if mErr := d.repo.MarkAlertDeliveryFailed(context.WithoutCancel(ctx), c.UserID, c.Category, c.PeriodKey, c.Tier); mErr != nil {
			return fmt.Errorf("flag failed delivery: %w", mErr)
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	d.logger.InfoContext(ctx, "alert delivered",
		log.FieldUserID, c.UserID,
		log.FieldCategory, c.Category,
		log.FieldPeriod, c.PeriodKey.String(),
		log.FieldTier, c.Tier)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n core.Notification) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTTL)
		err := d.sink.Send(attemptCtx, n)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == d.maxAttempts {
			break
		}
		backoff := d.baseBackoff << uint(attempt-1)
		backoff += time.Duration(rand.Int63n(int64(d.baseBackoff)))
		d.logger.WarnContext(ctx, "delivery attempt failed",
			log.FieldUserID, n.UserID,
			log.FieldAttempt, attempt,
			log.FieldError, err,
			"backoff", backoff.String())
		select {
		case <-ctx.Done():
			return fmt.Errorf("retries abandoned: %w", context.Cause(ctx))
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", d.maxAttempts, lastErr)
}

// sessionContext ties pending retries for a user to that user's session, so
// EndSession can abandon them. Already-created alert records are retained.
// The registry entry lives only while dispatches for the user are in flight;
// the returned stop func releases this dispatch's hold on it.
func (d *Dispatcher) sessionContext(parent context.Context, userID string) (context.Context, context.CancelFunc) {
	d.mu.Lock()
	s, ok := d.sessions[userID]
	if !ok {
		s = &session{done: make(chan struct{})}
		d.sessions[userID] = s
	}
	s.inflight++
	d.mu.Unlock()

	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-s.done:
			cancel(errSessionEnded)
		case <-ctx.Done():
		}
	}()
	stop := func() {
		cancel(nil)
		d.mu.Lock()
		s.inflight--
		if s.inflight == 0 && d.sessions[userID] == s {
			delete(d.sessions, userID)
		}
		d.mu.Unlock()
	}
	return ctx, stop
}

// EndSession abandons pending retries for the user.
func (d *Dispatcher) EndSession(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[userID]; ok {
		close(s.done)
		delete(d.sessions, userID)
	}
}

func notificationFor(c core.TierCrossing) core.Notification {
	title := fmt.Sprintf("Budget alert: %s at %d%%", c.Category, c.Tier)
	msg := fmt.Sprintf("You have spent %.2f of your %s budget for %s (limit %.2f).",
		c.SpentAmount.Rupees(), c.Category, c.PeriodKey, c.LimitAmount.Rupees())
	kind := "budget_warning"
	if c.Tier >= 100 {
		kind = "budget_exceeded"
	}
	return core.Notification{
		UserID:    c.UserID,
		Title:     title,
		Message:   msg,
		Type:      kind,
		CreatedAt: time.Now(),
	}
}
