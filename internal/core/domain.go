package core

import (
	"errors"
	"strings"
	"time"
)

const (
	TypeExpense        EventType = "expense"
	TypeInvestmentBuy  EventType = "investment_buy"
	TypeInvestmentSell EventType = "investment_sell"
	TypeQuizResult     EventType = "quiz_result"
	TypeModuleProgress EventType = "module_progress"
)

const (
	OpCreate EventOp = "create"
	OpEdit   EventOp = "edit"
	OpDelete EventOp = "delete"
)

type (
	EventType string

	EventOp string

	// PeriodKey groups events into calendar months ("2024-01").
	PeriodKey string

	Money struct {
		Paise int64
	}

	// FinancialEvent is one entry of the append-only event log. Events are
	// never mutated in place; an edit or delete is a new event whose RefID
	// points at the original.
	FinancialEvent struct {
		ID         string
		UserID     string
		Type       EventType
		Op         EventOp
		RefID      string // original event id, set for edit/delete
		Category   string
		Amount     Money
		OccurredAt time.Time
		Sequence   int64
	}

	// BudgetLimit is external read-only configuration: one cap per
	// (user, category, period).
	BudgetLimit struct {
		UserID      string
		Category    string
		PeriodKey   PeriodKey
		LimitAmount Money
	}

	// AggregateBucket is the derived spend total for one
	// (user, category, period). SpentAmount always equals the sum of the
	// live expense events in that bucket, independent of arrival order.
	AggregateBucket struct {
		UserID              string
		Category            string
		PeriodKey           PeriodKey
		SpentAmount         Money
		LastSequenceApplied int64
		LastOccurredAt      time.Time
		Stale               bool
	}

	// PnLBucket is the per-user, per-period investment aggregate: buys
	// accumulate as invested, sells as realized.
	PnLBucket struct {
		UserID              string
		PeriodKey           PeriodKey
		Invested            Money
		Realized            Money
		LastSequenceApplied int64
	}

	// TierCrossing reports that a bucket newly reached a configured
	// percentage-of-limit tier.
	TierCrossing struct {
		UserID      string
		Category    string
		PeriodKey   PeriodKey
		Tier        int
		SpentAmount Money
		LimitAmount Money
	}

	// AlertRecord exists once per (user, category, period, tier). Its
	// existence is the sole idempotency guard for dispatch.
	AlertRecord struct {
		UserID         string
		Category       string
		PeriodKey      PeriodKey
		Tier           int
		DispatchedAt   time.Time
		DeliveryFailed bool
	}

	// Notification is the payload shape the external sink accepts.
	Notification struct {
		UserID    string    `json:"user_id"`
		Title     string    `json:"title"`
		Message   string    `json:"message"`
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
	}

	// ProgressionState is the derived gamification record. Level is always
	// recomputed from TotalXP, never stored independently of it.
	ProgressionState struct {
		UserID           string
		TotalXP          int64
		Level            int
		Coins            int64
		StreakDays       int
		LastActivityDate time.Time
	}

	// SavingsGoal tracks a named saving target advanced by investment
	// events in the goal's category.
	SavingsGoal struct {
		ID           int64
		UserID       string
		Name         string
		Category     string
		TargetAmount Money
		SavedAmount  Money
		CompletedAt  time.Time
	}
)

var (
	ErrEmptyEventID     = errors.New("empty event id")
	ErrEmptyUserID      = errors.New("empty user id")
	ErrEmptyCategory    = errors.New("empty category")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrFutureTimestamp  = errors.New("occurred_at is in the future")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrUnknownEventOp   = errors.New("unknown event op")
	ErrMissingReference = errors.New("edit/delete without reference id")
	ErrDuplicateEvent   = errors.New("event id already applied")
	ErrAlertExists      = errors.New("alert record already exists")
	ErrNotFound         = errors.New("not found")
)

// PeriodOf returns the calendar-month period key for a timestamp.
func PeriodOf(t time.Time) PeriodKey {
	return PeriodKey(t.UTC().Format("2006-01"))
}

func (p PeriodKey) String() string { return string(p) }

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsMonetary reports whether the event type carries an amount that must be
// strictly positive.
func (t EventType) IsMonetary() bool {
	switch t {
	case TypeExpense, TypeInvestmentBuy, TypeInvestmentSell:
		return true
	}
	return false
}

func (t EventType) known() bool {
	switch t {
	case TypeExpense, TypeInvestmentBuy, TypeInvestmentSell, TypeQuizResult, TypeModuleProgress:
		return true
	}
	return false
}

func (m Money) Validate() error {
	if m.Paise <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Validate checks an incoming event against ingestion policy at time now.
// It is pure: a rejected event must never have touched any derived state.
func (e FinancialEvent) Validate(now time.Time) error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrEmptyEventID
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrEmptyUserID
	}
	if !e.Type.known() {
		return ErrUnknownEventType
	}
	switch e.Op {
	case OpCreate, OpEdit, OpDelete:
	default:
		return ErrUnknownEventOp
	}
	if e.Op != OpCreate && strings.TrimSpace(e.RefID) == "" {
		return ErrMissingReference
	}
	if e.OccurredAt.After(now) {
		return ErrFutureTimestamp
	}
	// Deletes carry no amount; everything else monetary must be positive.
	if e.Type.IsMonetary() && e.Op != OpDelete {
		if err := e.Amount.Validate(); err != nil {
			return err
		}
	}
	if e.Type == TypeExpense && e.Op == OpCreate && strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	return nil
}

// Period returns the bucket period the event falls into.
func (e FinancialEvent) Period() PeriodKey {
	return PeriodOf(e.OccurredAt)
}

// Completed reports whether the goal has been reached.
func (g SavingsGoal) Completed() bool {
	return !g.CompletedAt.IsZero() || (g.TargetAmount.Paise > 0 && g.SavedAmount.Paise >= g.TargetAmount.Paise)
}
