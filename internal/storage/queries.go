package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"finquest/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the hand-written SQL layer over the schema in migrations/.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Timestamps are stored as RFC3339Nano strings; the empty string stands for
// a zero time. This keeps scanning independent of driver time handling.
func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- events ---

// InsertEvent appends an event to the log. A duplicate id returns
// core.ErrDuplicateEvent so redelivered events can be skipped before any
// derived state is touched.
func (q *Queries) InsertEvent(ctx context.Context, e core.FinancialEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, type, op, ref_id, category, amount_paise, occurred_at, period_key, sequence, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Type), string(e.Op), e.RefID, e.Category,
		e.Amount.Paise, encodeTime(e.OccurredAt), string(e.Period()), e.Sequence, encodeTime(time.Now()),
	)
	if isUniqueViolation(err) {
		return core.ErrDuplicateEvent
	}
	return err
}

func scanEvent(scan func(dest ...any) error) (core.FinancialEvent, error) {
	var (
		e          core.FinancialEvent
		typ, op    string
		occurredAt string
		periodKey  string
	)
	err := scan(&e.ID, &e.UserID, &typ, &op, &e.RefID, &e.Category, &e.Amount.Paise, &occurredAt, &periodKey, &e.Sequence)
	if err != nil {
		return core.FinancialEvent{}, err
	}
	e.Type = core.EventType(typ)
	e.Op = core.EventOp(op)
	e.OccurredAt = decodeTime(occurredAt)
	return e, nil
}

const eventColumns = "id, user_id, type, op, ref_id, category, amount_paise, occurred_at, period_key, sequence"

// GetEvent returns a single event row by id.
func (q *Queries) GetEvent(ctx context.Context, id string) (core.FinancialEvent, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return core.FinancialEvent{}, core.ErrNotFound
	}
	return e, err
}

// liveExpenseSQL resolves the current amount of every live expense in a
// bucket: deleted originals are excluded, edited originals take the amount
// of their latest edit.
const liveExpenseSQL = `
	SELECT COALESCE((
		SELECT e.amount_paise FROM events e
		WHERE e.ref_id = o.id AND e.op = 'edit'
		ORDER BY e.sequence DESC LIMIT 1
	), o.amount_paise) AS amount_paise
	FROM events o
	WHERE o.op = 'create' AND o.type = 'expense'
	  AND o.user_id = ? AND o.category = ? AND o.period_key = ?
	  AND NOT EXISTS (SELECT 1 FROM events d WHERE d.ref_id = o.id AND d.op = 'delete')`

// SumLiveExpenses re-sums the live expense events of one bucket.
func (q *Queries) SumLiveExpenses(ctx context.Context, userID, category string, period core.PeriodKey) (int64, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount_paise), 0) FROM ("+liveExpenseSQL+")",
		userID, category, string(period))
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum live expenses: %w", err)
	}
	return total, nil
}

// SumLiveTrades re-sums the live investment events of one (user, period):
// buys as invested, sells as realized.
func (q *Queries) SumLiveTrades(ctx context.Context, userID string, period core.PeriodKey) (invested, realized int64, err error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN t.type = 'investment_buy' THEN t.amount_paise ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.type = 'investment_sell' THEN t.amount_paise ELSE 0 END), 0)
		FROM (
			SELECT o.type, COALESCE((
				SELECT e.amount_paise FROM events e
				WHERE e.ref_id = o.id AND e.op = 'edit'
				ORDER BY e.sequence DESC LIMIT 1
			), o.amount_paise) AS amount_paise
			FROM events o
			WHERE o.op = 'create' AND o.type IN ('investment_buy', 'investment_sell')
			  AND o.user_id = ? AND o.period_key = ?
			  AND NOT EXISTS (SELECT 1 FROM events d WHERE d.ref_id = o.id AND d.op = 'delete')
		) t`,
		userID, string(period))
	if err := row.Scan(&invested, &realized); err != nil {
		return 0, 0, fmt.Errorf("sum live trades: %w", err)
	}
	return invested, realized, nil
}

// MaxSequence returns the highest sequence seen for a user, used as the
// recompute watermark.
func (q *Queries) MaxSequence(ctx context.Context, userID string) (int64, error) {
	row := q.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM events WHERE user_id = ?", userID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// --- buckets ---

func (q *Queries) GetBucket(ctx context.Context, userID, category string, period core.PeriodKey) (core.AggregateBucket, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT user_id, category, period_key, spent_paise, last_sequence, last_occurred_at, stale
		FROM buckets WHERE user_id = ? AND category = ? AND period_key = ?`,
		userID, category, string(period))

	var (
		b          core.AggregateBucket
		periodKey  string
		occurredAt string
		stale      int64
	)
	err := row.Scan(&b.UserID, &b.Category, &periodKey, &b.SpentAmount.Paise, &b.LastSequenceApplied, &occurredAt, &stale)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AggregateBucket{}, core.ErrNotFound
	}
	if err != nil {
		return core.AggregateBucket{}, err
	}
	b.PeriodKey = core.PeriodKey(periodKey)
	b.LastOccurredAt = decodeTime(occurredAt)
	b.Stale = stale != 0
	return b, nil
}

func (q *Queries) UpsertBucket(ctx context.Context, b core.AggregateBucket) error {
	stale := 0
	if b.Stale {
		stale = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO buckets (user_id, category, period_key, spent_paise, last_sequence, last_occurred_at, stale)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, category, period_key) DO UPDATE SET
			spent_paise = excluded.spent_paise,
			last_sequence = excluded.last_sequence,
			last_occurred_at = excluded.last_occurred_at,
			stale = excluded.stale`,
		b.UserID, b.Category, string(b.PeriodKey), b.SpentAmount.Paise,
		b.LastSequenceApplied, encodeTime(b.LastOccurredAt), stale)
	return err
}

func (q *Queries) MarkBucketStale(ctx context.Context, userID, category string, period core.PeriodKey) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO buckets (user_id, category, period_key, stale) VALUES (?, ?, ?, 1)
		ON CONFLICT (user_id, category, period_key) DO UPDATE SET stale = 1`,
		userID, category, string(period))
	return err
}

// ListStaleBuckets feeds the periodic recompute sweep.
func (q *Queries) ListStaleBuckets(ctx context.Context, limit int) ([]core.AggregateBucket, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, category, period_key FROM buckets WHERE stale = 1 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []core.AggregateBucket
	for rows.Next() {
		var b core.AggregateBucket
		var periodKey string
		if err := rows.Scan(&b.UserID, &b.Category, &periodKey); err != nil {
			return nil, err
		}
		b.PeriodKey = core.PeriodKey(periodKey)
		b.Stale = true
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (q *Queries) ListBucketsByUser(ctx context.Context, userID string, period core.PeriodKey) ([]core.AggregateBucket, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, category, period_key, spent_paise, last_sequence, last_occurred_at, stale
		FROM buckets WHERE user_id = ? AND period_key = ? ORDER BY category`,
		userID, string(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []core.AggregateBucket
	for rows.Next() {
		var (
			b          core.AggregateBucket
			periodKey  string
			occurredAt string
			stale      int64
		)
		if err := rows.Scan(&b.UserID, &b.Category, &periodKey, &b.SpentAmount.Paise, &b.LastSequenceApplied, &occurredAt, &stale); err != nil {
			return nil, err
		}
		b.PeriodKey = core.PeriodKey(periodKey)
		b.LastOccurredAt = decodeTime(occurredAt)
		b.Stale = stale != 0
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// --- pnl buckets ---

func (q *Queries) GetPnL(ctx context.Context, userID string, period core.PeriodKey) (core.PnLBucket, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT user_id, period_key, invested_paise, realized_paise, last_sequence
		FROM pnl_buckets WHERE user_id = ? AND period_key = ?`,
		userID, string(period))

	var b core.PnLBucket
	var periodKey string
	err := row.Scan(&b.UserID, &periodKey, &b.Invested.Paise, &b.Realized.Paise, &b.LastSequenceApplied)
	if errors.Is(err, sql.ErrNoRows) {
		return core.PnLBucket{}, core.ErrNotFound
	}
	if err != nil {
		return core.PnLBucket{}, err
	}
	b.PeriodKey = core.PeriodKey(periodKey)
	return b, nil
}

func (q *Queries) UpsertPnL(ctx context.Context, b core.PnLBucket) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pnl_buckets (user_id, period_key, invested_paise, realized_paise, last_sequence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, period_key) DO UPDATE SET
			invested_paise = excluded.invested_paise,
			realized_paise = excluded.realized_paise,
			last_sequence = excluded.last_sequence`,
		b.UserID, string(b.PeriodKey), b.Invested.Paise, b.Realized.Paise, b.LastSequenceApplied)
	return err
}

// --- budget limits ---

func (q *Queries) GetBudgetLimit(ctx context.Context, userID, category string, period core.PeriodKey) (core.BudgetLimit, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT user_id, category, period_key, limit_paise
		FROM budget_limits WHERE user_id = ? AND category = ? AND period_key = ?`,
		userID, category, string(period))

	var l core.BudgetLimit
	var periodKey string
	err := row.Scan(&l.UserID, &l.Category, &periodKey, &l.LimitAmount.Paise)
	if errors.Is(err, sql.ErrNoRows) {
		return core.BudgetLimit{}, core.ErrNotFound
	}
	if err != nil {
		return core.BudgetLimit{}, err
	}
	l.PeriodKey = core.PeriodKey(periodKey)
	return l, nil
}

func (q *Queries) UpsertBudgetLimit(ctx context.Context, l core.BudgetLimit) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO budget_limits (user_id, category, period_key, limit_paise)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, category, period_key) DO UPDATE SET limit_paise = excluded.limit_paise`,
		l.UserID, l.Category, string(l.PeriodKey), l.LimitAmount.Paise)
	return err
}

// --- alert records ---

// CreateAlertRecord inserts the idempotency record for one crossing.
// Returns core.ErrAlertExists if the tier was already recorded.
func (q *Queries) CreateAlertRecord(ctx context.Context, a core.AlertRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO alert_records (user_id, category, period_key, tier, dispatched_at, delivery_failed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		a.UserID, a.Category, string(a.PeriodKey), a.Tier, encodeTime(a.DispatchedAt))
	if isUniqueViolation(err) {
		return core.ErrAlertExists
	}
	return err
}

// HighestAlertTier returns the ratchet floor for a bucket: the highest tier
// already recorded, or zero when none exists.
func (q *Queries) HighestAlertTier(ctx context.Context, userID, category string, period core.PeriodKey) (int, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(tier), 0) FROM alert_records
		WHERE user_id = ? AND category = ? AND period_key = ?`,
		userID, category, string(period))
	var tier int
	if err := row.Scan(&tier); err != nil {
		return 0, err
	}
	return tier, nil
}

func (q *Queries) MarkAlertDeliveryFailed(ctx context.Context, userID, category string, period core.PeriodKey, tier int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE alert_records SET delivery_failed = 1
		WHERE user_id = ? AND category = ? AND period_key = ? AND tier = ?`,
		userID, category, string(period), tier)
	return err
}

// ListUnreconciledFailures returns delivery failures not yet exported.
func (q *Queries) ListUnreconciledFailures(ctx context.Context, limit int) ([]core.AlertRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, category, period_key, tier, dispatched_at, delivery_failed
		FROM alert_records WHERE delivery_failed = 1 AND reconciled = 0
		ORDER BY dispatched_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.AlertRecord
	for rows.Next() {
		var (
			a            core.AlertRecord
			periodKey    string
			dispatchedAt string
			failed       int64
		)
		if err := rows.Scan(&a.UserID, &a.Category, &periodKey, &a.Tier, &dispatchedAt, &failed); err != nil {
			return nil, err
		}
		a.PeriodKey = core.PeriodKey(periodKey)
		a.DispatchedAt = decodeTime(dispatchedAt)
		a.DeliveryFailed = failed != 0
		records = append(records, a)
	}
	return records, rows.Err()
}

func (q *Queries) MarkAlertReconciled(ctx context.Context, a core.AlertRecord) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE alert_records SET reconciled = 1
		WHERE user_id = ? AND category = ? AND period_key = ? AND tier = ?`,
		a.UserID, a.Category, string(a.PeriodKey), a.Tier)
	return err
}

// CleanupDeliveredAlerts removes successfully delivered records older than
// the cutoff. Failed records are kept for reconciliation.
func (q *Queries) CleanupDeliveredAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM alert_records WHERE delivery_failed = 0 AND dispatched_at < ?`,
		encodeTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- progression ---

func (q *Queries) GetProgression(ctx context.Context, userID string) (core.ProgressionState, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT user_id, total_xp, coins, streak_days, last_activity_date
		FROM progression WHERE user_id = ?`, userID)

	var p core.ProgressionState
	var lastActivity string
	err := row.Scan(&p.UserID, &p.TotalXP, &p.Coins, &p.StreakDays, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ProgressionState{}, core.ErrNotFound
	}
	if err != nil {
		return core.ProgressionState{}, err
	}
	p.LastActivityDate = decodeTime(lastActivity)
	return p, nil
}

// UpsertProgression persists the full derived record in one statement, so
// an award is all-or-nothing.
func (q *Queries) UpsertProgression(ctx context.Context, p core.ProgressionState) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO progression (user_id, total_xp, coins, streak_days, last_activity_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			total_xp = excluded.total_xp,
			coins = excluded.coins,
			streak_days = excluded.streak_days,
			last_activity_date = excluded.last_activity_date`,
		p.UserID, p.TotalXP, p.Coins, p.StreakDays, encodeTime(p.LastActivityDate))
	return err
}

// TopProgression returns the leaderboard: top users by total XP.
func (q *Queries) TopProgression(ctx context.Context, limit int) ([]core.ProgressionState, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, total_xp, coins, streak_days, last_activity_date
		FROM progression ORDER BY total_xp DESC, user_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []core.ProgressionState
	for rows.Next() {
		var p core.ProgressionState
		var lastActivity string
		if err := rows.Scan(&p.UserID, &p.TotalXP, &p.Coins, &p.StreakDays, &lastActivity); err != nil {
			return nil, err
		}
		p.LastActivityDate = decodeTime(lastActivity)
		states = append(states, p)
	}
	return states, rows.Err()
}

// --- savings goals ---

func (q *Queries) CreateGoal(ctx context.Context, g core.SavingsGoal) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO savings_goals (user_id, name, category, target_paise, saved_paise, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Name, g.Category, g.TargetAmount.Paise, g.SavedAmount.Paise, encodeTime(g.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanGoals(rows *sql.Rows) ([]core.SavingsGoal, error) {
	var goals []core.SavingsGoal
	for rows.Next() {
		var g core.SavingsGoal
		var completedAt string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.Category, &g.TargetAmount.Paise, &g.SavedAmount.Paise, &completedAt); err != nil {
			return nil, err
		}
		g.CompletedAt = decodeTime(completedAt)
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

const goalColumns = "id, user_id, name, category, target_paise, saved_paise, completed_at"

func (q *Queries) ListGoalsByUser(ctx context.Context, userID string) ([]core.SavingsGoal, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+goalColumns+" FROM savings_goals WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGoals(rows)
}

// ListOpenGoals returns the user's incomplete goals in one category.
func (q *Queries) ListOpenGoals(ctx context.Context, userID, category string) ([]core.SavingsGoal, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+goalColumns+" FROM savings_goals WHERE user_id = ? AND category = ? AND completed_at = '' ORDER BY id",
		userID, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGoals(rows)
}

func (q *Queries) UpdateGoalProgress(ctx context.Context, g core.SavingsGoal) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE savings_goals SET saved_paise = ?, completed_at = ? WHERE id = ?`,
		g.SavedAmount.Paise, encodeTime(g.CompletedAt), g.ID)
	return err
}
