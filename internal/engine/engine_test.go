package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"finquest/internal/aggregate"
	"finquest/internal/config"
	"finquest/internal/core"
	"finquest/internal/goals"
	"finquest/internal/log"
	"finquest/internal/progression"
	"finquest/internal/storage"
	"finquest/internal/threshold"
)

type capturePublisher struct {
	mu        sync.Mutex
	crossings []core.TierCrossing
}

func (p *capturePublisher) Publish(_ context.Context, c core.TierCrossing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crossings = append(p.crossings, c)
	return nil
}

func (p *capturePublisher) all() []core.TierCrossing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.TierCrossing(nil), p.crossings...)
}

func testLogger() *log.Logger {
	return log.New(log.Config{Handler: slog.NewTextHandler(io.Discard, nil)})
}

func newTestEngine(t *testing.T) (*Engine, *capturePublisher, *storage.SQLiteRepository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	rules := config.DefaultRules()
	logger := testLogger()
	publisher := &capturePublisher{}

	prog := progression.NewEngine(repo, rules, logger)
	eng := New(
		repo,
		aggregate.NewStore(repo, logger),
		threshold.NewEvaluator(repo, rules.Tiers, logger),
		prog,
		goals.NewTracker(repo, prog, rules.GoalBonusCoins, logger),
		publisher,
		logger,
	)
	return eng, publisher, repo
}

var at = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func expense(id string, paise int64, occurred time.Time) core.FinancialEvent {
	return core.FinancialEvent{
		ID: id, UserID: "u1", Type: core.TypeExpense, Op: core.OpCreate,
		Category: "food", Amount: core.Money{Paise: paise}, OccurredAt: occurred,
	}
}

func setLimit(t *testing.T, eng *Engine, paise int64) {
	t.Helper()
	err := eng.SetBudgetLimit(context.Background(), core.BudgetLimit{
		UserID: "u1", Category: "food", PeriodKey: "2024-03",
		LimitAmount: core.Money{Paise: paise},
	})
	if err != nil {
		t.Fatalf("SetBudgetLimit: %v", err)
	}
}

func TestProcessEvent_AppliesEverything(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.ProcessEvent(ctx, expense("e1", 10000, at))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if res.Bucket == nil || res.Bucket.SpentAmount.Paise != 10000 {
		t.Errorf("bucket = %+v, want spent 10000", res.Bucket)
	}
	if res.Event.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", res.Event.Sequence)
	}
	if res.Progression.TotalXP != 25 || res.Progression.Coins != 12 {
		t.Errorf("progression = %+v, want 25 xp, 12 coins", res.Progression)
	}
}

func TestProcessEvent_RejectedEventTouchesNothing(t *testing.T) {
	eng, publisher, _ := newTestEngine(t)
	ctx := context.Background()

	bad := expense("e1", -5, at)
	if _, err := eng.ProcessEvent(ctx, bad); !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("ProcessEvent = %v, want ErrInvalidAmount", err)
	}

	buckets, err := eng.Buckets(ctx, "u1", "2024-03")
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 0 {
		t.Errorf("rejected event created buckets: %+v", buckets)
	}
	state, err := eng.Progression(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if state.TotalXP != 0 {
		t.Errorf("rejected event awarded xp: %+v", state)
	}
	if len(publisher.all()) != 0 {
		t.Error("rejected event published alerts")
	}
}

func TestProcessEvent_DuplicateID(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.ProcessEvent(ctx, expense("e1", 10000, at)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ProcessEvent(ctx, expense("e1", 10000, at)); !errors.Is(err, core.ErrDuplicateEvent) {
		t.Fatalf("duplicate = %v, want ErrDuplicateEvent", err)
	}

	buckets, err := eng.Buckets(ctx, "u1", "2024-03")
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 || buckets[0].SpentAmount.Paise != 10000 {
		t.Errorf("duplicate was double counted: %+v", buckets)
	}
}

func TestProcessEvent_FailedApplyRollsBackEvent(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	// An edit whose referenced event does not exist yet fails during the
	// aggregate fold, after the log insert. The insert must roll back with
	// it: otherwise the id is stranded, every redelivery reads
	// ErrDuplicateEvent, and the bucket never sees the event's amount.
	edit := expense("x1", 4000, at.Add(time.Hour))
	edit.Op = core.OpEdit
	edit.RefID = "e1"
	if _, err := eng.ProcessEvent(ctx, edit); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("edit of missing event = %v, want ErrNotFound", err)
	}

	// Redelivery of the same id is not suppressed as a duplicate.
	if _, err := eng.ProcessEvent(ctx, edit); errors.Is(err, core.ErrDuplicateEvent) {
		t.Fatal("failed apply stranded the event id in the log")
	}

	// Once the referenced event arrives, the redelivered edit applies
	// cleanly and the bucket matches the live sum.
	if _, err := eng.ProcessEvent(ctx, expense("e1", 10000, at)); err != nil {
		t.Fatal(err)
	}
	res, err := eng.ProcessEvent(ctx, edit)
	if err != nil {
		t.Fatalf("redelivery after failed apply: %v", err)
	}
	if res.Bucket == nil || res.Bucket.SpentAmount.Paise != 4000 {
		t.Errorf("bucket = %+v, want spent 4000 after edit", res.Bucket)
	}
}

func TestProcessEvent_TierCrossingsAndRatchet(t *testing.T) {
	eng, publisher, repo := newTestEngine(t)
	ctx := context.Background()
	setLimit(t, eng, 100000)

	// 50% of limit: no crossing.
	if _, err := eng.ProcessEvent(ctx, expense("e1", 50000, at)); err != nil {
		t.Fatal(err)
	}
	if len(publisher.all()) != 0 {
		t.Fatalf("crossing below tier: %+v", publisher.all())
	}

	// Jump straight past 100%: only the highest tier fires.
	if _, err := eng.ProcessEvent(ctx, expense("e2", 60000, at.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	crossings := publisher.all()
	if len(crossings) != 1 || crossings[0].Tier != 100 {
		t.Fatalf("crossings = %+v, want single tier 100", crossings)
	}

	// Simulate the dispatcher having recorded the crossing.
	if err := repo.CreateAlertRecord(ctx, core.AlertRecord{
		UserID: "u1", Category: "food", PeriodKey: "2024-03", Tier: 100, DispatchedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	// Delete drops the total below every tier; no un-alert, and the
	// ratchet holds when spend climbs back.
	del := expense("e3", 0, at.Add(2*time.Hour))
	del.Op = core.OpDelete
	del.RefID = "e2"
	if _, err := eng.ProcessEvent(ctx, del); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ProcessEvent(ctx, expense("e4", 40000, at.Add(3*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if len(publisher.all()) != 1 {
		t.Errorf("ratchet re-fired: %+v", publisher.all())
	}
}

func TestProcessEvent_EditCorrectsBucket(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.ProcessEvent(ctx, expense("e1", 10000, at)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ProcessEvent(ctx, expense("e2", 20000, at.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	edit := expense("e3", 5000, at.Add(2*time.Hour))
	edit.Op = core.OpEdit
	edit.RefID = "e1"
	res, err := eng.ProcessEvent(ctx, edit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Bucket == nil || res.Bucket.SpentAmount.Paise != 25000 {
		t.Errorf("bucket after edit = %+v, want 25000", res.Bucket)
	}
	// Edits award nothing.
	if res.Progression.TotalXP != 50 {
		t.Errorf("xp after edit = %d, want 50 (two creates only)", res.Progression.TotalXP)
	}
}

func TestProcessEvent_LevelUp(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Nine quizzes and two expenses: 950 XP, level 1.
	for i := 0; i < 9; i++ {
		q := core.FinancialEvent{
			ID: "q" + string(rune('0'+i)), UserID: "u1", Type: core.TypeQuizResult,
			Op: core.OpCreate, OccurredAt: at.Add(time.Duration(i) * time.Minute),
		}
		if _, err := eng.ProcessEvent(ctx, q); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.ProcessEvent(ctx, expense("e1", 1000, at.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.ProcessEvent(ctx, expense("e2", 1000, at.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	state, err := eng.Progression(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if state.TotalXP != 950 || state.Level != 1 {
		t.Fatalf("state = %+v, want 950 xp level 1", state)
	}

	// One more quiz crosses 1000.
	q := core.FinancialEvent{ID: "q9", UserID: "u1", Type: core.TypeQuizResult, Op: core.OpCreate, OccurredAt: at.Add(3 * time.Hour)}
	res, err := eng.ProcessEvent(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if res.Progression.TotalXP != 1050 || res.Progression.Level != 2 {
		t.Errorf("after level up = %+v, want 1050 xp level 2", res.Progression)
	}
}

func TestProcessEvent_GoalCompletionBonus(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.CreateGoal(ctx, core.SavingsGoal{
		UserID: "u1", Name: "fund", Category: "index_funds",
		TargetAmount: core.Money{Paise: 50000},
	}); err != nil {
		t.Fatal(err)
	}

	buy := core.FinancialEvent{
		ID: "b1", UserID: "u1", Type: core.TypeInvestmentBuy, Op: core.OpCreate,
		Category: "index_funds", Amount: core.Money{Paise: 60000}, OccurredAt: at,
	}
	if _, err := eng.ProcessEvent(ctx, buy); err != nil {
		t.Fatal(err)
	}

	userGoals, err := eng.Goals(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(userGoals) != 1 || !userGoals[0].Completed() {
		t.Fatalf("goals = %+v, want one completed", userGoals)
	}

	state, err := eng.Progression(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	// 50 XP for the trade -> 25 coins, plus the 100 coin bonus.
	if state.Coins != 125 {
		t.Errorf("coins = %d, want 125", state.Coins)
	}

	pnl, err := eng.PnL(ctx, "u1", "2024-03")
	if err != nil {
		t.Fatal(err)
	}
	if pnl.Invested.Paise != 60000 {
		t.Errorf("invested = %d, want 60000", pnl.Invested.Paise)
	}
}

func TestSetBudgetLimit_Validation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		limit core.BudgetLimit
		want  error
	}{
		{"missing user", core.BudgetLimit{Category: "food", PeriodKey: "2024-03", LimitAmount: core.Money{Paise: 1}}, core.ErrEmptyUserID},
		{"missing category", core.BudgetLimit{UserID: "u1", PeriodKey: "2024-03", LimitAmount: core.Money{Paise: 1}}, core.ErrEmptyCategory},
		{"zero limit", core.BudgetLimit{UserID: "u1", Category: "food", PeriodKey: "2024-03"}, core.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.SetBudgetLimit(ctx, tt.limit); !errors.Is(err, tt.want) {
				t.Errorf("SetBudgetLimit = %v, want %v", err, tt.want)
			}
		})
	}
}
