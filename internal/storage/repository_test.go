package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"finquest/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func expenseEvent(id string, seq int64, paise int64) core.FinancialEvent {
	return core.FinancialEvent{
		ID:         id,
		UserID:     "u1",
		Type:       core.TypeExpense,
		Op:         core.OpCreate,
		Category:   "food",
		Amount:     core.Money{Paise: paise},
		OccurredAt: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Sequence:   seq,
	}
}

func TestInsertEvent_Duplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.InsertEvent(ctx, expenseEvent("e1", 1, 10000)); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := repo.InsertEvent(ctx, expenseEvent("e1", 2, 20000)); !errors.Is(err, core.ErrDuplicateEvent) {
		t.Errorf("InsertEvent duplicate = %v, want ErrDuplicateEvent", err)
	}

	got, err := repo.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Amount.Paise != 10000 {
		t.Errorf("stored amount = %d, want 10000 (first write wins)", got.Amount.Paise)
	}
}

func TestSumLiveExpenses_EditAndDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Two originals, one edited down, one deleted.
	if err := repo.InsertEvent(ctx, expenseEvent("e1", 1, 10000)); err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertEvent(ctx, expenseEvent("e2", 2, 30000)); err != nil {
		t.Fatal(err)
	}

	edit := expenseEvent("e3", 3, 5000)
	edit.Op = core.OpEdit
	edit.RefID = "e1"
	if err := repo.InsertEvent(ctx, edit); err != nil {
		t.Fatal(err)
	}

	del := expenseEvent("e4", 4, 0)
	del.Op = core.OpDelete
	del.RefID = "e2"
	if err := repo.InsertEvent(ctx, del); err != nil {
		t.Fatal(err)
	}

	sum, err := repo.SumLiveExpenses(ctx, "u1", "food", core.PeriodKey("2024-03"))
	if err != nil {
		t.Fatalf("SumLiveExpenses: %v", err)
	}
	if sum != 5000 {
		t.Errorf("sum = %d, want 5000 (edited amount, deleted excluded)", sum)
	}
}

func TestSumLiveExpenses_LatestEditWins(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.InsertEvent(ctx, expenseEvent("e1", 1, 10000)); err != nil {
		t.Fatal(err)
	}
	for i, paise := range []int64{20000, 7500} {
		edit := expenseEvent("", int64(i+2), paise)
		edit.ID = "edit" + string(rune('a'+i))
		edit.Op = core.OpEdit
		edit.RefID = "e1"
		if err := repo.InsertEvent(ctx, edit); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := repo.SumLiveExpenses(ctx, "u1", "food", core.PeriodKey("2024-03"))
	if err != nil {
		t.Fatal(err)
	}
	if sum != 7500 {
		t.Errorf("sum = %d, want 7500 (highest-sequence edit)", sum)
	}
}

func TestSumLiveTrades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	buy := expenseEvent("b1", 1, 100000)
	buy.Type = core.TypeInvestmentBuy
	buy.Category = ""
	sell := expenseEvent("s1", 2, 40000)
	sell.Type = core.TypeInvestmentSell
	sell.Category = ""
	for _, e := range []core.FinancialEvent{buy, sell} {
		if err := repo.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	invested, realized, err := repo.SumLiveTrades(ctx, "u1", core.PeriodKey("2024-03"))
	if err != nil {
		t.Fatalf("SumLiveTrades: %v", err)
	}
	if invested != 100000 || realized != 40000 {
		t.Errorf("trades = (%d, %d), want (100000, 40000)", invested, realized)
	}
}

func TestBucketRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	b := core.AggregateBucket{
		UserID:              "u1",
		Category:            "food",
		PeriodKey:           "2024-03",
		SpentAmount:         core.Money{Paise: 12345},
		LastSequenceApplied: 7,
		LastOccurredAt:      time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if err := repo.UpsertBucket(ctx, b); err != nil {
		t.Fatalf("UpsertBucket: %v", err)
	}

	got, err := repo.GetBucket(ctx, "u1", "food", "2024-03")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got.SpentAmount != b.SpentAmount || got.LastSequenceApplied != 7 || !got.LastOccurredAt.Equal(b.LastOccurredAt) {
		t.Errorf("GetBucket = %+v, want %+v", got, b)
	}

	if _, err := repo.GetBucket(ctx, "u1", "travel", "2024-03"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing bucket error = %v, want ErrNotFound", err)
	}
}

func TestMarkBucketStale_List(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.MarkBucketStale(ctx, "u1", "food", "2024-03"); err != nil {
		t.Fatalf("MarkBucketStale: %v", err)
	}
	stale, err := repo.ListStaleBuckets(ctx, 10)
	if err != nil {
		t.Fatalf("ListStaleBuckets: %v", err)
	}
	if len(stale) != 1 || stale[0].Category != "food" {
		t.Fatalf("ListStaleBuckets = %+v, want one food bucket", stale)
	}
}

func TestAlertRecord_Idempotency(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := core.AlertRecord{
		UserID:       "u1",
		Category:     "food",
		PeriodKey:    "2024-03",
		Tier:         80,
		DispatchedAt: time.Now(),
	}
	if err := repo.CreateAlertRecord(ctx, a); err != nil {
		t.Fatalf("CreateAlertRecord: %v", err)
	}
	if err := repo.CreateAlertRecord(ctx, a); !errors.Is(err, core.ErrAlertExists) {
		t.Errorf("second insert = %v, want ErrAlertExists", err)
	}

	tier, err := repo.HighestAlertTier(ctx, "u1", "food", "2024-03")
	if err != nil {
		t.Fatalf("HighestAlertTier: %v", err)
	}
	if tier != 80 {
		t.Errorf("HighestAlertTier = %d, want 80", tier)
	}
}

func TestAlertRecord_FailureAndReconcile(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := core.AlertRecord{UserID: "u1", Category: "food", PeriodKey: "2024-03", Tier: 100, DispatchedAt: time.Now()}
	if err := repo.CreateAlertRecord(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkAlertDeliveryFailed(ctx, a.UserID, a.Category, a.PeriodKey, a.Tier); err != nil {
		t.Fatal(err)
	}

	failed, err := repo.ListUnreconciledFailures(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Tier != 100 || !failed[0].DeliveryFailed {
		t.Fatalf("ListUnreconciledFailures = %+v", failed)
	}

	if err := repo.MarkAlertReconciled(ctx, failed[0]); err != nil {
		t.Fatal(err)
	}
	failed, err = repo.ListUnreconciledFailures(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("after reconcile, %d failures remain", len(failed))
	}
}

func TestCleanupDeliveredAlerts_KeepsFailures(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	delivered := core.AlertRecord{UserID: "u1", Category: "food", PeriodKey: "2024-03", Tier: 80, DispatchedAt: old}
	failed := core.AlertRecord{UserID: "u1", Category: "food", PeriodKey: "2024-03", Tier: 100, DispatchedAt: old}
	for _, a := range []core.AlertRecord{delivered, failed} {
		if err := repo.CreateAlertRecord(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.MarkAlertDeliveryFailed(ctx, failed.UserID, failed.Category, failed.PeriodKey, failed.Tier); err != nil {
		t.Fatal(err)
	}

	n, err := repo.CleanupDeliveredAlerts(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CleanupDeliveredAlerts: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
	if tier, _ := repo.HighestAlertTier(ctx, "u1", "food", "2024-03"); tier != 100 {
		t.Errorf("remaining tier = %d, want 100 (failed record kept)", tier)
	}
}

func TestProgression_UpsertAndLeaderboard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetProgression(ctx, "u1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("GetProgression missing = %v, want ErrNotFound", err)
	}

	for _, p := range []core.ProgressionState{
		{UserID: "u1", TotalXP: 500, Coins: 250, StreakDays: 3, LastActivityDate: core.DateOf(time.Now())},
		{UserID: "u2", TotalXP: 1200, Coins: 600, StreakDays: 1, LastActivityDate: core.DateOf(time.Now())},
	} {
		if err := repo.UpsertProgression(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	top, err := repo.TopProgression(ctx, 10)
	if err != nil {
		t.Fatalf("TopProgression: %v", err)
	}
	if len(top) != 2 || top[0].UserID != "u2" || top[1].UserID != "u1" {
		t.Errorf("leaderboard order = %+v, want u2 then u1", top)
	}
}

func TestSavingsGoal_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateGoal(ctx, core.SavingsGoal{
		UserID:       "u1",
		Name:         "emergency fund",
		Category:     "savings",
		TargetAmount: core.Money{Paise: 100000},
	})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}

	open, err := repo.ListOpenGoals(ctx, "u1", "savings")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != id {
		t.Fatalf("ListOpenGoals = %+v", open)
	}

	g := open[0]
	g.SavedAmount = core.Money{Paise: 100000}
	g.CompletedAt = time.Now()
	if err := repo.UpdateGoalProgress(ctx, g); err != nil {
		t.Fatal(err)
	}

	open, err = repo.ListOpenGoals(ctx, "u1", "savings")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("completed goal still listed as open: %+v", open)
	}

	all, err := repo.ListGoalsByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].Completed() {
		t.Errorf("ListGoalsByUser = %+v, want one completed goal", all)
	}
}
