package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"finquest/internal/core"
	"finquest/internal/log"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]bool // key -> delivery_failed
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]bool)}
}

func recordKey(userID, category string, period core.PeriodKey, tier int) string {
	return userID + "|" + category + "|" + string(period) + "|" + strconv.Itoa(tier)
}

func (f *fakeRepo) CreateAlertRecord(_ context.Context, a core.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := recordKey(a.UserID, a.Category, a.PeriodKey, a.Tier)
	if _, ok := f.records[k]; ok {
		return core.ErrAlertExists
	}
	f.records[k] = false
	return nil
}

func (f *fakeRepo) MarkAlertDeliveryFailed(_ context.Context, userID, category string, period core.PeriodKey, tier int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[recordKey(userID, category, period, tier)] = true
	return nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type scriptedSink struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSink) Send(_ context.Context, _ core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testLogger() *log.Logger {
	return log.New(log.Config{Handler: slog.NewTextHandler(io.Discard, nil)})
}

func crossing(tier int) core.TierCrossing {
	return core.TierCrossing{
		UserID:      "u1",
		Category:    "food",
		PeriodKey:   "2024-03",
		Tier:        tier,
		SpentAmount: core.Money{Paise: 100000},
		LimitAmount: core.Money{Paise: 100000},
	}
}

func newTestDispatcher(repo Repository, sink Sink) *Dispatcher {
	return NewDispatcher(repo, sink, 3, time.Millisecond, time.Second, testLogger())
}

func TestDispatch_SucceedsAfterTransientFailures(t *testing.T) {
	repo := newFakeRepo()
	sink := &scriptedSink{errs: []error{
		errors.New("status 400"),
		errors.New("status 500"),
	}}
	d := newTestDispatcher(repo, sink)

	if err := d.Dispatch(context.Background(), crossing(100)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sink.callCount() != 3 {
		t.Errorf("sink calls = %d, want 3", sink.callCount())
	}
	if repo.count() != 1 {
		t.Errorf("alert records = %d, want exactly 1", repo.count())
	}
}

func TestDispatch_DuplicateSuppressed(t *testing.T) {
	repo := newFakeRepo()
	sink := &scriptedSink{}
	d := newTestDispatcher(repo, sink)

	if err := d.Dispatch(context.Background(), crossing(80)); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(context.Background(), crossing(80)); err != nil {
		t.Fatalf("redelivered crossing should be a no-op, got %v", err)
	}
	if sink.callCount() != 1 {
		t.Errorf("sink calls = %d, want 1 (duplicate must not send)", sink.callCount())
	}
	if repo.count() != 1 {
		t.Errorf("alert records = %d, want 1", repo.count())
	}
}

func TestDispatch_ExhaustionFlagsRecord(t *testing.T) {
	repo := newFakeRepo()
	sink := &scriptedSink{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	d := newTestDispatcher(repo, sink)

	err := d.Dispatch(context.Background(), crossing(100))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Dispatch = %v, want ErrDeliveryFailed", err)
	}
	if sink.callCount() != 3 {
		t.Errorf("sink calls = %d, want 3 (max attempts)", sink.callCount())
	}

	repo.mu.Lock()
	failed := repo.records[recordKey("u1", "food", "2024-03", 100)]
	repo.mu.Unlock()
	if !failed {
		t.Error("record should be flagged delivery_failed")
	}
}

func TestDispatch_EndSessionAbandonsRetries(t *testing.T) {
	repo := newFakeRepo()
	attempted := make(chan struct{}, 1)
	sink := sinkFunc(func(context.Context, core.Notification) error {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return errors.New("down")
	})
	// Long backoff so the retry is pending when the session ends.
	d := NewDispatcher(repo, sink, 3, 10*time.Second, time.Second, testLogger())

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), crossing(100)) }()

	<-attempted
	d.EndSession("u1")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Dispatch should fail when the session ends mid-retry")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after EndSession")
	}
	// The record stays; the crossing must not fire again later.
	if repo.count() != 1 {
		t.Errorf("alert records = %d, want 1 retained", repo.count())
	}
}

func TestDispatch_SessionRegistryDoesNotGrow(t *testing.T) {
	repo := newFakeRepo()
	d := newTestDispatcher(repo, &scriptedSink{})

	for i := 0; i < 10; i++ {
		c := crossing(100)
		c.UserID = "u" + strconv.Itoa(i)
		if err := d.Dispatch(context.Background(), c); err != nil {
			t.Fatalf("Dispatch(%s): %v", c.UserID, err)
		}
	}

	d.mu.Lock()
	n := len(d.sessions)
	d.mu.Unlock()
	if n != 0 {
		t.Errorf("session registry holds %d entries with nothing in flight, want 0", n)
	}
}

type sinkFunc func(ctx context.Context, n core.Notification) error

func (f sinkFunc) Send(ctx context.Context, n core.Notification) error { return f(ctx, n) }

func TestWebhookSink(t *testing.T) {
	var got core.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	n := notificationFor(crossing(100))
	if err := sink.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.UserID != "u1" || got.Type != "budget_exceeded" {
		t.Errorf("delivered notification = %+v", got)
	}
}

func TestWebhookSink_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	if err := sink.Send(context.Background(), notificationFor(crossing(80))); err == nil {
		t.Fatal("Send should fail on 500")
	}
}

func TestNotificationFor_Type(t *testing.T) {
	if n := notificationFor(crossing(80)); n.Type != "budget_warning" {
		t.Errorf("tier 80 type = %q, want budget_warning", n.Type)
	}
	if n := notificationFor(crossing(100)); n.Type != "budget_exceeded" {
		t.Errorf("tier 100 type = %q, want budget_exceeded", n.Type)
	}
}
