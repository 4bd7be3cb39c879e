package amqp

import (
	"testing"
	"time"

	"finquest/internal/core"
)

func TestAlertDispatchMessage_RoundTrip(t *testing.T) {
	crossing := core.TierCrossing{
		UserID:      "u1",
		Category:    "food",
		PeriodKey:   "2024-03",
		Tier:        100,
		SpentAmount: core.Money{Paise: 110000},
		LimitAmount: core.Money{Paise: 100000},
	}

	data, err := NewAlertDispatchMessage(crossing).ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := AlertDispatchMessageFromJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.Crossing(); got != crossing {
		t.Errorf("Crossing() = %+v, want %+v", got, crossing)
	}
}

func TestEventIngestMessage_Event(t *testing.T) {
	msg := EventIngestMessage{
		ID:          "e1",
		UserID:      "u1",
		Type:        "expense",
		Op:          "create",
		Category:    "food",
		AmountPaise: 12550,
		OccurredAt:  time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	e := msg.Event()
	if e.Type != core.TypeExpense || e.Op != core.OpCreate || e.Amount.Paise != 12550 {
		t.Errorf("Event() = %+v", e)
	}
	if e.Sequence != 0 {
		t.Errorf("producers must not assign sequences, got %d", e.Sequence)
	}
}
