package amqp

import (
	"encoding/json"
	"time"

	"finquest/internal/core"
)

// AlertDispatchMessage carries one tier crossing from the engine to the
// dispatch worker. It contains the full crossing so the worker does not need
// to re-derive bucket state; the alert record keeps redelivery harmless.
type AlertDispatchMessage struct {
	UserID     string    `json:"user_id"`
	Category   string    `json:"category"`
	PeriodKey  string    `json:"period_key"`
	Tier       int       `json:"tier"`
	SpentPaise int64     `json:"spent_paise"`
	LimitPaise int64     `json:"limit_paise"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewAlertDispatchMessage(c core.TierCrossing) *AlertDispatchMessage {
	return &AlertDispatchMessage{
		UserID:     c.UserID,
		Category:   c.Category,
		PeriodKey:  c.PeriodKey.String(),
		Tier:       c.Tier,
		SpentPaise: c.SpentAmount.Paise,
		LimitPaise: c.LimitAmount.Paise,
		Timestamp:  time.Now(),
	}
}

// Crossing converts the message back to the domain type.
func (m *AlertDispatchMessage) Crossing() core.TierCrossing {
	return core.TierCrossing{
		UserID:      m.UserID,
		Category:    m.Category,
		PeriodKey:   core.PeriodKey(m.PeriodKey),
		Tier:        m.Tier,
		SpentAmount: core.Money{Paise: m.SpentPaise},
		LimitAmount: core.Money{Paise: m.LimitPaise},
	}
}

func (m *AlertDispatchMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func AlertDispatchMessageFromJSON(data []byte) (*AlertDispatchMessage, error) {
	var msg AlertDispatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EventIngestMessage carries a financial event arriving over the message
// bus instead of HTTP.
type EventIngestMessage struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"type"`
	Op          string    `json:"op"`
	RefID       string    `json:"ref_id,omitempty"`
	Category    string    `json:"category,omitempty"`
	AmountPaise int64     `json:"amount_paise"`
	OccurredAt  time.Time `json:"occurred_at"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event converts the message to the domain type. Sequence is assigned by
// the engine at ingestion, not by the producer.
func (m *EventIngestMessage) Event() core.FinancialEvent {
	return core.FinancialEvent{
		ID:         m.ID,
		UserID:     m.UserID,
		Type:       core.EventType(m.Type),
		Op:         core.EventOp(m.Op),
		RefID:      m.RefID,
		Category:   m.Category,
		Amount:     core.Money{Paise: m.AmountPaise},
		OccurredAt: m.OccurredAt,
	}
}

func (m *EventIngestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func EventIngestMessageFromJSON(data []byte) (*EventIngestMessage, error) {
	var msg EventIngestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SessionEndMessage signals that a user's session ended. The worker reacts
// by abandoning that user's pending notification retries; alert records
// already created stay in place.
type SessionEndMessage struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *SessionEndMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SessionEndMessageFromJSON(data []byte) (*SessionEndMessage, error) {
	var msg SessionEndMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
