package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"odwatch/internal/core"
)

// CounterMessage carries a full committed vote counter. Receivers treat it as
// a snapshot, so duplicate or reordered deliveries are harmless.
type CounterMessage struct {
	Key          string    `json:"key"`
	ForCount     int64     `json:"for_count"`
	AgainstCount int64     `json:"against_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewCounterMessage(key string, c core.VoteCounter) *CounterMessage {
	return &CounterMessage{
		Key:          key,
		ForCount:     c.ForCount,
		AgainstCount: c.AgainstCount,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Timestamp:    time.Now(),
	}
}

// Counter returns the snapshot carried by the message.
func (m *CounterMessage) Counter() core.VoteCounter {
	return core.VoteCounter{
		ForCount:     m.ForCount,
		AgainstCount: m.AgainstCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func (m *CounterMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// CounterMessageFromJSON decodes and validates a message body.
func CounterMessageFromJSON(data []byte) (*CounterMessage, error) {
	var msg CounterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Key == "" {
		return nil, core.ErrEmptyRecordKey
	}
	if err := msg.Counter().Validate(); err != nil {
		return nil, err
	}
	if msg.UpdatedAt.IsZero() {
		return nil, errors.New("counter message without updated_at")
	}
	return &msg, nil
}
