package domain

import "time"

// OutboxEvent is a domain event persisted in the same transaction as the
// business mutation it describes. ProcessedAt is nil until the drainer
// publishes the event to the bus.
type OutboxEvent struct {
	ID            int64      `json:"id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// DeadLetter holds an outbox event that exceeded the retry ceiling, kept
// verbatim for operator inspection along with the error that killed it.
type DeadLetter struct {
	ID                int64     `json:"id"`
	EventID           int64     `json:"event_id"`
	AggregateType     string    `json:"aggregate_type"`
	AggregateID       string    `json:"aggregate_id"`
	EventType         string    `json:"event_type"`
	Payload           []byte    `json:"payload"`
	RetryCount        int       `json:"retry_count"`
	LastError         string    `json:"last_error"`
	OriginalCreatedAt time.Time `json:"original_created_at"`
	CreatedAt         time.Time `json:"created_at"`
}
