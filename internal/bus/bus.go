package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is what travels on the bus between the outbox drainer and the
// progress workers.
type Message struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher is the producing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one consumed message. A non-nil error leaves the message
// unacknowledged; it is redelivered once its pending entry goes stale —
// delivery is at-least-once.
type Handler func(ctx context.Context, msg Message) error

// RedisBus carries messages over a Redis stream with a consumer group.
type RedisBus struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *slog.Logger

	// Pending entries idle longer than this are reclaimed from whichever
	// consumer left them, covering both handler failures and dead consumers.
	reclaimMinIdle time.Duration
}

func NewRedisBus(client *redis.Client, stream, group string, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:         client,
		stream:         stream,
		group:          group,
		consumer:       consumerName(),
		logger:         logger,
		reclaimMinIdle: 30 * time.Second,
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer-" + uuid.NewString()
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Publish appends the message to the stream.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"id":             msg.ID,
			"aggregate_type": msg.AggregateType,
			"aggregate_id":   msg.AggregateID,
			"event_type":     msg.EventType,
			"payload":        string(msg.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to stream %s: %w", b.stream, err)
	}
	return nil
}

// Consume reads messages for this consumer group and feeds them to handler,
// acknowledging each one the handler accepts. Before each read it reclaims
// stale pending entries, so a message rejected here or stranded by a crashed
// consumer is delivered again. Runs until the context is cancelled.
func (b *RedisBus) Consume(ctx context.Context, handler Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b.reclaimStale(ctx, handler)

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    10,
			Block:    500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Error("reading from stream", "stream", b.stream, "error", err)
			continue
		}

		for _, stream := range streams {
			b.dispatch(ctx, stream.Messages, handler)
		}
	}
}

// dispatch runs the batch's handlers concurrently and acks only the accepted
// entries. It returns after the whole batch settled, so Consume never returns
// with handlers still in flight.
func (b *RedisBus) dispatch(ctx context.Context, entries []redis.XMessage, handler Handler) {
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry redis.XMessage) {
			defer wg.Done()

			msg := messageFromValues(entry.Values)
			if err := handler(ctx, msg); err != nil {
				b.logger.Warn("handler rejected message, leaving pending",
					"message_id", msg.ID, "event_type", msg.EventType, "error", err,
				)
				return
			}
			if err := b.client.XAck(ctx, b.stream, b.group, entry.ID).Err(); err != nil {
				b.logger.Error("acking message", "message_id", msg.ID, "error", err)
			}
		}(entry)
	}
	wg.Wait()
}

// reclaimStale takes over pending entries idle past reclaimMinIdle and runs
// them through the handler. XAUTOCLAIM claims regardless of which consumer
// held the entry, so messages survive a consumer that never came back.
func (b *RedisBus) reclaimStale(ctx context.Context, handler Handler) {
	start := "0-0"
	for {
		entries, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.reclaimMinIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && err != redis.Nil {
				b.logger.Error("reclaiming pending messages", "error", err)
			}
			return
		}
		if len(entries) == 0 {
			return
		}

		b.dispatch(ctx, entries, handler)

		if next == "0-0" {
			return
		}
		start = next
	}
}

func messageFromValues(values map[string]interface{}) Message {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}
	return Message{
		ID:            str("id"),
		AggregateType: str("aggregate_type"),
		AggregateID:   str("aggregate_id"),
		EventType:     str("event_type"),
		Payload:       json.RawMessage(str("payload")),
	}
}
