// Package events publishes action lifecycle events to a redis stream so
// external tooling (dashboards, audit tails) can follow what the agent did.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event describes one completed (or failed) action dispatch.
type Event struct {
	Action    string    `json:"action"`
	SessionID string    `json:"session_id"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePartial = "partial"
)

// Publisher appends events to a capped redis stream. A nil Publisher
// is a no-op, so callers can run without redis configured.
type Publisher struct {
	redis  *redis.Client
	stream string
	maxLen int64
}

func NewPublisher(rdb *redis.Client, stream string, maxLen int64) *Publisher {
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Publisher{redis: rdb, stream: stream, maxLen: maxLen}
}

// Publish appends the event. Failures are returned but callers are
// expected to treat them as non-fatal.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.redis == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
