// Package events publishes account lifecycle events to a Redis stream.
// Downstream consumers (audit, notifications) read the stream with their
// own consumer groups; this service only appends.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penshort/accounts/internal/metrics"
)

const (
	// StreamKey is the Redis stream for account events.
	StreamKey = "stream:account_events"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	// PublishTimeout is the max time to wait for Redis publish.
	PublishTimeout = 100 * time.Millisecond
)

// Type names an account event.
type Type string

// Account event types.
const (
	UserRegistered Type = "user.registered"
	UserUpdated    Type = "user.updated"
	UserDeleted    Type = "user.deleted"
	LoginSucceeded Type = "login.succeeded"
	LoginFailed    Type = "login.failed"
)

// AccountEvent is the compact event format for the Redis stream.
// It never carries passwords, hashes, tokens or raw usernames.
type AccountEvent struct {
	Type       Type     `json:"type"`
	UserID     int64    `json:"uid,omitempty"`
	Subject    string   `json:"sub,omitempty"` // hashed username, failed logins only
	Fields     []string `json:"f,omitempty"`   // changed fields, updates only
	OccurredAt int64    `json:"t"`             // Unix milliseconds
}

// NewEvent returns an event of typ for userID stamped with the current time.
func NewEvent(typ Type, userID int64) AccountEvent {
	return AccountEvent{
		Type:       typ,
		UserID:     userID,
		OccurredAt: time.Now().UnixMilli(),
	}
}

// Publisher appends account events to the Redis stream.
type Publisher struct {
	redis   *redis.Client
	logger  *slog.Logger
	metrics metrics.Recorder

	inflight sync.WaitGroup
}

// NewPublisher creates a new account event publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger, recorder metrics.Recorder) *Publisher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Publisher{
		redis:   client,
		logger:  logger.With("component", "events.publisher"),
		metrics: recorder,
	}
}

// Publish validates event and adds it to the stream synchronously.
func (p *Publisher) Publish(ctx context.Context, event AccountEvent) (string, error) {
	if err := ValidateAccountEvent(event); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	result, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true, // ~MAXLEN
		ID:     "*",  // Auto-generate ID
		Values: map[string]interface{}{
			"type":    string(event.Type),
			"payload": string(data),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return result, nil
}

// PublishAsync publishes without blocking the caller.
// Errors are logged but not returned (fire-and-forget).
func (p *Publisher) PublishAsync(event AccountEvent) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()

		streamID, err := p.Publish(ctx, event)
		if err != nil {
			p.logger.Warn("failed to publish account event",
				"type", string(event.Type),
				"user_id", event.UserID,
				"error", err,
			)
			p.metrics.IncEventPublished(metrics.EventDropped)
			return
		}

		p.logger.Debug("account event published",
			"type", string(event.Type),
			"stream_id", streamID,
		)
		p.metrics.IncEventPublished(metrics.EventPublished)
	}()
}

// Wait blocks until in-flight asynchronous publishes finish or ctx ends.
func (p *Publisher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
