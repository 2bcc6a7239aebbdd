// Package notify mirrors job lifecycle events onto a Redis pub/sub channel so
// dashboards and course tooling can follow the queue without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/gradeq/internal/config"
	"github.com/mattjoyce/gradeq/internal/events"
)

const publishTimeout = 2 * time.Second

// NewClient connects to the configured Redis server and checks it answers.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Message is what is published for every event.
type Message struct {
	Course string       `json:"course"`
	Event  events.Event `json:"event"`
}

// Forwarder publishes hub events to one channel.
type Forwarder struct {
	client  *redis.Client
	channel string
	course  string
	logger  *slog.Logger
}

func NewForwarder(client *redis.Client, channel, course string, logger *slog.Logger) *Forwarder {
	return &Forwarder{client: client, channel: channel, course: course, logger: logger}
}

// Run publishes events from ch until ctx is done or ch is closed. Publish
// failures are logged and the event dropped.
func (f *Forwarder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := f.publish(ctx, ev); err != nil {
				f.logger.Warn("failed to forward event", "type", ev.Type, "id", ev.ID, "error", err)
			}
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(Message{Course: f.course, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return f.client.Publish(ctx, f.channel, body).Err()
}
