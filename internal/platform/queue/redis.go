// Package queue carries live job events between processes over Redis Pub/Sub.
//
// Any process running jobs publishes through RedisBridge.Broadcast; every process serving
// viewers runs Relay, which feeds the messages into its local hub.Registry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/hub"
)

// pingTimeout bounds the fail-fast connection check.
const pingTimeout = 5 * time.Second

// envelope is one message on the channel. Done marks the end of a job's stream.
type envelope struct {
	JobID   string `json:"job_id"`
	Payload string `json:"payload,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// RedisBridge implements domain.Broadcaster on a single Redis Pub/Sub channel.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// Ensure RedisBridge satisfies the interface
var _ domain.Broadcaster = (*RedisBridge)(nil)

// NewRedisBridge connects to addr and verifies the connection before returning.
func NewRedisBridge(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisBridge, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisBridge{
		client:  rdb,
		channel: channel,
		logger:  logger,
	}, nil
}

// Broadcast publishes msg for jobID.
func (b *RedisBridge) Broadcast(ctx context.Context, jobID, msg string) error {
	return b.publish(ctx, envelope{JobID: jobID, Payload: msg})
}

// Done publishes the end-of-stream marker for jobID.
func (b *RedisBridge) Done(ctx context.Context, jobID string) error {
	return b.publish(ctx, envelope{JobID: jobID, Done: true})
}

func (b *RedisBridge) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Relay subscribes to the channel and forwards every message into reg until ctx ends.
// A job's channel is registered on its first message and closed on its done marker.
func (b *RedisBridge) Relay(ctx context.Context, reg *hub.Registry) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("Relaying job events from redis", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription closed")
			}
			handleMessage(reg, msg.Payload, b.logger)
		}
	}
}

// handleMessage applies one raw channel message to reg.
func handleMessage(reg *hub.Registry, payload string, logger *slog.Logger) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Error("Failed to unmarshal event", "error", err)
		return
	}
	if env.JobID == "" {
		logger.Warn("Dropping event without job id")
		return
	}

	if env.Done {
		reg.Close(env.JobID)
		return
	}
	reg.Register(env.JobID)
	reg.Publish(env.JobID, env.Payload)
}

// Close releases the Redis connection.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}
