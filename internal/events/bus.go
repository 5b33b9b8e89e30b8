// Package events carries registry change events to subscribers: a shared
// pub/sub bus channel for other processes and in-process fan-out streams for
// connected WebSocket clients.
package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// BusChannel is the shared channel registry changes are published on.
const BusChannel = "tool_events"

// Bus publishes payloads on a named channel. Publication is best-effort;
// the registry's truth is local and the bus is a convenience for peers.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisBus publishes over a shared Redis instance.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the given Redis address. The connection is lazy;
// an unreachable bus surfaces per-publish, not here.
func NewRedisBus(addr, password string, db int) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Close releases the underlying connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
