// Package redis connects the realtime core to Redis: the durable stores
// ride on the raw client, and the relay bridges room events to and from
// the rest of the platform over pub/sub.
package redis

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"casesync/internal/models"
)

type Client struct {
	rdb *redis.Client
	ctx context.Context

	// origin tags outbound envelopes so the relay can ignore its own
	// echoes when it is subscribed to the same channels.
	origin string
}

func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		panic(err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		panic(err)
	}

	slog.Info("Connected to Redis")

	return &Client{
		rdb:    rdb,
		ctx:    ctx,
		origin: uuid.NewString(),
	}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// DB exposes the underlying client for the activity and timeline stores.
func (c *Client) DB() *redis.Client {
	return c.rdb
}

// Envelope wraps an event on the relay channel.
type Envelope struct {
	Origin string       `json:"origin,omitempty"`
	Event  models.Event `json:"event"`
}

// MirrorEvent publishes a sequenced event to the room's relay channel so
// external consumers (notification workers, audit, other services) see it.
func (c *Client) MirrorEvent(evt models.Event) {
	payload, err := json.Marshal(Envelope{Origin: c.origin, Event: evt})
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "kind", evt.Kind, "room", evt.RoomKey, "error", err)
		return
	}

	channel := "room:" + evt.RoomKey
	if err := c.rdb.Publish(c.ctx, channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "kind", evt.Kind, "channel", channel, "error", err)
	}
}
