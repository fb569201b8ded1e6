package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "roomspace:events"

// RedisBridge connects the local Broker of several server instances.
// Publish delivers locally and mirrors the event to a Redis channel; Run
// re-delivers events published by other instances to local subscribers.
type RedisBridge struct {
	local   *Broker
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// Connect opens a Redis client for addr and checks it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("realtime: connecting to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func NewRedisBridge(local *Broker, rdb *redis.Client, channel string, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{local: local, rdb: rdb, channel: channel, logger: logger}
}

// Publish delivers to local subscribers first, then to Redis. A Redis
// failure is logged; local listeners have already been told.
func (r *RedisBridge) Publish(ctx context.Context, ev Event) {
	ev = r.local.Stamp(ev)
	r.local.Deliver(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encoding event for redis", slog.String("error", err.Error()))
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Error("publishing event to redis",
			slog.String("topic", ev.Topic),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe subscribes on the local broker; remote events reach it via Run.
func (r *RedisBridge) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	return r.local.Subscribe(topic, buffer)
}

// Run relays remote events until ctx is cancelled. Events carrying this
// instance's origin were already delivered by Publish and are skipped.
func (r *RedisBridge) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("relaying events from redis", slog.String("channel", r.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("realtime: redis subscription closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("discarding malformed event", slog.String("error", err.Error()))
				continue
			}
			if ev.Origin == r.local.Origin() {
				continue
			}
			r.local.Deliver(ev)
		}
	}
}
