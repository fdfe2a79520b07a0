package eventbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	Stream   string // default "plushify:events"
	Group    string // consumer group, default "generation-worker"
	Consumer string // default hostname + random suffix
	MaxLen   int64  // approximate stream cap
	// DedupTTL is how long a published id suppresses re-publishes.
	DedupTTL time.Duration
	// ClaimIdle is how long an entry may stay unacknowledged before
	// another consumer takes it over.
	ClaimIdle     time.Duration
	ClaimInterval time.Duration
	Block         time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Stream == "" {
		c.Stream = "plushify:events"
	}
	if c.Group == "" {
		c.Group = "generation-worker"
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100_000
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 10 * time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	return c
}

// RedisBus stores events in a Redis stream read by a consumer group.
// An entry is acknowledged only after its handlers succeed, so entries
// of a consumer that died mid-run are claimed by a live one; after
// MaxDeliveries the entry is dead-lettered.
type RedisBus struct {
	registry
	client *redis.Client
	cfg    RedisConfig
	opts   Options
}

func NewRedisBus(client *redis.Client, cfg RedisConfig, opts Options) *RedisBus {
	return &RedisBus{
		client: client,
		cfg:    cfg.withDefaults(),
		opts:   opts.withDefaults(),
	}
}

func (b *RedisBus) Subscribe(eventType string, h Handler) {
	b.add(eventType, h)
}

func (b *RedisBus) seenKey(id string) string {
	return b.cfg.Stream + ":seen:" + id
}

// Publish appends evt to the stream unless its id was published within DedupTTL.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" || evt.Type == "" {
		return ErrInvalidEvent
	}

	fresh, err := b.client.SetNX(ctx, b.seenKey(evt.ID), 1, b.cfg.DedupTTL).Result()
	if err != nil {
		return fmt.Errorf("dedup event %s: %w", evt.ID, err)
	}
	if !fresh {
		b.opts.Metrics.EventDuplicate(evt.Type)
		return nil
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":   evt.ID,
			"type": evt.Type,
			"data": string(evt.Data),
		},
	}).Err()
	if err != nil {
		// let a later publish with the same id through
		b.client.Del(context.WithoutCancel(ctx), b.seenKey(evt.ID))
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}

	b.opts.Metrics.EventPublished(evt.Type)
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run reads new entries and periodically reclaims stale ones.
func (b *RedisBus) Run(ctx context.Context) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	log.Info().
		Str("stream", b.cfg.Stream).
		Str("group", b.cfg.Group).
		Str("consumer", b.cfg.Consumer).
		Msg("Redis event consumer started")

	sem := semaphore.NewWeighted(int64(b.opts.Workers))
	go b.reclaimLoop(ctx, sem)

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    int64(b.opts.Workers),
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("XREADGROUP failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				go func(msg redis.XMessage) {
					defer sem.Release(1)
					b.handle(ctx, msg, 1)
				}(msg)
			}
		}
	}
}

func (b *RedisBus) reclaimLoop(ctx context.Context, sem *semaphore.Weighted) {
	ticker := time.NewTicker(b.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.reclaim(ctx, sem); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Reclaiming stale events failed")
			}
		}
	}
}

func (b *RedisBus) reclaim(ctx context.Context, sem *semaphore.Weighted) error {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimIdle,
			Start:    start,
			Count:    50,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim: %w", err)
		}

		for _, msg := range msgs {
			deliveries, err := b.deliveryCount(ctx, msg.ID)
			if err != nil {
				return err
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go func(msg redis.XMessage, deliveries int) {
				defer sem.Release(1)
				b.handle(ctx, msg, deliveries)
			}(msg, deliveries)
		}

		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (b *RedisBus) deliveryCount(ctx context.Context, id string) (int, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

// handle dispatches one stream entry and acks it on success or when it
// is dead-lettered. Failed entries stay pending for reclaim.
func (b *RedisBus) handle(ctx context.Context, msg redis.XMessage, deliveries int) {
	evt, err := eventFromValues(msg.Values)
	if err != nil {
		log.Error().Err(err).Str("entry", msg.ID).Msg("Dropping malformed stream entry")
		b.ack(ctx, msg.ID)
		return
	}
	evt.Attempt = deliveries

	if deliveries > b.opts.MaxDeliveries {
		deadLetter(ctx, b.opts, evt, fmt.Errorf("delivered %d times without success", deliveries-1))
		b.ack(ctx, msg.ID)
		return
	}

	if err := b.dispatch(ctx, evt); err != nil {
		log.Warn().Err(err).
			Str("event_id", evt.ID).
			Str("type", evt.Type).
			Int("attempt", deliveries).
			Msg("Event delivery failed, leaving pending")
		return
	}
	b.ack(ctx, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, entryID string) {
	if err := b.client.XAck(context.WithoutCancel(ctx), b.cfg.Stream, b.cfg.Group, entryID).Err(); err != nil {
		log.Error().Err(err).Str("entry", entryID).Msg("XACK failed")
	}
}

func eventFromValues(values map[string]interface{}) (Event, error) {
	id, _ := values["id"].(string)
	typ, _ := values["type"].(string)
	data, _ := values["data"].(string)
	if id == "" || typ == "" {
		return Event{}, ErrInvalidEvent
	}
	return Event{ID: id, Type: typ, Data: []byte(data)}, nil
}

func (b *RedisBus) Close() error {
	return nil
}
