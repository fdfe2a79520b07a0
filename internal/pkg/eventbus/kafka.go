package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/semaphore"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaBus publishes events keyed by id to one topic. Kafka has no
// conditional write, so duplicates are suppressed by a bounded set of
// recently seen ids on both the producing and the consuming side.
type KafkaBus struct {
	registry
	writer *kafka.Writer
	reader *kafka.Reader
	opts   Options

	published *lru.Cache[string, struct{}]
	consumed  *lru.Cache[string, struct{}]
}

func NewKafkaBus(cfg KafkaConfig, opts Options) *KafkaBus {
	published, _ := lru.New[string, struct{}](defaultSeenIDs)
	consumed, _ := lru.New[string, struct{}](defaultSeenIDs)

	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			// job payloads carry the uploaded image
			BatchBytes:   16 << 20,
			BatchTimeout: 10 * time.Millisecond,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MaxBytes: 16 << 20,
		}),
		opts:      opts.withDefaults(),
		published: published,
		consumed:  consumed,
	}
}

func (b *KafkaBus) Subscribe(eventType string, h Handler) {
	b.add(eventType, h)
}

func (b *KafkaBus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" || evt.Type == "" {
		return ErrInvalidEvent
	}
	if found, _ := b.published.ContainsOrAdd(evt.ID, struct{}{}); found {
		b.opts.Metrics.EventDuplicate(evt.Type)
		return nil
	}

	value, err := json.Marshal(evt)
	if err != nil {
		b.published.Remove(evt.ID)
		return fmt.Errorf("marshal event: %w", err)
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.ID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
	})
	if err != nil {
		b.published.Remove(evt.ID)
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}

	b.opts.Metrics.EventPublished(evt.Type)
	return nil
}

// Run fetches messages and dispatches them concurrently. Offsets are
// committed per partition only up to the highest contiguous settled
// message, so a crash or shutdown redelivers everything still in flight.
func (b *KafkaBus) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(b.opts.Workers))
	tracker := newOffsetTracker()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Msg("Kafka fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		tracker.fetched(msg)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		wg.Add(1)
		go func(msg kafka.Message) {
			defer wg.Done()
			defer sem.Release(1)
			if !b.handle(ctx, msg) {
				// left pending: the partition is not committed past it
				return
			}
			if commit, ok := tracker.done(msg); ok {
				if err := b.reader.CommitMessages(context.WithoutCancel(ctx), commit); err != nil {
					log.Error().Err(err).Int64("offset", commit.Offset).Msg("Kafka commit failed")
				}
			}
		}(msg)
	}
}

// handle delivers one message and reports whether it may be committed.
// An id is remembered as consumed only once its delivery settled.
func (b *KafkaBus) handle(ctx context.Context, msg kafka.Message) bool {
	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.ID == "" || evt.Type == "" {
		log.Error().Err(err).Int64("offset", msg.Offset).Msg("Dropping malformed Kafka message")
		return true
	}
	if b.consumed.Contains(evt.ID) {
		b.opts.Metrics.EventDuplicate(evt.Type)
		return true
	}
	if !deliverWithRetry(ctx, &b.registry, b.opts, evt) {
		log.Warn().
			Str("event_id", evt.ID).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Delivery interrupted, leaving offset uncommitted")
		return false
	}
	b.consumed.Add(evt.ID, struct{}{})
	return true
}

func (b *KafkaBus) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}

// offsetTracker orders completions per partition.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[int][]*trackedMessage
}

type trackedMessage struct {
	msg  kafka.Message
	done bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: make(map[int][]*trackedMessage)}
}

func (t *offsetTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[msg.Partition] = append(t.pending[msg.Partition], &trackedMessage{msg: msg})
}

// done marks msg finished and returns the message to commit, if the
// contiguous finished prefix of its partition advanced.
func (t *offsetTracker) done(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := t.pending[msg.Partition]
	for _, m := range queue {
		if m.msg.Offset == msg.Offset {
			m.done = true
			break
		}
	}

	var commit kafka.Message
	advanced := false
	for len(queue) > 0 && queue[0].done {
		commit = queue[0].msg
		queue = queue[1:]
		advanced = true
	}
	t.pending[msg.Partition] = queue
	return commit, advanced
}
