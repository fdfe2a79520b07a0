package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/segmentio/kafka-go"
)

func TestOffsetTrackerCommitsContiguousPrefix(t *testing.T) {
	tr := newOffsetTracker()
	msgs := []kafka.Message{
		{Partition: 0, Offset: 10},
		{Partition: 0, Offset: 11},
		{Partition: 0, Offset: 12},
		{Partition: 1, Offset: 3},
	}
	for _, m := range msgs {
		tr.fetched(m)
	}

	if _, ok := tr.done(msgs[1]); ok {
		t.Fatal("offset 11 finished before 10 must not commit")
	}
	if c, ok := tr.done(msgs[3]); !ok || c.Offset != 3 {
		t.Fatalf("partition 1 commit = %v %v", c.Offset, ok)
	}
	c, ok := tr.done(msgs[0])
	if !ok || c.Offset != 11 {
		t.Fatalf("commit after 10 = %v %v, want 11", c.Offset, ok)
	}
	c, ok = tr.done(msgs[2])
	if !ok || c.Offset != 12 {
		t.Fatalf("commit after 12 = %v %v, want 12", c.Offset, ok)
	}
}

func TestOffsetTrackerHoldsBackUnsettledMessage(t *testing.T) {
	tr := newOffsetTracker()
	interrupted := kafka.Message{Partition: 2, Offset: 40}
	later := kafka.Message{Partition: 2, Offset: 41}
	tr.fetched(interrupted)
	tr.fetched(later)

	// interrupted never reports done
	if c, ok := tr.done(later); ok {
		t.Fatalf("committed offset %d past an unsettled message", c.Offset)
	}
}

func newTestKafkaBus(opts Options) *KafkaBus {
	consumed, _ := lru.New[string, struct{}](16)
	return &KafkaBus{opts: opts.withDefaults(), consumed: consumed}
}

func kafkaMessage(t *testing.T, evt Event, offset int64) kafka.Message {
	t.Helper()
	value, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Partition: 0, Offset: offset, Value: value}
}

func TestKafkaHandleLeavesInterruptedDeliveryUncommitted(t *testing.T) {
	var dead atomic.Int32
	b := newTestKafkaBus(Options{
		MaxDeliveries:   3,
		RedeliveryDelay: time.Millisecond,
		DeadLetter: func(ctx context.Context, evt Event, err error) {
			dead.Add(1)
		},
	})

	ctx, shutdown := context.WithCancel(context.Background())
	var calls atomic.Int32
	b.Subscribe("generate.requested", func(ctx context.Context, evt Event) error {
		if calls.Add(1) == 1 {
			shutdown()
			return ctx.Err()
		}
		return nil
	})

	msg := kafkaMessage(t, mustEvent(t, "generate-g1", "generate.requested", map[string]string{"generationId": "g1"}), 7)

	if b.handle(ctx, msg) {
		t.Fatal("delivery cut short by shutdown reported as settled")
	}
	if dead.Load() != 0 {
		t.Fatal("shutdown must not dead-letter the event")
	}
	if b.consumed.Contains("generate-g1") {
		t.Fatal("unsettled event remembered as consumed")
	}

	// redelivered after restart
	if !b.handle(context.Background(), msg) {
		t.Fatal("redelivery not settled")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	if !b.handle(context.Background(), msg) {
		t.Fatal("duplicate not settled")
	}
	if calls.Load() != 2 {
		t.Fatalf("duplicate reached the handler, calls = %d", calls.Load())
	}
}

func TestKafkaHandleDeadLettersExhaustedDelivery(t *testing.T) {
	var dead atomic.Int32
	b := newTestKafkaBus(Options{
		MaxDeliveries:   2,
		RedeliveryDelay: time.Millisecond,
		DeadLetter: func(ctx context.Context, evt Event, err error) {
			dead.Add(1)
		},
	})
	b.Subscribe("generate.requested", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})

	msg := kafkaMessage(t, mustEvent(t, "generate-g2", "generate.requested", nil), 8)
	if !b.handle(context.Background(), msg) {
		t.Fatal("dead-lettered event must be committed")
	}
	if dead.Load() != 1 {
		t.Fatalf("dead letters = %d, want 1", dead.Load())
	}
}

func TestKafkaHandleSkipsMalformedMessage(t *testing.T) {
	b := newTestKafkaBus(Options{})
	if !b.handle(context.Background(), kafka.Message{Offset: 9, Value: []byte("{")}) {
		t.Fatal("malformed message must be committed")
	}
}
