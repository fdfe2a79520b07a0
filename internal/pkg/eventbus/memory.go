package eventbus

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const defaultSeenIDs = 100_000

// MemoryBus is an in-process transport. Event ids are remembered in a
// bounded LRU so re-publishing an id that was already accepted is a no-op.
type MemoryBus struct {
	registry
	opts  Options
	seen  *lru.Cache[string, struct{}]
	queue chan Event

	inflight sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
}

func NewMemoryBus(opts Options) *MemoryBus {
	opts = opts.withDefaults()
	seen, _ := lru.New[string, struct{}](defaultSeenIDs)
	return &MemoryBus{
		opts:  opts,
		seen:  seen,
		queue: make(chan Event, 1024),
	}
}

func (b *MemoryBus) Subscribe(eventType string, h Handler) {
	b.add(eventType, h)
}

// workerKey marks contexts handed to handlers by the worker pool.
type workerKey struct{}

// Publish enqueues evt unless its id was published before. Callers block
// while the queue is full; handlers never do, since the workers they would
// wait on may all be publishing too.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" || evt.Type == "" {
		return ErrInvalidEvent
	}

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return ErrClosed
	}
	if found, _ := b.seen.ContainsOrAdd(evt.ID, struct{}{}); found {
		b.closeMu.RUnlock()
		b.opts.Metrics.EventDuplicate(evt.Type)
		return nil
	}
	b.inflight.Add(1)
	b.closeMu.RUnlock()

	if ctx.Value(workerKey{}) != nil {
		select {
		case b.queue <- evt:
		default:
			go func() { b.queue <- evt }()
		}
		b.opts.Metrics.EventPublished(evt.Type)
		return nil
	}

	select {
	case b.queue <- evt:
		b.opts.Metrics.EventPublished(evt.Type)
		return nil
	case <-ctx.Done():
		b.inflight.Done()
		b.seen.Remove(evt.ID)
		return ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (b *MemoryBus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	wctx := context.WithValue(gctx, workerKey{}, true)
	for i := 0; i < b.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case evt := <-b.queue:
					deliverWithRetry(wctx, &b.registry, b.opts, evt)
					b.inflight.Done()
				}
			}
		})
	}
	return g.Wait()
}

// Drain blocks until every published event, including events published
// by handlers while draining, has been handled.
func (b *MemoryBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	b.closed = true
	return nil
}
