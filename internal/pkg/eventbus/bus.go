// Package eventbus delivers typed events between intake, the generation
// pipeline and the reconciliation handlers. Delivery is at-least-once and
// publishes are de-duplicated by event id.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plushify/plushify-api/internal/pkg/metrics"
)

var (
	ErrClosed       = errors.New("event bus closed")
	ErrInvalidEvent = errors.New("event must have an id and a type")
)

// Event is the unit of delivery.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	// Attempt is the 1-based delivery attempt, filled in by the transport.
	Attempt int `json:"-"`
}

// NewEvent marshals data into an event.
func NewEvent(id, eventType string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{ID: id, Type: eventType, Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Handler processes one event. A non-nil error requests redelivery.
type Handler func(ctx context.Context, evt Event) error

// DeadLetterFunc is called once an event exhausted its deliveries.
type DeadLetterFunc func(ctx context.Context, evt Event, err error)

// Bus is implemented by every transport.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(eventType string, h Handler)
	// Run consumes until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

// Options shared by the transports.
type Options struct {
	// MaxDeliveries bounds how often one event is handed to its handlers.
	MaxDeliveries int
	// RedeliveryDelay is the pause before an in-process redelivery.
	RedeliveryDelay time.Duration
	// Workers bounds concurrently running handlers.
	Workers    int
	DeadLetter DeadLetterFunc
	Metrics    *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = 500 * time.Millisecond
	}
	if o.Workers <= 0 {
		o.Workers = 16
	}
	return o
}

// registry maps event types to handlers.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func (r *registry) add(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]Handler)
	}
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

func (r *registry) get(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}

// dispatch runs every handler for evt once. Panics become errors.
func (r *registry) dispatch(ctx context.Context, evt Event) error {
	handlers := r.get(evt.Type)
	if len(handlers) == 0 {
		log.Debug().Str("event_id", evt.ID).Str("type", evt.Type).Msg("No handler for event")
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := safeCall(ctx, h, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeCall(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("event_id", evt.ID).
				Str("type", evt.Type).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Event handler panicked")
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, evt)
}

// deliverWithRetry redelivers in-process until a dispatch succeeds or
// MaxDeliveries is reached, then hands the event to the dead letter hook.
// It reports whether the event was settled; false means ctx ended first
// and the transport has to deliver the event again.
func deliverWithRetry(ctx context.Context, r *registry, opts Options, evt Event) bool {
	var err error
	for attempt := 1; attempt <= opts.MaxDeliveries; attempt++ {
		evt.Attempt = attempt
		if err = r.dispatch(ctx, evt); err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		log.Warn().Err(err).
			Str("event_id", evt.ID).
			Str("type", evt.Type).
			Int("attempt", attempt).
			Msg("Event delivery failed")

		if attempt == opts.MaxDeliveries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(opts.RedeliveryDelay * time.Duration(attempt)):
		}
	}

	deadLetter(ctx, opts, evt, err)
	return true
}

func deadLetter(ctx context.Context, opts Options, evt Event, err error) {
	log.Error().Err(err).
		Str("event_id", evt.ID).
		Str("type", evt.Type).
		Msg("Event exhausted deliveries")
	if opts.DeadLetter != nil {
		opts.DeadLetter(ctx, evt, err)
	}
}
