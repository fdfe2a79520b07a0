package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
)

// Reconciler handles the lifecycle signals. It does not depend on the
// run that produced them, so a crashed worker is covered the same way as
// one that gave up.
type Reconciler struct {
	cleaner *generation.Cleaner
	metrics *metrics.Metrics
}

func NewReconciler(cleaner *generation.Cleaner, m *metrics.Metrics) *Reconciler {
	return &Reconciler{cleaner: cleaner, metrics: m}
}

func (r *Reconciler) OnPipelineFailed(ctx context.Context, evt eventbus.Event) error {
	return r.handle(ctx, evt)
}

func (r *Reconciler) OnPipelineCancelled(ctx context.Context, evt eventbus.Event) error {
	return r.handle(ctx, evt)
}

// Subscribe registers both handlers on bus.
func (r *Reconciler) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(EventPipelineFailed, r.OnPipelineFailed)
	bus.Subscribe(EventPipelineCancelled, r.OnPipelineCancelled)
}

func (r *Reconciler) handle(ctx context.Context, evt eventbus.Event) error {
	var sig Signal
	if err := evt.Decode(&sig); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("event_id", evt.ID).Msg("Dropping malformed lifecycle signal")
		return nil
	}
	if sig.SourceFunctionID != FunctionID {
		return nil
	}

	id := sig.OriginalEvent.Data.GenerationID
	if id == uuid.Nil {
		logger.FromContext(ctx).Error().Str("event_id", evt.ID).Msg("Lifecycle signal without generation id")
		return nil
	}

	result, err := r.cleaner.Fail(ctx, id)
	if err != nil {
		r.metrics.Reconciled(evt.Type, "error")
		return fmt.Errorf("reconcile generation %s: %w", id, err)
	}
	r.metrics.Reconciled(evt.Type, string(result))

	logger.FromContext(ctx).Info().
		Str("generation_id", id.String()).
		Str("signal", evt.Type).
		Str("result", string(result)).
		Str("cause", sig.Error).
		Msg("Generation reconciled")
	return nil
}
