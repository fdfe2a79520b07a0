package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/logger"
)

var ErrCancelled = errors.New("generation cancelled by operator")

// Host binds the orchestrator and the reconciler to the event bus and
// emits the lifecycle signals for runs that did not complete.
type Host struct {
	orch       *Orchestrator
	reconciler *Reconciler
	bus        eventbus.Bus

	mu      sync.Mutex
	running map[uuid.UUID]map[string]context.CancelCauseFunc
}

func NewHost(orch *Orchestrator, reconciler *Reconciler, bus eventbus.Bus) *Host {
	return &Host{
		orch:       orch,
		reconciler: reconciler,
		bus:        bus,
		running:    make(map[uuid.UUID]map[string]context.CancelCauseFunc),
	}
}

// Register subscribes the pipeline handlers.
func (h *Host) Register() {
	h.bus.Subscribe(generation.EventGenerateRequested, h.HandleRequested)
	h.bus.Subscribe(generation.EventGenerateCancel, h.HandleCancel)
	h.reconciler.Subscribe(h.bus)
}

// HandleRequested runs the pipeline for one job event. Errors are
// returned only when the outcome could not be reported, which makes the
// bus redeliver the job.
func (h *Host) HandleRequested(ctx context.Context, evt eventbus.Event) error {
	var job generation.GenerateRequested
	if err := evt.Decode(&job); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("event_id", evt.ID).Msg("Dropping malformed job event")
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h.track(job.GenerationID, evt.ID, cancel)
	defer h.untrack(job.GenerationID, evt.ID)

	outcome, err := h.orch.Run(runCtx, evt.ID, job)
	switch outcome {
	case OutcomeFailed:
		return h.signal(ctx, EventPipelineFailed, evt.ID, job.GenerationID, job.UserID, err)
	case OutcomeCancelled:
		if ctx.Err() != nil {
			// shutting down; leave the job for redelivery
			return ctx.Err()
		}
		if errors.Is(context.Cause(runCtx), ErrCancelled) {
			// HandleCancel reports it
			return nil
		}
		return h.signal(ctx, EventPipelineCancelled, evt.ID, job.GenerationID, job.UserID, err)
	}
	return nil
}

// HandleCancel stops a local run of the generation, if any, and emits the
// cancelled signal so the record converges to failed wherever it runs.
func (h *Host) HandleCancel(ctx context.Context, evt eventbus.Event) error {
	var req generation.GenerateCancel
	if err := evt.Decode(&req); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("event_id", evt.ID).Msg("Dropping malformed cancel event")
		return nil
	}

	stopped := h.cancelRuns(req.GenerationID)
	logger.FromContext(ctx).Info().
		Str("generation_id", req.GenerationID.String()).
		Int("local_runs", stopped).
		Msg("Generation cancellation requested")

	cause := ErrCancelled
	if req.Reason != "" {
		cause = fmt.Errorf("%w: %s", ErrCancelled, req.Reason)
	}
	return h.signal(ctx, EventPipelineCancelled, evt.ID, req.GenerationID, uuid.Nil, cause)
}

// DeadLetter is the bus hook for events that exhausted their deliveries.
// A job that could never be run is reported as failed.
func (h *Host) DeadLetter(ctx context.Context, evt eventbus.Event, cause error) {
	if evt.Type != generation.EventGenerateRequested {
		return
	}

	var job generation.GenerateRequested
	if err := evt.Decode(&job); err != nil {
		return
	}
	if err := h.signal(ctx, EventPipelineFailed, evt.ID, job.GenerationID, job.UserID, cause); err != nil {
		logger.FromContext(ctx).Error().Err(err).
			Str("generation_id", job.GenerationID.String()).
			Msg("Failed to report dead lettered job")
	}
}

func (h *Host) signal(ctx context.Context, signalType, sourceEventID string, generationID, userID uuid.UUID, cause error) error {
	evt, err := NewSignalEvent(signalType, sourceEventID, SignalData{GenerationID: generationID, UserID: userID}, cause)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		return fmt.Errorf("publish %s: %w", signalType, err)
	}
	return nil
}

func (h *Host) track(id uuid.UUID, eventID string, cancel context.CancelCauseFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	runs, ok := h.running[id]
	if !ok {
		runs = make(map[string]context.CancelCauseFunc)
		h.running[id] = runs
	}
	runs[eventID] = cancel
}

func (h *Host) untrack(id uuid.UUID, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if runs, ok := h.running[id]; ok {
		delete(runs, eventID)
		if len(runs) == 0 {
			delete(h.running, id)
		}
	}
}

func (h *Host) cancelRuns(id uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	runs := h.running[id]
	for _, cancel := range runs {
		cancel(ErrCancelled)
	}
	return len(runs)
}

// Running reports whether a run of the generation is active in this process.
func (h *Host) Running(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running[id]) > 0
}
