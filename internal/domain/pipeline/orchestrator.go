// Package pipeline runs generations to a terminal state: the orchestrator
// executes the steps with retries, the reconciliation handlers converge
// records whose runs failed, crashed or were cancelled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/pkg/imaging"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
)

// Inference is the AI capability used by the steps.
type Inference interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (string, error)
	Transform(ctx context.Context, image []byte, mimeType, analysis string) ([]byte, string, error)
}

// Outcome of a run.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeFailed           Outcome = "failed"
	OutcomeCancelled        Outcome = "cancelled"
	// OutcomeAbandoned: the record was settled or removed by someone else.
	OutcomeAbandoned Outcome = "abandoned"
)

type Config struct {
	// MaxAttempts bounds executions of the whole pipeline per run.
	MaxAttempts int
	BackoffBase time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: time.Second}
}

type Deps struct {
	Repo       generation.Repository
	Blobs      generation.BlobStore
	AI         Inference
	Normalizer *imaging.Normalizer
	Steps      StepLog
	Gate       Gate
	Metrics    *metrics.Metrics
}

type Orchestrator struct {
	repo       generation.Repository
	blobs      generation.BlobStore
	ai         Inference
	normalizer *imaging.Normalizer
	steps      StepLog
	gate       Gate
	metrics    *metrics.Metrics
	cfg        Config
}

func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if d.Normalizer == nil {
		d.Normalizer = imaging.NewNormalizer(imaging.DefaultConfig())
	}
	if d.Gate == nil {
		d.Gate = NewLocalGate(5)
	}
	return &Orchestrator{
		repo:       d.Repo,
		blobs:      d.Blobs,
		ai:         d.AI,
		normalizer: d.Normalizer,
		steps:      d.Steps,
		gate:       d.Gate,
		metrics:    d.Metrics,
		cfg:        cfg,
	}
}

// run is the state of one pipeline run. analysis survives between
// attempts of the same run; it is never persisted.
type run struct {
	eventID  string
	job      generation.GenerateRequested
	attempt  int
	analysis string
}

// Run executes the pipeline for job. The returned error is set for
// every outcome except the completed ones.
func (o *Orchestrator) Run(ctx context.Context, eventID string, job generation.GenerateRequested) (Outcome, error) {
	ctx, l := logger.WithFields(ctx,
		"generation_id", job.GenerationID.String(),
		"user_id", job.UserID.String(),
		"event_id", eventID,
	)

	finish := o.metrics.RunStarted()
	outcome, err := o.run(ctx, eventID, job)
	finish(string(outcome))

	ev := l.Info()
	if err != nil {
		ev = l.Warn().Err(err)
	}
	ev.Str("outcome", string(outcome)).Msg("Pipeline run finished")
	return outcome, err
}

func (o *Orchestrator) run(ctx context.Context, eventID string, job generation.GenerateRequested) (Outcome, error) {
	waitStart := time.Now()
	release, err := o.gate.Acquire(ctx, job.UserID, eventID)
	if err != nil {
		return classify(ctx, err), err
	}
	defer release()
	o.metrics.ObserveGateWait(time.Since(waitStart))

	r := &run{eventID: eventID, job: job}
	var result *generation.FinalizeResult

	backoff := retry.WithMaxRetries(uint64(o.cfg.MaxAttempts-1), retry.NewExponential(o.cfg.BackoffBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r.attempt++
		res, err := o.attempt(ctx, r)
		if err == nil {
			result = res
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		logger.FromContext(ctx).Warn().Err(err).Int("attempt", r.attempt).Msg("Pipeline attempt failed")
		return retry.RetryableError(err)
	})
	if err != nil {
		if o.completedElsewhere(ctx, job.GenerationID, err) {
			return OutcomeAlreadyCompleted, nil
		}
		return classify(ctx, err), err
	}

	if result.AlreadyCompleted {
		return OutcomeAlreadyCompleted, nil
	}
	return OutcomeCompleted, nil
}

// completedElsewhere reports whether a run that found its record settled
// lost to a duplicate run that completed the generation.
func (o *Orchestrator) completedElsewhere(ctx context.Context, id uuid.UUID, err error) bool {
	if !errors.Is(err, ErrRecordSettled) || ctx.Err() != nil {
		return false
	}
	g, gerr := o.repo.GetByID(ctx, id)
	return gerr == nil && g.Status == generation.StatusCompleted
}

func classify(ctx context.Context, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		return OutcomeCancelled
	case errors.Is(err, ErrRecordSettled), errors.Is(err, ErrRecordMissing):
		return OutcomeAbandoned
	default:
		return OutcomeFailed
	}
}

// attempt executes every step once. Steps whose effect is already
// recorded on the generation are skipped.
func (o *Orchestrator) attempt(ctx context.Context, r *run) (*generation.FinalizeResult, error) {
	g, err := o.repo.GetByID(ctx, r.job.GenerationID)
	if errors.Is(err, generation.ErrNotFound) {
		return nil, Permanent(ErrRecordMissing)
	}
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case generation.StatusCompleted:
		return &generation.FinalizeResult{AlreadyCompleted: true}, nil
	case generation.StatusFailed:
		return nil, Permanent(ErrRecordSettled)
	}

	if err := o.step(ctx, r, StepUploadOriginal, func(ctx context.Context) (bool, error) {
		return o.uploadOriginal(ctx, r, g)
	}); err != nil {
		return nil, err
	}

	if err := o.step(ctx, r, StepAnalyze, func(ctx context.Context) (bool, error) {
		return o.analyze(ctx, r)
	}); err != nil {
		return nil, err
	}

	if err := o.step(ctx, r, StepTransform, func(ctx context.Context) (bool, error) {
		return o.transformAndUpload(ctx, r, g)
	}); err != nil {
		return nil, err
	}

	var result *generation.FinalizeResult
	if err := o.step(ctx, r, StepFinalize, func(ctx context.Context) (bool, error) {
		res, err := o.finalize(ctx, r, g)
		result = res
		return false, err
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// step runs fn and records its execution.
func (o *Orchestrator) step(ctx context.Context, r *run, name string, fn func(context.Context) (skipped bool, err error)) error {
	start := time.Now()
	skipped, err := fn(ctx)
	elapsed := time.Since(start)

	rec := StepRecord{
		GenerationID: r.job.GenerationID,
		EventID:      r.eventID,
		Step:         name,
		Status:       StepSucceeded,
		Attempt:      r.attempt,
		DurationMS:   elapsed.Milliseconds(),
	}
	switch {
	case err != nil:
		rec.Status = StepFailed
		rec.Error = err.Error()
	case skipped:
		rec.Status = StepSkipped
	}

	o.metrics.ObserveStep(name, string(rec.Status), elapsed)
	logger.FromContext(ctx).Debug().
		Str("step", name).
		Str("status", string(rec.Status)).
		Int("attempt", r.attempt).
		Dur("duration", elapsed).
		Msg("Pipeline step")

	if o.steps != nil {
		if lerr := o.steps.Record(context.WithoutCancel(ctx), rec); lerr != nil {
			logger.FromContext(ctx).Warn().Err(lerr).Str("step", name).Msg("Failed to record step")
		}
	}

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
