package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/pkg/ai"
	"github.com/plushify/plushify-api/internal/pkg/imaging"
	"github.com/plushify/plushify-api/internal/pkg/logger"
)

var errNoImageData = errors.New("job carries no image data")

func (o *Orchestrator) uploadOriginal(ctx context.Context, r *run, g *generation.Generation) (bool, error) {
	if g.OriginalImageURL != "" {
		return true, nil
	}
	if len(r.job.ImageData) == 0 {
		return false, Permanent(errNoImageData)
	}

	key := generation.OriginalKey(g.UserID, g.ID, r.job.ImageMimeType)
	url, err := o.blobs.Put(ctx, key, r.job.ImageData, r.job.ImageMimeType)
	if err != nil {
		return false, fmt.Errorf("upload original: %w", err)
	}
	if err := o.persistURL(ctx, g, url, o.repo.SetOriginalURL); err != nil {
		return false, err
	}
	g.OriginalImageURL = url
	return false, nil
}

func (o *Orchestrator) analyze(ctx context.Context, r *run) (bool, error) {
	if r.analysis != "" {
		return true, nil
	}
	text, err := o.ai.Analyze(ctx, r.job.ImageData, r.job.ImageMimeType)
	if err != nil {
		return false, fmt.Errorf("analyze image: %w", err)
	}
	r.analysis = text
	return false, nil
}

// transformAndUpload produces and stores the result in one unit so the
// image bytes never outlive the step.
func (o *Orchestrator) transformAndUpload(ctx context.Context, r *run, g *generation.Generation) (bool, error) {
	if g.ResultImageURL != "" {
		return true, nil
	}

	data, _, err := o.ai.Transform(ctx, r.job.ImageData, r.job.ImageMimeType, r.analysis)
	if errors.Is(err, ai.ErrNoImage) {
		return false, Permanent(err)
	}
	if err != nil {
		return false, fmt.Errorf("transform image: %w", err)
	}

	img, err := o.normalizer.ToPNG(data)
	if errors.Is(err, imaging.ErrUndecodable) {
		return false, Permanent(err)
	}
	if err != nil {
		return false, err
	}

	url, err := o.blobs.Put(ctx, generation.ResultKey(g.UserID, g.ID), img.Data, img.ContentType)
	if err != nil {
		return false, fmt.Errorf("upload result: %w", err)
	}
	if err := o.persistURL(ctx, g, url, o.repo.SetResultURL); err != nil {
		return false, err
	}
	g.ResultImageURL = url
	return false, nil
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, g *generation.Generation) (*generation.FinalizeResult, error) {
	subject := generation.ClassifySubject(r.analysis)
	entry := credit.Entry{
		Type:        credit.TxTypeGeneration,
		RelatedID:   g.ID.String(),
		Description: "Plushie generation completed",
		Metadata: credit.Metadata{
			"generationId": g.ID.String(),
			"subjectType":  string(subject),
		},
	}

	res, err := o.repo.Finalize(ctx, g.ID, subject, entry)
	switch {
	case err == nil:
	case errors.Is(err, generation.ErrInsufficientCredits):
		return nil, Permanent(err)
	case errors.Is(err, generation.ErrNotProcessing):
		return nil, Permanent(ErrRecordSettled)
	case errors.Is(err, generation.ErrNotFound):
		return nil, Permanent(ErrRecordMissing)
	case errors.Is(err, credit.ErrDuplicateEntry):
		// a concurrent run committed the debit first
		return &generation.FinalizeResult{AlreadyCompleted: true}, nil
	default:
		return nil, err
	}

	if !res.AlreadyCompleted {
		o.metrics.CreditDebited(generation.CreditsPerGeneration)
		logger.FromContext(ctx).Info().
			Str("subject_type", string(subject)).
			Int("balance", res.Balance).
			Msg("Generation completed and billed")
	}
	return res, nil
}

// persistURL checkpoints url on the record. If the record already left
// processing the fresh upload is removed, unless the record points at it
// (keys are deterministic, so a completed record may share the URL).
func (o *Orchestrator) persistURL(ctx context.Context, g *generation.Generation, url string, set func(context.Context, uuid.UUID, string) error) error {
	err := set(ctx, g.ID, url)
	if err == nil {
		return nil
	}
	if !errors.Is(err, generation.ErrNotProcessing) {
		return err
	}

	current, gerr := o.repo.GetByID(ctx, g.ID)
	if gerr == nil && (current.OriginalImageURL == url || current.ResultImageURL == url) {
		return Permanent(ErrRecordSettled)
	}
	if derr := o.blobs.Delete(ctx, url); derr != nil {
		logger.FromContext(ctx).Warn().Err(derr).Str("url", url).Msg("Failed to delete orphaned upload")
	}
	return Permanent(ErrRecordSettled)
}
