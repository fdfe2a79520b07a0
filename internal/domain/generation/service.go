package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
	"github.com/plushify/plushify-api/internal/pkg/storage"
)

// BlobStore is the URL based blob capability.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// Publisher hands events to the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event) error
}

// BalanceReader reads a user's credit balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
}

type Config struct {
	MaxUploadBytes int64
	MaxProcessing  int
	StaleAfter     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxUploadBytes: 10 << 20,
		MaxProcessing:  5,
		StaleAfter:     5 * time.Minute,
	}
}

// Service is the intake side of generations: admission, resubmission and
// the owner's queries and corrections.
type Service struct {
	repo     Repository
	balances BalanceReader
	blobs    BlobStore
	bus      Publisher
	cleaner  *Cleaner
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func NewService(repo Repository, balances BalanceReader, blobs BlobStore, bus Publisher, m *metrics.Metrics, cfg Config) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	if cfg.MaxProcessing <= 0 {
		cfg.MaxProcessing = DefaultConfig().MaxProcessing
	}
	return &Service{
		repo:     repo,
		balances: balances,
		blobs:    blobs,
		bus:      bus,
		cleaner:  NewCleaner(repo, blobs),
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Cleaner returns the cleanup routine shared with the lifecycle handlers.
func (s *Service) Cleaner() *Cleaner {
	return s.cleaner
}

func (s *Service) limits() Limits {
	return Limits{MaxProcessing: s.cfg.MaxProcessing}
}

// SubmitRequest is one upload.
type SubmitRequest struct {
	UserID   uuid.UUID
	Image    []byte
	MimeType string
}

// Submit validates the upload, admits a processing record and emits the
// job event. Nothing is created when a precondition fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Generation, error) {
	mimeType, err := s.validateImage(req.Image, req.MimeType)
	if err != nil {
		return nil, err
	}

	g := &Generation{
		ID:          uuid.New(),
		UserID:      req.UserID,
		SubjectType: SubjectOther,
	}
	if err := s.repo.Admit(ctx, g, s.limits()); err != nil {
		s.rejected(err)
		return nil, err
	}

	ctx, l := logger.WithFields(ctx,
		"generation_id", g.ID.String(),
		"user_id", g.UserID.String(),
	)

	if err := s.dispatch(ctx, SubmitEventID(g.ID), g, req.Image, mimeType); err != nil {
		return nil, err
	}

	l.Info().Str("mime_type", mimeType).Int("size", len(req.Image)).Msg("Generation submitted")
	return g, nil
}

// RetryRequest resubmits a failed generation. Image is used when the
// stored original can no longer be fetched.
type RetryRequest struct {
	UserID       uuid.UUID
	GenerationID uuid.UUID
	Image        []byte
	MimeType     string
}

// Retry moves a failed generation back to processing under a fresh event
// id. It reserves nothing new: the record counts as processing again, as
// it did before it failed.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (*Generation, error) {
	g, err := s.owned(ctx, req.UserID, req.GenerationID)
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case StatusCompleted:
		return nil, ErrAlreadyCompleted
	case StatusProcessing:
		return nil, ErrNotRetriable
	}

	ctx, l := logger.WithFields(ctx,
		"generation_id", g.ID.String(),
		"user_id", g.UserID.String(),
	)

	image, mimeType, err := s.retrySource(ctx, g, req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ResetForRetry(ctx, g.ID, s.limits()); err != nil {
		if errors.Is(err, ErrConcurrencyLimit) {
			s.metrics.IntakeRejected("concurrency_limit")
		}
		return nil, err
	}
	g.Status = StatusProcessing

	eventID := RetryEventID(g.ID, s.now())
	if err := s.dispatch(ctx, eventID, g, image, mimeType); err != nil {
		return nil, err
	}

	l.Info().Str("event_id", eventID).Msg("Generation resubmitted")
	return g, nil
}

func (s *Service) retrySource(ctx context.Context, g *Generation, req RetryRequest) ([]byte, string, error) {
	if g.OriginalImageURL != "" {
		data, err := s.blobs.Fetch(ctx, g.OriginalImageURL)
		if err == nil {
			var mimeType string
			if mimeType, err = storage.ValidateImage(data, "", s.cfg.MaxUploadBytes); err == nil {
				return data, mimeType, nil
			}
		}
		logger.FromContext(ctx).Warn().Err(err).
			Str("url", g.OriginalImageURL).
			Msg("Stored original could not be fetched")
	}

	if len(req.Image) == 0 {
		return nil, "", ErrOriginalUnavailable
	}
	mimeType, err := s.validateImage(req.Image, req.MimeType)
	if err != nil {
		return nil, "", err
	}
	return req.Image, mimeType, nil
}

// dispatch publishes the job event. If the dispatcher is unreachable the
// record is failed at once instead of waiting to go stale.
func (s *Service) dispatch(ctx context.Context, eventID string, g *Generation, image []byte, mimeType string) error {
	evt, err := eventbus.NewEvent(eventID, EventGenerateRequested, GenerateRequested{
		GenerationID:  g.ID,
		UserID:        g.UserID,
		ImageData:     image,
		ImageMimeType: mimeType,
	})
	if err == nil {
		err = s.bus.Publish(ctx, evt)
	}
	if err == nil {
		return nil
	}

	logger.FromContext(ctx).Error().Err(err).Str("event_id", eventID).Msg("Failed to publish generation event")
	if _, ferr := s.repo.MarkFailed(ctx, g.ID); ferr != nil {
		logger.FromContext(ctx).Error().Err(ferr).Msg("Failed to mark undispatched generation as failed")
	}
	g.Status = StatusFailed
	return ErrDispatchFailed
}

func (s *Service) validateImage(data []byte, declared string) (string, error) {
	mimeType, err := storage.ValidateImage(data, declared, s.cfg.MaxUploadBytes)
	switch {
	case err == nil:
		return mimeType, nil
	case errors.Is(err, storage.ErrFileTooLarge):
		s.metrics.IntakeRejected("too_large")
		return "", ErrImageTooLarge
	default:
		s.metrics.IntakeRejected("invalid_image")
		return "", ErrInvalidImage
	}
}

func (s *Service) rejected(err error) {
	switch {
	case errors.Is(err, ErrConcurrencyLimit):
		s.metrics.IntakeRejected("concurrency_limit")
	case errors.Is(err, ErrInsufficientCredits):
		s.metrics.IntakeRejected("insufficient_credits")
	}
}

// MarkFailed is the owner's way out of a stuck generation. Failed records
// are returned unchanged; completed records cannot be failed.
func (s *Service) MarkFailed(ctx context.Context, userID, id uuid.UUID) (*Generation, error) {
	g, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	switch g.Status {
	case StatusCompleted:
		return nil, ErrAlreadyCompleted
	case StatusFailed:
		return g, nil
	}

	result, err := s.cleaner.Fail(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info().
		Str("generation_id", id.String()).
		Str("result", string(result)).
		Msg("Generation marked as failed")

	g, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == StatusCompleted {
		// finalize won the race
		return nil, ErrAlreadyCompleted
	}
	return g, nil
}

// Delete removes a settled generation and its images.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	g, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if g.Status == StatusProcessing {
		return ErrStillProcessing
	}

	s.cleaner.DeleteBlobs(ctx, g)
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	logger.FromContext(ctx).Info().Str("generation_id", id.String()).Msg("Generation deleted")
	return nil
}

func (s *Service) GetStatus(ctx context.Context, userID, id uuid.UUID) (*StatusView, error) {
	g, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{Generation: g, Stale: g.IsStale(s.now(), s.cfg.StaleAfter)}, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, p credit.Pagination) ([]*Generation, int, error) {
	p = p.Normalize()
	return s.repo.ListByUser(ctx, userID, p.Limit, p.Offset)
}

// GetCredits returns balance, processing count and available credits.
func (s *Service) GetCredits(ctx context.Context, userID uuid.UUID) (Credits, error) {
	balance, err := s.balances.GetBalance(ctx, userID)
	if err != nil {
		return Credits{}, err
	}
	processing, err := s.repo.CountProcessing(ctx, userID)
	if err != nil {
		return Credits{}, err
	}
	return NewCredits(balance, processing), nil
}

func (s *Service) GetProcessingCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountProcessing(ctx, userID)
}

func (s *Service) owned(ctx context.Context, userID, id uuid.UUID) (*Generation, error) {
	g, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, ErrForbidden
	}
	return g, nil
}
