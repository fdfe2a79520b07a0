package generation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/pkg/logger"
)

// CleanupResult describes what Cleaner.Fail did.
type CleanupResult string

const (
	CleanupNotFound        CleanupResult = "not_found"
	CleanupAlreadyTerminal CleanupResult = "already_terminal"
	CleanupFailed          CleanupResult = "failed"
)

// BlobDeleter removes an uploaded object by its public URL.
type BlobDeleter interface {
	Delete(ctx context.Context, url string) error
}

// Cleaner converges a processing generation to failed. It is shared by
// the owner's mark-as-failed and the pipeline lifecycle handlers.
type Cleaner struct {
	repo  Repository
	blobs BlobDeleter
}

func NewCleaner(repo Repository, blobs BlobDeleter) *Cleaner {
	return &Cleaner{repo: repo, blobs: blobs}
}

// Fail flips the record to failed and then deletes its blobs. The flip
// comes first so a concurrent finalize either wins (record completed,
// nothing deleted) or loses (its guarded update finds no processing row).
// Blob deletion is best effort; URLs are cleared only for deleted blobs.
func (c *Cleaner) Fail(ctx context.Context, id uuid.UUID) (CleanupResult, error) {
	g, err := c.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return CleanupNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if g.Status.Terminal() {
		return CleanupAlreadyTerminal, nil
	}

	changed, err := c.repo.MarkFailed(ctx, id)
	if err != nil {
		return "", err
	}
	if !changed {
		return CleanupAlreadyTerminal, nil
	}

	// URLs cannot change once the record left processing.
	if g, err = c.repo.GetByID(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return CleanupFailed, nil
		}
		return "", err
	}

	original := c.deleteBlob(ctx, g, g.OriginalImageURL)
	result := c.deleteBlob(ctx, g, g.ResultImageURL)
	if err := c.repo.ClearURLs(ctx, id, original, result); err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Str("generation_id", id.String()).
			Msg("Failed to clear deleted image urls")
	}

	return CleanupFailed, nil
}

// DeleteBlobs removes both images of g, logging failures.
func (c *Cleaner) DeleteBlobs(ctx context.Context, g *Generation) {
	c.deleteBlob(ctx, g, g.OriginalImageURL)
	c.deleteBlob(ctx, g, g.ResultImageURL)
}

func (c *Cleaner) deleteBlob(ctx context.Context, g *Generation, url string) bool {
	if url == "" {
		return false
	}
	if err := c.blobs.Delete(ctx, url); err != nil {
		logger.FromContext(ctx).Warn().Err(err).
			Str("generation_id", g.ID.String()).
			Str("url", url).
			Msg("Failed to delete generation image")
		return false
	}
	return true
}
