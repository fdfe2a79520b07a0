package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
)

// Generations implements generation.Repository.
type Generations struct {
	s *Store
}

var _ generation.Repository = (*Generations)(nil)

func (r *Generations) processingLocked(userID uuid.UUID) int {
	n := 0
	for _, g := range r.s.generations {
		if g.UserID == userID && g.Status == generation.StatusProcessing {
			n++
		}
	}
	return n
}

func (r *Generations) Admit(_ context.Context, g *generation.Generation, limits generation.Limits) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	balance, ok := r.s.balances[g.UserID]
	if !ok {
		return credit.ErrUserNotFound
	}
	processing := r.processingLocked(g.UserID)
	if processing >= limits.MaxProcessing {
		return generation.ErrConcurrencyLimit
	}
	if balance-processing < generation.CreditsPerGeneration {
		return generation.ErrInsufficientCredits
	}

	now := r.s.now()
	g.Status = generation.StatusProcessing
	if g.SubjectType == "" {
		g.SubjectType = generation.SubjectOther
	}
	g.CreatedAt, g.UpdatedAt = now, now
	stored := *g
	r.s.generations[g.ID] = &stored
	return nil
}

func (r *Generations) GetByID(_ context.Context, id uuid.UUID) (*generation.Generation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.generations[id]
	if !ok {
		return nil, generation.ErrNotFound
	}
	out := *g
	return &out, nil
}

func (r *Generations) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*generation.Generation, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var all []*generation.Generation
	for _, g := range r.s.generations {
		if g.UserID == userID {
			out := *g
			all = append(all, &out)
		}
	}
	sortNewestFirst(all, func(g *generation.Generation) time.Time { return g.CreatedAt })
	return page(all, limit, offset), len(all), nil
}

func (r *Generations) CountProcessing(_ context.Context, userID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.processingLocked(userID), nil
}

func (r *Generations) SetOriginalURL(_ context.Context, id uuid.UUID, url string) error {
	return r.whileProcessing(id, func(g *generation.Generation) { g.OriginalImageURL = url })
}

func (r *Generations) SetResultURL(_ context.Context, id uuid.UUID, url string) error {
	return r.whileProcessing(id, func(g *generation.Generation) { g.ResultImageURL = url })
}

func (r *Generations) whileProcessing(id uuid.UUID, fn func(g *generation.Generation)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.generations[id]
	if !ok || g.Status != generation.StatusProcessing {
		return generation.ErrNotProcessing
	}
	fn(g)
	g.UpdatedAt = r.s.now()
	return nil
}

func (r *Generations) ClearURLs(_ context.Context, id uuid.UUID, original, result bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.generations[id]
	if !ok {
		return nil
	}
	if original {
		g.OriginalImageURL = ""
	}
	if result {
		g.ResultImageURL = ""
	}
	return nil
}

func (r *Generations) MarkFailed(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.generations[id]
	if !ok || g.Status != generation.StatusProcessing {
		return false, nil
	}
	g.Status = generation.StatusFailed
	g.UpdatedAt = r.s.now()
	return true, nil
}

func (r *Generations) ResetForRetry(_ context.Context, id uuid.UUID, limits generation.Limits) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.generations[id]
	if !ok {
		return generation.ErrNotFound
	}
	if r.processingLocked(g.UserID) >= limits.MaxProcessing {
		return generation.ErrConcurrencyLimit
	}
	if g.Status != generation.StatusFailed {
		return generation.ErrNotRetriable
	}
	g.Status = generation.StatusProcessing
	g.UpdatedAt = r.s.now()
	return nil
}

func (r *Generations) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.generations[id]
	if !ok {
		return generation.ErrNotFound
	}
	if g.Status == generation.StatusProcessing {
		return generation.ErrStillProcessing
	}
	delete(r.s.generations, id)
	return nil
}

func (r *Generations) Finalize(_ context.Context, id uuid.UUID, subject generation.SubjectType, entry credit.Entry) (*generation.FinalizeResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	g, ok := r.s.generations[id]
	if !ok {
		return nil, generation.ErrNotFound
	}
	switch g.Status {
	case generation.StatusCompleted:
		return &generation.FinalizeResult{AlreadyCompleted: true}, nil
	case generation.StatusFailed:
		return nil, generation.ErrNotProcessing
	}

	balance, ok, err := r.s.tryDebitLocked(g.UserID, generation.CreditsPerGeneration, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, generation.ErrInsufficientCredits
	}

	g.Status = generation.StatusCompleted
	g.SubjectType = subject
	g.UpdatedAt = r.s.now()
	return &generation.FinalizeResult{Balance: balance}, nil
}
