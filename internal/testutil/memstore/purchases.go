package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/pipeline"
	"github.com/plushify/plushify-api/internal/domain/purchase"
)

// Purchases implements purchase.Repository.
type Purchases struct {
	s *Store
}

var _ purchase.Repository = (*Purchases)(nil)

func (r *Purchases) Record(_ context.Context, p *purchase.Purchase) (bool, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.purchases[p.OrderID]; ok {
		return false, 0, nil
	}
	balance, err := r.s.creditLocked(p.UserID, p.Credits, purchase.LedgerEntry(p))
	if err != nil {
		return false, 0, err
	}
	stored := *p
	r.s.purchases[p.OrderID] = &stored
	return true, balance, nil
}

func (r *Purchases) GetByOrderID(_ context.Context, orderID string) (*purchase.Purchase, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.purchases[orderID]
	if !ok {
		return nil, purchase.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (r *Purchases) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*purchase.Purchase, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var all []*purchase.Purchase
	for _, p := range r.s.purchases {
		if p.UserID == userID {
			out := *p
			all = append(all, &out)
		}
	}
	sortNewestFirst(all, func(p *purchase.Purchase) time.Time { return p.CreatedAt })
	return page(all, limit, offset), len(all), nil
}

// Steps implements pipeline.StepLog.
type Steps struct {
	s *Store
}

var _ pipeline.StepLog = (*Steps)(nil)

func (l *Steps) Record(_ context.Context, rec pipeline.StepRecord) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	rec.CreatedAt = l.s.now()
	l.s.steps = append(l.s.steps, rec)
	return nil
}

func (l *Steps) List(_ context.Context, generationID uuid.UUID) ([]pipeline.StepRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	out := make([]pipeline.StepRecord, 0)
	for _, rec := range l.s.steps {
		if rec.GenerationID == generationID {
			out = append(out, rec)
		}
	}
	return out, nil
}
