// Package memstore is an in-memory stand-in for the Postgres repositories
// and the blob and AI capabilities. One mutex guards all state, so every
// method is a serializable transaction.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/domain/pipeline"
	"github.com/plushify/plushify-api/internal/domain/purchase"
)

type Store struct {
	mu          sync.Mutex
	balances    map[uuid.UUID]int
	txs         []credit.Transaction
	generations map[uuid.UUID]*generation.Generation
	purchases   map[string]*purchase.Purchase
	steps       []pipeline.StepRecord
	now         func() time.Time
}

func New() *Store {
	return &Store{
		balances:    make(map[uuid.UUID]int),
		generations: make(map[uuid.UUID]*generation.Generation),
		purchases:   make(map[string]*purchase.Purchase),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddUser creates a user whose balance is backed by an adjustment entry,
// so balance and ledger agree from the start.
func (s *Store) AddUser(balance int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.balances[id] = 0
	if balance > 0 {
		s.applyLocked(id, balance, credit.Entry{Type: credit.TxTypeAdjustment, Description: "opening balance"})
	}
	return id
}

// SetGeneration inserts or replaces a record as is.
func (s *Store) SetGeneration(g generation.Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[g.ID] = &g
}

// Generation returns a copy of the record.
func (s *Store) Generation(id uuid.UUID) (generation.Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return generation.Generation{}, false
	}
	return *g, true
}

// Entries returns the ledger rows of txType referencing relatedID.
func (s *Store) Entries(txType credit.TxType, relatedID string) []credit.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []credit.Transaction
	for _, t := range s.txs {
		if t.Type == txType && t.RelatedID != nil && *t.RelatedID == relatedID {
			out = append(out, t)
		}
	}
	return out
}

// Generations exposes the generation.Repository view.
func (s *Store) Generations() *Generations { return &Generations{s} }

// Purchases exposes the purchase.Repository view.
func (s *Store) Purchases() *Purchases { return &Purchases{s} }

// Steps exposes the pipeline.StepLog view.
func (s *Store) Steps() *Steps { return &Steps{s} }

// ---- credit.Ledger ----

func (s *Store) TryDebit(_ context.Context, userID uuid.UUID, amount int, entry credit.Entry) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryDebitLocked(userID, amount, entry)
}

func (s *Store) tryDebitLocked(userID uuid.UUID, amount int, entry credit.Entry) (int, bool, error) {
	if amount <= 0 {
		return 0, false, credit.ErrInvalidAmount
	}
	balance, ok := s.balances[userID]
	if !ok {
		return 0, false, credit.ErrUserNotFound
	}
	if balance < amount {
		return 0, false, nil
	}
	if err := s.checkEntryLocked(entry); err != nil {
		return 0, false, err
	}
	return s.applyLocked(userID, -amount, entry), true, nil
}

func (s *Store) Credit(_ context.Context, userID uuid.UUID, amount int, entry credit.Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(userID, amount, entry)
}

func (s *Store) creditLocked(userID uuid.UUID, amount int, entry credit.Entry) (int, error) {
	if amount <= 0 {
		return 0, credit.ErrInvalidAmount
	}
	if _, ok := s.balances[userID]; !ok {
		return 0, credit.ErrUserNotFound
	}
	if err := s.checkEntryLocked(entry); err != nil {
		return 0, err
	}
	return s.applyLocked(userID, amount, entry), nil
}

// checkEntryLocked mirrors the type check and the partial unique indexes.
func (s *Store) checkEntryLocked(entry credit.Entry) error {
	if !entry.Type.Valid() {
		return credit.ErrInvalidType
	}
	if entry.RelatedID == "" || (entry.Type != credit.TxTypeGeneration && entry.Type != credit.TxTypePurchase) {
		return nil
	}
	for _, t := range s.txs {
		if t.Type == entry.Type && t.RelatedID != nil && *t.RelatedID == entry.RelatedID {
			return credit.ErrDuplicateEntry
		}
	}
	return nil
}

func (s *Store) applyLocked(userID uuid.UUID, amount int, entry credit.Entry) int {
	balance := s.balances[userID] + amount
	s.balances[userID] = balance

	tx := credit.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Type:         entry.Type,
		Amount:       amount,
		BalanceAfter: balance,
		Description:  entry.Description,
		Metadata:     entry.Metadata,
		CreatedAt:    s.now(),
	}
	if entry.RelatedID != "" {
		related := entry.RelatedID
		tx.RelatedID = &related
	}
	s.txs = append(s.txs, tx)
	return balance
}

func (s *Store) GetBalance(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[userID]
	if !ok {
		return 0, credit.ErrUserNotFound
	}
	return balance, nil
}

func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID, p credit.Pagination) ([]credit.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = p.Normalize()
	var all []credit.Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		if s.txs[i].UserID == userID {
			all = append(all, s.txs[i])
		}
	}
	return page(all, p.Limit, p.Offset), len(all), nil
}

func (s *Store) VerifyBalance(_ context.Context, userID uuid.UUID) (*credit.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[userID]
	if !ok {
		return nil, credit.ErrUserNotFound
	}
	sum := 0
	for _, t := range s.txs {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return credit.NewReconciliation(userID, balance, sum), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func sortNewestFirst[T any](items []T, created func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool { return created(items[i]).After(created(items[j])) })
}
