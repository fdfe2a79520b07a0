package credit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/testutil/memstore"
	"github.com/plushify/plushify-api/internal/testutil/pgtest"
)

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdjust(t *testing.T) {
	store := memstore.New()
	svc := credit.NewService(store, nil)
	ctx := context.Background()
	userID := store.AddUser(5)
	adminID := uuid.New()

	balance, err := svc.Adjust(ctx, credit.AdjustRequest{UserID: userID, Type: credit.TxTypeAdjustment, Amount: 10, Reason: "goodwill", AdminID: adminID})
	requireNoError(t, err)
	if balance != 15 {
		t.Fatalf("expected 15, got %d", balance)
	}

	balance, err = svc.Adjust(ctx, credit.AdjustRequest{UserID: userID, Type: credit.TxTypeAdjustment, Amount: -15, Reason: "correction", AdminID: adminID})
	requireNoError(t, err)
	if balance != 0 {
		t.Fatalf("expected 0, got %d", balance)
	}

	_, err = svc.Adjust(ctx, credit.AdjustRequest{UserID: userID, Type: credit.TxTypeAdjustment, Amount: -1, Reason: "overdraw", AdminID: adminID})
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	rec, err := svc.VerifyBalance(ctx, userID)
	requireNoError(t, err)
	if !rec.Consistent || rec.Balance != 0 {
		t.Fatalf("unexpected reconciliation %+v", rec)
	}
}

func TestAdjustRejectsInvalidRequests(t *testing.T) {
	store := memstore.New()
	svc := credit.NewService(store, nil)
	userID := store.AddUser(5)

	tests := []struct {
		name string
		req  credit.AdjustRequest
		want error
	}{
		{"zero amount", credit.AdjustRequest{UserID: userID, Type: credit.TxTypeAdjustment}, credit.ErrInvalidAmount},
		{"negative refund", credit.AdjustRequest{UserID: userID, Type: credit.TxTypeRefund, Amount: -1}, credit.ErrInvalidAmount},
		{"generation type", credit.AdjustRequest{UserID: userID, Type: credit.TxTypeGeneration, Amount: 1}, credit.ErrInvalidType},
		{"purchase type", credit.AdjustRequest{UserID: userID, Type: credit.TxTypePurchase, Amount: 1}, credit.ErrInvalidType},
		{"unknown user", credit.AdjustRequest{UserID: uuid.New(), Type: credit.TxTypeRefund, Amount: 1}, credit.ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Adjust(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	store := memstore.New()
	svc := credit.NewService(store, nil)
	ctx := context.Background()
	userID := store.AddUser(1)

	for i := 0; i < 3; i++ {
		_, err := svc.Adjust(ctx, credit.AdjustRequest{UserID: userID, Type: credit.TxTypeRefund, Amount: 1, Reason: fmt.Sprintf("refund %d", i)})
		requireNoError(t, err)
	}

	items, total, err := svc.ListTransactions(ctx, userID, credit.Pagination{Limit: 2})
	requireNoError(t, err)
	if total != 4 || len(items) != 2 {
		t.Fatalf("expected 2 of 4, got %d of %d", len(items), total)
	}
	if items[0].Description != "refund 2" || items[0].BalanceAfter != 4 {
		t.Fatalf("unexpected first item %+v", items[0])
	}
}

/* =========================
   Postgres ledger
   ========================= */

func TestConcurrentTryDebit(t *testing.T) {
	db := pgtest.Open(t)
	ledger := credit.NewRepository(db)
	userID := pgtest.CreateUser(t, db, 5)

	const goroutines = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := ledger.TryDebit(context.Background(), userID, 1, credit.Entry{
				Type:        credit.TxTypeAdjustment,
				Description: fmt.Sprintf("concurrent %d", i),
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 successes, got %d", success)
	}

	balance, err := ledger.GetBalance(context.Background(), userID)
	requireNoError(t, err)
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}

	rec, err := ledger.VerifyBalance(context.Background(), userID)
	requireNoError(t, err)
	if !rec.Consistent {
		t.Fatalf("ledger out of balance: %+v", rec)
	}
}

func TestGenerationDebitIsUnique(t *testing.T) {
	db := pgtest.Open(t)
	ledger := credit.NewRepository(db)
	userID := pgtest.CreateUser(t, db, 5)
	entry := credit.Entry{Type: credit.TxTypeGeneration, RelatedID: uuid.NewString(), Description: "generation"}

	_, ok, err := ledger.TryDebit(context.Background(), userID, 1, entry)
	requireNoError(t, err)
	if !ok {
		t.Fatal("first debit refused")
	}

	_, _, err = ledger.TryDebit(context.Background(), userID, 1, entry)
	if !errors.Is(err, credit.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 4 {
		t.Fatalf("duplicate debit changed balance to %d", balance)
	}
}

func TestCreditUnknownUser(t *testing.T) {
	db := pgtest.Open(t)
	ledger := credit.NewRepository(db)

	_, err := ledger.Credit(context.Background(), uuid.New(), 10, credit.Entry{Type: credit.TxTypeRefund})
	if !errors.Is(err, credit.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	_, _, err = ledger.TryDebit(context.Background(), uuid.New(), 1, credit.Entry{Type: credit.TxTypeAdjustment})
	if !errors.Is(err, credit.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
