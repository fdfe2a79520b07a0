package generation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/testutil/pgtest"
)

func generationEntry(id uuid.UUID) credit.Entry {
	return credit.Entry{
		Type:        credit.TxTypeGeneration,
		RelatedID:   id.String(),
		Description: "Plushie generation completed",
	}
}

func TestPostgresAdmitUnderContention(t *testing.T) {
	db := pgtest.Open(t)
	repo := generation.NewRepository(db, credit.NewRepository(db))
	userID := pgtest.CreateUser(t, db, 3)

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Admit(context.Background(), &generation.Generation{ID: uuid.New(), UserID: userID}, generation.Limits{MaxProcessing: 5})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, generation.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 3 {
		t.Fatalf("expected 3 admissions, got %d", admitted)
	}
}

func TestPostgresFinalizeBillsOnce(t *testing.T) {
	db := pgtest.Open(t)
	ledger := credit.NewRepository(db)
	repo := generation.NewRepository(db, ledger)
	ctx := context.Background()
	userID := pgtest.CreateUser(t, db, 3)

	g := &generation.Generation{ID: uuid.New(), UserID: userID}
	if err := repo.Admit(ctx, g, generation.Limits{MaxProcessing: 5}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Finalize(ctx, g.ID, generation.SubjectPet, generationEntry(g.ID)); err != nil {
				t.Errorf("finalize: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := ledger.CountEntries(ctx, credit.TxTypeGeneration, g.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one generation entry, got %d", n)
	}

	balance, _ := ledger.GetBalance(ctx, userID)
	if balance != 2 {
		t.Fatalf("expected balance 2, got %d", balance)
	}

	rec, _ := ledger.VerifyBalance(ctx, userID)
	if !rec.Consistent {
		t.Fatalf("ledger out of balance: %+v", rec)
	}

	stored, _ := repo.GetByID(ctx, g.ID)
	if stored.Status != generation.StatusCompleted || stored.SubjectType != generation.SubjectPet {
		t.Fatalf("unexpected record %+v", stored)
	}
}

func TestPostgresFinalizeRefusesFailed(t *testing.T) {
	db := pgtest.Open(t)
	ledger := credit.NewRepository(db)
	repo := generation.NewRepository(db, ledger)
	ctx := context.Background()
	userID := pgtest.CreateUser(t, db, 1)

	g := &generation.Generation{ID: uuid.New(), UserID: userID}
	if err := repo.Admit(ctx, g, generation.Limits{MaxProcessing: 5}); err != nil {
		t.Fatal(err)
	}

	changed, err := repo.MarkFailed(ctx, g.ID)
	if err != nil || !changed {
		t.Fatalf("mark failed: %v %v", changed, err)
	}
	if changed, _ := repo.MarkFailed(ctx, g.ID); changed {
		t.Fatal("second mark failed must not transition")
	}

	if _, err := repo.Finalize(ctx, g.ID, generation.SubjectOther, generationEntry(g.ID)); !errors.Is(err, generation.ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}
	if err := repo.SetResultURL(ctx, g.ID, "https://example.test/x.png"); !errors.Is(err, generation.ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}

	n, _ := ledger.CountEntries(ctx, credit.TxTypeGeneration, g.ID.String())
	if n != 0 {
		t.Fatalf("failed generation billed %d times", n)
	}

	if err := repo.ResetForRetry(ctx, g.ID, generation.Limits{MaxProcessing: 5}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := repo.ResetForRetry(ctx, g.ID, generation.Limits{MaxProcessing: 5}); !errors.Is(err, generation.ErrNotRetriable) {
		t.Fatalf("expected ErrNotRetriable, got %v", err)
	}
}
