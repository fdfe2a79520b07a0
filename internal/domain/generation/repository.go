package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/plushify/plushify-api/internal/domain/credit"
)

const queryTimeout = 3 * time.Second

// Repository persists generation records. Every status change is a
// guarded update so terminal records are never mutated.
type Repository interface {
	// Admit inserts g (status processing) if the user has fewer than
	// limits.MaxProcessing processing generations and at least one
	// credit not already reserved by them.
	Admit(ctx context.Context, g *Generation, limits Limits) error
	GetByID(ctx context.Context, id uuid.UUID) (*Generation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Generation, int, error)
	CountProcessing(ctx context.Context, userID uuid.UUID) (int, error)

	// SetOriginalURL and SetResultURL only apply while processing.
	SetOriginalURL(ctx context.Context, id uuid.UUID, url string) error
	SetResultURL(ctx context.Context, id uuid.UUID, url string) error
	// ClearURLs empties URL fields whose blobs were deleted.
	ClearURLs(ctx context.Context, id uuid.UUID, original, result bool) error

	// MarkFailed moves processing to failed; false if it was not processing.
	MarkFailed(ctx context.Context, id uuid.UUID) (bool, error)
	// ResetForRetry moves failed to processing under the concurrency limit.
	ResetForRetry(ctx context.Context, id uuid.UUID, limits Limits) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Finalize debits the owner and completes the record in one
	// transaction. A record that is already completed is reported via
	// FinalizeResult.AlreadyCompleted without a second debit.
	Finalize(ctx context.Context, id uuid.UUID, subject SubjectType, entry credit.Entry) (*FinalizeResult, error)
}

type PostgresRepository struct {
	db     *sqlx.DB
	ledger *credit.Repository
}

func NewRepository(db *sqlx.DB, ledger *credit.Repository) *PostgresRepository {
	return &PostgresRepository{db: db, ledger: ledger}
}

const selectColumns = `id, user_id, original_image_url, result_image_url, subject_type, status, created_at, updated_at`

func (r *PostgresRepository) Admit(ctx context.Context, g *Generation, limits Limits) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	balance, processing, err := lockCapacity(ctx2, tx, g.UserID)
	if err != nil {
		return err
	}
	if processing >= limits.MaxProcessing {
		return ErrConcurrencyLimit
	}
	if balance-processing < CreditsPerGeneration {
		return ErrInsufficientCredits
	}

	now := time.Now().UTC()
	g.Status = StatusProcessing
	if g.SubjectType == "" {
		g.SubjectType = SubjectOther
	}
	g.CreatedAt, g.UpdatedAt = now, now

	_, err = tx.NamedExecContext(ctx2, `
		INSERT INTO generations (`+selectColumns+`)
		VALUES (:id, :user_id, :original_image_url, :result_image_url, :subject_type, :status, :created_at, :updated_at)
	`, g)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}

	return tx.Commit()
}

// lockCapacity serializes admissions of one user on the user row.
func lockCapacity(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (balance, processing int, err error) {
	err = tx.GetContext(ctx, &balance, `SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, credit.ErrUserNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock user: %w", err)
	}

	err = tx.GetContext(ctx, &processing, `
		SELECT COUNT(*) FROM generations WHERE user_id = $1 AND status = 'processing'
	`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("count processing: %w", err)
	}
	return balance, processing, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Generation, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var g Generation
	err := r.db.GetContext(ctx2, &g, `SELECT `+selectColumns+` FROM generations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return &g, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Generation, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM generations WHERE user_id = $1`, userID); err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}

	items := make([]*Generation, 0)
	err := r.db.SelectContext(ctx2, &items, `
		SELECT `+selectColumns+`
		FROM generations
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list generations: %w", err)
	}
	return items, total, nil
}

func (r *PostgresRepository) CountProcessing(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx2, &n, `
		SELECT COUNT(*) FROM generations WHERE user_id = $1 AND status = 'processing'
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("count processing: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) SetOriginalURL(ctx context.Context, id uuid.UUID, url string) error {
	return r.setWhileProcessing(ctx, id, `original_image_url`, url)
}

func (r *PostgresRepository) SetResultURL(ctx context.Context, id uuid.UUID, url string) error {
	return r.setWhileProcessing(ctx, id, `result_image_url`, url)
}

func (r *PostgresRepository) setWhileProcessing(ctx context.Context, id uuid.UUID, column, value string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `
		UPDATE generations SET `+column+` = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, value)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (r *PostgresRepository) ClearURLs(ctx context.Context, id uuid.UUID, original, result bool) error {
	if !original && !result {
		return nil
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE generations
		SET original_image_url = CASE WHEN $2 THEN '' ELSE original_image_url END,
		    result_image_url = CASE WHEN $3 THEN '' ELSE result_image_url END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, original, result)
	if err != nil {
		return fmt.Errorf("clear urls: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `
		UPDATE generations SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *PostgresRepository) ResetForRetry(ctx context.Context, id uuid.UUID, limits Limits) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var userID uuid.UUID
	if err := tx.GetContext(ctx2, &userID, `SELECT user_id FROM generations WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get generation: %w", err)
	}

	_, processing, err := lockCapacity(ctx2, tx, userID)
	if err != nil {
		return err
	}
	if processing >= limits.MaxProcessing {
		return ErrConcurrencyLimit
	}

	res, err := tx.ExecContext(ctx2, `
		UPDATE generations SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("reset generation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotRetriable
	}

	return tx.Commit()
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `DELETE FROM generations WHERE id = $1 AND status <> 'processing'`, id)
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStillProcessing
	}
	return nil
}

func (r *PostgresRepository) Finalize(ctx context.Context, id uuid.UUID, subject SubjectType, entry credit.Entry) (*FinalizeResult, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var g Generation
	err = tx.GetContext(ctx2, &g, `SELECT `+selectColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock generation: %w", err)
	}

	switch g.Status {
	case StatusCompleted:
		return &FinalizeResult{AlreadyCompleted: true}, nil
	case StatusFailed:
		return nil, ErrNotProcessing
	}

	balance, ok, err := r.ledger.TryDebitTx(ctx2, tx, g.UserID, CreditsPerGeneration, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientCredits
	}

	_, err = tx.ExecContext(ctx2, `
		UPDATE generations SET status = 'completed', subject_type = $2, updated_at = NOW()
		WHERE id = $1
	`, id, subject)
	if err != nil {
		return nil, fmt.Errorf("complete generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return &FinalizeResult{Balance: balance}, nil
}
