package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// Ledger is the sole writer of balances and ledger rows.
type Ledger interface {
	// TryDebit decrements the balance by amount iff it is at least amount,
	// writing the ledger row in the same transaction. ok is false, with no
	// side effects, when the balance is insufficient.
	TryDebit(ctx context.Context, userID uuid.UUID, amount int, entry Entry) (newBalance int, ok bool, err error)
	// Credit increments the balance and writes the ledger row.
	Credit(ctx context.Context, userID uuid.UUID, amount int, entry Entry) (newBalance int, err error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, p Pagination) ([]Transaction, int, error)
	VerifyBalance(ctx context.Context, userID uuid.UUID) (*Reconciliation, error)
}

// Repository implements Ledger on Postgres. The *Tx variants run inside a
// caller owned transaction so a balance change can commit together with
// another write (finalizing a generation, recording a purchase).
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) TryDebit(ctx context.Context, userID uuid.UUID, amount int, entry Entry) (int, bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("%w: begin tx: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	balance, ok, err := r.TryDebitTx(ctx2, tx, userID, amount, entry)
	if err != nil || !ok {
		return balance, ok, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("%w: commit tx: %v", ErrInternal, err)
	}
	return balance, true, nil
}

// TryDebitTx is TryDebit inside tx. The caller commits or rolls back.
func (r *Repository) TryDebitTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, entry Entry) (int, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}

	var balance int
	err := tx.QueryRowxContext(ctx, `
		UPDATE users
		SET credit_balance = credit_balance - $2, updated_at = NOW()
		WHERE id = $1 AND credit_balance >= $2
		RETURNING credit_balance
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		exists, err := userExists(ctx, tx, userID)
		if err != nil {
			return 0, false, err
		}
		if !exists {
			return 0, false, ErrUserNotFound
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: debit balance: %v", ErrInternal, err)
	}

	if err := insertLedger(ctx, tx, userID, -amount, balance, entry); err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (r *Repository) Credit(ctx context.Context, userID uuid.UUID, amount int, entry Entry) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %v", ErrInternal, err)
	}
	defer tx.Rollback()

	balance, err := r.CreditTx(ctx2, tx, userID, amount, entry)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit tx: %v", ErrInternal, err)
	}
	return balance, nil
}

// CreditTx is Credit inside tx. The caller commits or rolls back.
func (r *Repository) CreditTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount int, entry Entry) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int
	err := tx.QueryRowxContext(ctx, `
		UPDATE users
		SET credit_balance = credit_balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING credit_balance
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: credit balance: %v", ErrInternal, err)
	}

	if err := insertLedger(ctx, tx, userID, amount, balance, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int
	err := r.db.GetContext(ctx2, &balance, `SELECT credit_balance FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("%w: get balance: %v", ErrInternal, err)
	}
	return balance, nil
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, p Pagination) ([]Transaction, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	p = p.Normalize()

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_transactions WHERE user_id = $1`, userID); err != nil {
		return nil, 0, fmt.Errorf("%w: count transactions: %v", ErrInternal, err)
	}

	transactions := make([]Transaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, tx_type, amount, balance_after, related_id, description, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list transactions: %v", ErrInternal, err)
	}
	return transactions, total, nil
}

func (r *Repository) VerifyBalance(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row struct {
		Balance   int `db:"credit_balance"`
		LedgerSum int `db:"ledger_sum"`
	}
	err := r.db.GetContext(ctx2, &row, `
		SELECT u.credit_balance, COALESCE(SUM(t.amount), 0) AS ledger_sum
		FROM users u
		LEFT JOIN credit_transactions t ON t.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id, u.credit_balance
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: verify balance: %v", ErrInternal, err)
	}
	return NewReconciliation(userID, row.Balance, row.LedgerSum), nil
}

// CountEntries returns how many rows of txType reference relatedID.
func (r *Repository) CountEntries(ctx context.Context, txType TxType, relatedID string) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx2, &n, `
		SELECT COUNT(*) FROM credit_transactions WHERE tx_type = $1 AND related_id = $2
	`, string(txType), relatedID)
	if err != nil {
		return 0, fmt.Errorf("%w: count entries: %v", ErrInternal, err)
	}
	return n, nil
}

func userExists(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (bool, error) {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID); err != nil {
		return false, fmt.Errorf("%w: lookup user: %v", ErrInternal, err)
	}
	return exists, nil
}

func insertLedger(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, amount, balanceAfter int, entry Entry) error {
	if !entry.Type.Valid() {
		return ErrInvalidType
	}

	description := strings.TrimSpace(entry.Description)
	if description == "" {
		description = "credit balance adjustment"
	}

	var related interface{}
	if entry.RelatedID != "" {
		related = entry.RelatedID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, tx_type, amount, balance_after, related_id, description, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), userID, string(entry.Type), amount, balanceAfter, related, description, entry.Metadata)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("%w: insert transaction: %v", ErrInternal, err)
	}
	return nil
}
