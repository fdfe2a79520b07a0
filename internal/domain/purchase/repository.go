package purchase

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

var ErrNotFound = errors.New("purchase not found")

type Repository interface {
	// Record stores p and credits its owner in one transaction. created is
	// false, and nothing changes, when the order was recorded before.
	Record(ctx context.Context, p *Purchase) (created bool, balance int, err error)
	GetByOrderID(ctx context.Context, orderID string) (*Purchase, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Purchase, int, error)
}

type PostgresRepository struct {
	db     *sqlx.DB
	ledger *credit.Repository
}

func NewRepository(db *sqlx.DB, ledger *credit.Repository) *PostgresRepository {
	return &PostgresRepository{db: db, ledger: ledger}
}

const purchaseColumns = `id, user_id, order_id, checkout_id, product_id, product_name, amount, credits, status, created_at, completed_at`

func (r *PostgresRepository) Record(ctx context.Context, p *Purchase) (bool, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx2, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (:id, :user_id, :order_id, :checkout_id, :product_id, :product_name, :amount, :credits, :status, :created_at, :completed_at)
		ON CONFLICT (order_id) DO NOTHING
	`, p)
	if err != nil {
		return false, 0, fmt.Errorf("insert purchase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, 0, nil
	}

	balance, err := r.ledger.CreditTx(ctx2, tx, p.UserID, p.Credits, LedgerEntry(p))
	if err != nil {
		return false, 0, err
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit purchase: %w", err)
	}
	return true, balance, nil
}

func (r *PostgresRepository) GetByOrderID(ctx context.Context, orderID string) (*Purchase, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Purchase
	err := r.db.GetContext(ctx2, &p, `SELECT `+purchaseColumns+` FROM purchases WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Purchase, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM purchases WHERE user_id = $1`, userID); err != nil {
		return nil, 0, fmt.Errorf("count purchases: %w", err)
	}

	items := make([]*Purchase, 0)
	err := r.db.SelectContext(ctx2, &items, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list purchases: %w", err)
	}
	return items, total, nil
}

// LedgerEntry is the purchase row written with the balance increment.
func LedgerEntry(p *Purchase) credit.Entry {
	return credit.Entry{
		Type:        credit.TxTypePurchase,
		RelatedID:   p.ID.String(),
		Description: "Purchased " + p.ProductName,
		Metadata: credit.Metadata{
			"orderId":     p.OrderID,
			"productId":   p.ProductID,
			"productName": p.ProductName,
		},
	}
}
