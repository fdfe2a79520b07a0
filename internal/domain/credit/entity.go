package credit

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TxType defines supported credit transaction types.
type TxType string

const (
	TxTypePurchase   TxType = "purchase"
	TxTypeGeneration TxType = "generation"
	TxTypeRefund     TxType = "refund"
	TxTypeAdjustment TxType = "adjustment"
)

func (t TxType) Valid() bool {
	switch t {
	case TxTypePurchase, TxTypeGeneration, TxTypeRefund, TxTypeAdjustment:
		return true
	}
	return false
}

// Metadata is the structured payload stored with a ledger row (jsonb).
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("credit: unsupported metadata type")
	}
	return json.Unmarshal(raw, m)
}

// Entry describes the ledger row written alongside a balance change.
type Entry struct {
	Type        TxType
	RelatedID   string
	Description string
	Metadata    Metadata
}

// Transaction is a ledger row. Rows are append-only.
type Transaction struct {
	ID           uuid.UUID `db:"id" json:"id"`
	UserID       uuid.UUID `db:"user_id" json:"user_id"`
	Type         TxType    `db:"tx_type" json:"type"`
	Amount       int       `db:"amount" json:"amount"`
	BalanceAfter int       `db:"balance_after" json:"balance_after"`
	RelatedID    *string   `db:"related_id" json:"related_id,omitempty"`
	Description  string    `db:"description" json:"description"`
	Metadata     Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Reconciliation compares a balance with the sum of its ledger.
type Reconciliation struct {
	UserID      uuid.UUID `json:"user_id"`
	Balance     int       `json:"balance"`
	LedgerSum   int       `json:"ledger_sum"`
	Discrepancy int       `json:"discrepancy"`
	Consistent  bool      `json:"consistent"`
}

func NewReconciliation(userID uuid.UUID, balance, ledgerSum int) *Reconciliation {
	return &Reconciliation{
		UserID:      userID,
		Balance:     balance,
		LedgerSum:   ledgerSum,
		Discrepancy: balance - ledgerSum,
		Consistent:  balance == ledgerSum,
	}
}
