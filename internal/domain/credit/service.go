package credit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
)

// Service exposes ledger reads and operator adjustments.
type Service struct {
	ledger  Ledger
	metrics *metrics.Metrics
}

func NewService(ledger Ledger, m *metrics.Metrics) *Service {
	return &Service{ledger: ledger, metrics: m}
}

// AdjustRequest is an operator initiated balance change.
type AdjustRequest struct {
	UserID uuid.UUID
	// Type is TxTypeAdjustment (either sign) or TxTypeRefund (positive).
	Type      TxType
	Amount    int
	Reason    string
	AdminID   uuid.UUID
	RelatedID string
}

// Adjust applies a manual ledger entry. Negative adjustments go through
// TryDebit, so they can never drive a balance below zero.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (int, error) {
	if req.Type != TxTypeAdjustment && req.Type != TxTypeRefund {
		return 0, ErrInvalidType
	}
	if req.Amount == 0 || (req.Type == TxTypeRefund && req.Amount < 0) {
		return 0, ErrInvalidAmount
	}

	entry := Entry{
		Type:        req.Type,
		RelatedID:   req.RelatedID,
		Description: req.Reason,
		Metadata: Metadata{
			"adminId": req.AdminID.String(),
			"reason":  req.Reason,
		},
	}
	if entry.Description == "" {
		entry.Description = fmt.Sprintf("Manual %s", req.Type)
	}

	l := logger.FromContext(ctx)

	if req.Amount > 0 {
		balance, err := s.ledger.Credit(ctx, req.UserID, req.Amount, entry)
		if err != nil {
			return 0, err
		}
		s.metrics.CreditGranted(string(req.Type), req.Amount)
		l.Info().
			Str("user_id", req.UserID.String()).
			Str("admin_id", req.AdminID.String()).
			Str("type", string(req.Type)).
			Int("amount", req.Amount).
			Int("balance", balance).
			Msg("Credits adjusted")
		return balance, nil
	}

	balance, ok, err := s.ledger.TryDebit(ctx, req.UserID, -req.Amount, entry)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInsufficientCredits
	}
	l.Info().
		Str("user_id", req.UserID.String()).
		Str("admin_id", req.AdminID.String()).
		Int("amount", req.Amount).
		Int("balance", balance).
		Msg("Credits adjusted")
	return balance, nil
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.ledger.GetBalance(ctx, userID)
}

func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, p Pagination) ([]Transaction, int, error) {
	return s.ledger.ListTransactions(ctx, userID, p.Normalize())
}

// VerifyBalance reports whether the balance equals the ledger sum and
// logs an error when it does not.
func (s *Service) VerifyBalance(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	rec, err := s.ledger.VerifyBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		logger.FromContext(ctx).Error().
			Str("user_id", userID.String()).
			Int("balance", rec.Balance).
			Int("ledger_sum", rec.LedgerSum).
			Msg("Ledger does not match balance")
	}
	return rec, nil
}
