package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
)

// Publisher hands events to the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.Event) error
}

type Service struct {
	repo    Repository
	bus     Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(repo Repository, bus Publisher, m *metrics.Metrics) *Service {
	return &Service{repo: repo, bus: bus, metrics: m, now: time.Now}
}

// Accept queues a paid order for processing.
func (s *Service) Accept(ctx context.Context, order OrderPaid) error {
	evt, err := eventbus.NewEvent(OrderEventID(order.OrderID), EventOrderPaid, order)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, evt)
}

// Result of processing one order.
type Result struct {
	Purchase         *Purchase
	Balance          int
	AlreadyProcessed bool
}

// Process records the order and credits the package. Processing an order
// id a second time changes nothing.
func (s *Service) Process(ctx context.Context, order OrderPaid) (*Result, error) {
	if order.OrderID == "" || order.UserID == uuid.Nil {
		return nil, ErrInvalidOrder
	}
	if order.ProductID == "" {
		return nil, ErrMissingProduct
	}
	product, ok := ProductByID(order.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, order.ProductID)
	}

	now := s.now().UTC()
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	p := &Purchase{
		ID:          uuid.New(),
		UserID:      order.UserID,
		OrderID:     order.OrderID,
		CheckoutID:  order.CheckoutID,
		ProductID:   product.ID,
		ProductName: product.Name,
		Amount:      order.Amount,
		Credits:     product.Credits,
		Status:      StatusCompleted,
		CreatedAt:   createdAt,
		CompletedAt: &now,
	}

	created, balance, err := s.repo.Record(ctx, p)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := s.repo.GetByOrderID(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		return &Result{Purchase: existing, AlreadyProcessed: true}, nil
	}

	s.metrics.CreditGranted(string(credit.TxTypePurchase), p.Credits)
	return &Result{Purchase: p, Balance: balance}, nil
}

// HandleOrderPaid is the order.paid consumer. Orders that can never be
// processed are logged and dropped instead of redelivered.
func (s *Service) HandleOrderPaid(ctx context.Context, evt eventbus.Event) error {
	var order OrderPaid
	if err := evt.Decode(&order); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("event_id", evt.ID).Msg("Dropping malformed order event")
		return nil
	}

	ctx, l := logger.WithFields(ctx, "order_id", order.OrderID, "user_id", order.UserID.String())

	res, err := s.Process(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrMissingProduct),
		errors.Is(err, ErrUnknownProduct),
		errors.Is(err, credit.ErrUserNotFound):
		l.Error().Err(err).Str("product_id", order.ProductID).Msg("Purchase cannot be processed")
		return nil
	default:
		return err
	}

	if res.AlreadyProcessed {
		l.Info().Msg("Purchase already processed")
		return nil
	}
	l.Info().
		Str("product", res.Purchase.ProductName).
		Int("credits", res.Purchase.Credits).
		Int("balance", res.Balance).
		Msg("Purchase credited")
	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, p credit.Pagination) ([]*Purchase, int, error) {
	p = p.Normalize()
	return s.repo.ListByUser(ctx, userID, p.Limit, p.Offset)
}
