package purchase

import (
	"time"

	"github.com/google/uuid"
)

// EventOrderPaid is published by the webhook for every paid order.
const EventOrderPaid = "order.paid"

// OrderEventID de-duplicates deliveries of the same order.
func OrderEventID(orderID string) string {
	return "order-" + orderID
}

// OrderPaid is the order.paid payload.
type OrderPaid struct {
	OrderID    string    `json:"orderId"`
	CheckoutID string    `json:"checkoutId,omitempty"`
	UserID     uuid.UUID `json:"userId"`
	ProductID  string    `json:"productId"`
	// Amount in cents.
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

const StatusCompleted = "completed"

// Purchase is a processed order.
type Purchase struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	OrderID     string     `db:"order_id" json:"order_id"`
	CheckoutID  string     `db:"checkout_id" json:"checkout_id,omitempty"`
	ProductID   string     `db:"product_id" json:"product_id"`
	ProductName string     `db:"product_name" json:"product_name"`
	Amount      int        `db:"amount" json:"amount"`
	Credits     int        `db:"credits" json:"credits"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
