package orders

import (
	"errors"
	"time"

	"github.com/mcdev12/storefront/go/internal/events"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("order status cannot be changed")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Terminal statuses accept no further changes.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDelivered
}

// Order is a placed order with its line item snapshots.
type Order struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	UserEmail   string        `json:"-"`
	Status      Status        `json:"status"`
	TotalAmount events.Amount `json:"total_amount"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Items       []Item        `json:"items"`
}

type Item struct {
	ID           int64         `json:"id"`
	OrderID      int64         `json:"order_id"`
	ProductID    int64         `json:"product_id"`
	ProductName  string        `json:"product_name"`
	ProductPrice events.Amount `json:"product_price"`
	Quantity     int           `json:"quantity"`
	Subtotal     events.Amount `json:"subtotal"`
	CreatedAt    time.Time     `json:"created_at"`
}

// User identifies the caller as forwarded by the gateway.
type User struct {
	ID    int64
	Email string
}

// LineRequest is one requested product and quantity.
type LineRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// NewOrder is what the repository persists for a validated order.
type NewOrder struct {
	UserID      int64
	UserEmail   string
	TotalAmount events.Amount
	Items       []Item
}

// eventItems converts line items to their event snapshot form.
func eventItems(items []Item) []events.Item {
	out := make([]events.Item, 0, len(items))
	for _, it := range items {
		out = append(out, events.Item{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.ProductPrice,
		})
	}
	return out
}
