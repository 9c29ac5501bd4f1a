package events

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an order event on the wire.
type Kind string

const (
	KindOrderCreated       Kind = "order.created"
	KindOrderStatusUpdated Kind = "order.status.updated"
)

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("storefront/order-events"))

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrMalformed   = errors.New("malformed event")
)

// Kinds lists every kind the pipeline understands.
func Kinds() []Kind {
	return []Kind{KindOrderCreated, KindOrderStatusUpdated}
}

// ParseKind maps a wire event_type to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindOrderCreated:
		return KindOrderCreated, nil
	case KindOrderStatusUpdated:
		return KindOrderStatusUpdated, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	Kind() Kind
	// DedupeKey is stable across redeliveries of the same logical event.
	DedupeKey() string
	payload()
}

// Event is an immutable fact about an order. Consumers must assume it can
// arrive more than once.
type Event struct {
	Kind       Kind
	OccurredAt time.Time
	Payload    Payload
}

// Item is the line item snapshot taken when the order was placed.
type Item struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	Price       Amount `json:"price"`
}

// Subtotal is price times quantity.
func (i Item) Subtotal() Amount {
	return i.Price.Mul(i.Quantity)
}

type OrderCreated struct {
	OrderID     int64  `json:"order_id"`
	UserID      int64  `json:"user_id"`
	UserEmail   string `json:"user_email"`
	TotalAmount Amount `json:"total_amount"`
	Status      string `json:"status"`
	Items       []Item `json:"items"`
}

func (OrderCreated) Kind() Kind { return KindOrderCreated }
func (OrderCreated) DedupeKey() string { return string(KindOrderCreated) }
func (OrderCreated) payload() {}

type OrderStatusUpdated struct {
	OrderID   int64  `json:"order_id"`
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	UpdatedBy string `json:"updated_by"`
}

func (OrderStatusUpdated) Kind() Kind { return KindOrderStatusUpdated }

func (p OrderStatusUpdated) DedupeKey() string {
	return fmt.Sprintf("%s:%s->%s", KindOrderStatusUpdated, p.OldStatus, p.NewStatus)
}

func (OrderStatusUpdated) payload() {}

// NewOrderCreated stamps an order.created event with the current UTC time.
func NewOrderCreated(p OrderCreated) Event {
	return Event{Kind: KindOrderCreated, OccurredAt: time.Now().UTC(), Payload: p}
}

// NewOrderStatusUpdated stamps an order.status.updated event with the current UTC time.
func NewOrderStatusUpdated(p OrderStatusUpdated) Event {
	return Event{Kind: KindOrderStatusUpdated, OccurredAt: time.Now().UTC(), Payload: p}
}

// OrderID returns the order the event refers to.
func (e Event) OrderID() int64 {
	switch p := e.Payload.(type) {
	case OrderCreated:
		return p.OrderID
	case OrderStatusUpdated:
		return p.OrderID
	default:
		return 0
	}
}

// MessageID is derived from the event's content, so publishing the same
// event twice yields the same id and the broker drops the second copy.
func (e Event) MessageID() string {
	name := string(e.Kind) + "|" + strconv.FormatInt(e.OrderID(), 10)
	if e.Payload != nil {
		name += "|" + e.Payload.DedupeKey()
	}
	name += "|" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
	return uuid.NewSHA1(messageNamespace, []byte(name)).String()
}
