package orders

import (
	"context"
	"fmt"

	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/rs/zerolog/log"
)

// OrdersRepository defines what the app layer needs from the repository
type OrdersRepository interface {
	CreateOrder(ctx context.Context, o NewOrder) (*Order, error)
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrders(ctx context.Context, userID int64, limit, offset int) ([]Order, error)
	UpdateStatus(ctx context.Context, id int64, status Status) (*Order, Status, error)
}

type ProductLookup interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// App places orders and announces their lifecycle on the event stream.
type App struct {
	repo      OrdersRepository
	products  ProductLookup
	publisher EventPublisher
}

func NewApp(repo OrdersRepository, products ProductLookup, publisher EventPublisher) *App {
	return &App{
		repo:      repo,
		products:  products,
		publisher: publisher,
	}
}

// CreateOrder validates every line against the catalog, snapshots prices and
// persists the order. order.created is published after the commit; a failed
// publish never fails the order.
func (a *App) CreateOrder(ctx context.Context, user User, lines []LineRequest) (*Order, error) {
	no := NewOrder{UserID: user.ID, UserEmail: user.Email}

	for _, line := range lines {
		p, err := a.products.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if p.StockQuantity < line.Quantity {
			return nil, fmt.Errorf("%w for product %d. Available: %d, requested: %d",
				ErrInsufficientStock, line.ProductID, p.StockQuantity, line.Quantity)
		}

		subtotal := p.Price.Mul(line.Quantity)
		no.TotalAmount += subtotal
		no.Items = append(no.Items, Item{
			ProductID:    line.ProductID,
			ProductName:  p.Name,
			ProductPrice: p.Price,
			Quantity:     line.Quantity,
			Subtotal:     subtotal,
		})
	}

	order, err := a.repo.CreateOrder(ctx, no)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("order_id", order.ID).
		Int64("user_id", order.UserID).
		Str("total", order.TotalAmount.String()).
		Msg("order created")

	a.publish(ctx, events.NewOrderCreated(events.OrderCreated{
		OrderID:     order.ID,
		UserID:      order.UserID,
		UserEmail:   user.Email,
		TotalAmount: order.TotalAmount,
		Status:      string(order.Status),
		Items:       eventItems(order.Items),
	}))
	return order, nil
}

// GetOrder returns the order only to its owner.
func (a *App) GetOrder(ctx context.Context, user User, id int64) (*Order, error) {
	order, err := a.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != user.ID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (a *App) ListOrders(ctx context.Context, user User, limit, offset int) ([]Order, error) {
	return a.repo.ListOrders(ctx, user.ID, limit, offset)
}

// UpdateOrderStatus persists the change and then publishes
// order.status.updated. updatedBy defaults to "system".
func (a *App) UpdateOrderStatus(ctx context.Context, id int64, status Status, updatedBy string) (*Order, error) {
	order, old, err := a.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	if updatedBy == "" {
		updatedBy = "system"
	}
	log.Info().
		Int64("order_id", order.ID).
		Str("old_status", string(old)).
		Str("new_status", string(order.Status)).
		Msg("order status updated")

	a.publish(ctx, events.NewOrderStatusUpdated(events.OrderStatusUpdated{
		OrderID:   order.ID,
		UserID:    order.UserID,
		UserEmail: order.UserEmail,
		OldStatus: string(old),
		NewStatus: string(order.Status),
		UpdatedBy: updatedBy,
	}))
	return order, nil
}

func (a *App) publish(ctx context.Context, ev events.Event) {
	if err := a.publisher.Publish(ctx, ev); err != nil {
		log.Error().
			Err(err).
			Str("event_type", string(ev.Kind)).
			Int64("order_id", ev.OrderID()).
			Msg("failed to publish order event, continuing")
	}
}
