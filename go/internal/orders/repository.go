package orders

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/storefront/go/internal/events"
)

//go:embed schema.sql
var schema string

// Money is stored as NUMERIC(10,2) and carried as cents.
const orderColumns = `id, user_id, user_email, status, (total_amount * 100)::bigint, created_at, updated_at`

const itemColumns = `id, order_id, product_id, product_name, (product_price * 100)::bigint, quantity, (subtotal * 100)::bigint, created_at`

const insertOrderQuery = `INSERT INTO orders (user_id, user_email, status, total_amount)
VALUES ($1, $2, $3, $4::numeric / 100)
RETURNING ` + orderColumns

const insertItemQuery = `INSERT INTO order_items (order_id, product_id, product_name, product_price, quantity, subtotal)
VALUES ($1, $2, $3, $4::numeric / 100, $5, $6::numeric / 100)
RETURNING ` + itemColumns

const getOrderQuery = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

const lockOrderQuery = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

const listOrdersQuery = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1
ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`

const itemsQuery = `SELECT ` + itemColumns + ` FROM order_items WHERE order_id = ANY($1) ORDER BY id`

const updateStatusQuery = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1
RETURNING ` + orderColumns

// DB is the part of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is satisfied by both DB and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements order persistence on pgx.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create orders schema: %w", err)
	}
	return nil
}

// CreateOrder stores the order and its items in one transaction.
func (r *Repository) CreateOrder(ctx context.Context, o NewOrder) (*Order, error) {
	var created *Order
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		order, err := scanOrder(tx.QueryRow(ctx, insertOrderQuery, o.UserID, o.UserEmail, StatusPending, o.TotalAmount.Cents()))
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for _, it := range o.Items {
			item, err := scanItem(tx.QueryRow(ctx, insertItemQuery,
				order.ID, it.ProductID, it.ProductName, it.ProductPrice.Cents(), it.Quantity, it.Subtotal.Cents()))
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
			order.Items = append(order.Items, *item)
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *Repository) GetOrder(ctx context.Context, id int64) (*Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, getOrderQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if err := loadItems(ctx, r.db, []*Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders returns a user's orders newest first.
func (r *Repository) ListOrders(ctx context.Context, userID int64, limit, offset int) ([]Order, error) {
	rows, err := r.db.Query(ctx, listOrdersQuery, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}

	if err := loadItems(ctx, r.db, list); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(list))
	for _, o := range list {
		out = append(out, *o)
	}
	return out, nil
}

// UpdateStatus changes the status under a row lock and returns the updated
// order with its previous status. Terminal orders are rejected.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status Status) (*Order, Status, error) {
	var (
		updated *Order
		old     Status
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		cur, err := scanOrder(tx.QueryRow(ctx, lockOrderQuery, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, id, cur.Status)
		}

		updated, err = scanOrder(tx.QueryRow(ctx, updateStatusQuery, id, status))
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		old = cur.Status
		return loadItems(ctx, tx, []*Order{updated})
	})
	if err != nil {
		return nil, "", err
	}
	return updated, old, nil
}

func loadItems(ctx context.Context, q querier, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(list))
	byID := make(map[int64]*Order, len(list))
	for _, o := range list {
		o.Items = []Item{}
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx, itemsQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Item, error) {
		return scanItem(row)
	})
	if err != nil {
		return fmt.Errorf("failed to scan order items: %w", err)
	}
	for _, it := range items {
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, *it)
		}
	}
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o     Order
		total int64
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.UserEmail, &o.Status, &total, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.TotalAmount = events.Amount(total)
	return &o, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var (
		it              Item
		price, subtotal int64
	)
	if err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &price, &it.Quantity, &subtotal, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.ProductPrice = events.Amount(price)
	it.Subtotal = events.Amount(subtotal)
	return &it, nil
}
