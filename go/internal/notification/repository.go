package notification

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/storefront/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

//go:embed schema.sql
var schema string

const columns = `id, type, recipient_email, subject, order_id, user_id, event_key, payload, status, error_message, created_at, updated_at`

const upsertQuery = `INSERT INTO notifications (type, recipient_email, subject, order_id, user_id, event_key, payload, status, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (order_id, type, event_key) DO UPDATE SET
    recipient_email = EXCLUDED.recipient_email,
    subject = EXCLUDED.subject,
    payload = EXCLUDED.payload,
    status = EXCLUDED.status,
    error_message = EXCLUDED.error_message,
    updated_at = now()
WHERE notifications.status = 'failed'
RETURNING ` + columns

const getQuery = `SELECT ` + columns + ` FROM notifications WHERE id = $1`

const getByKeyQuery = `SELECT ` + columns + ` FROM notifications WHERE order_id = $1 AND type = $2 AND event_key = $3`

const lockQuery = `SELECT ` + columns + ` FROM notifications WHERE id = $1 FOR UPDATE`

const updateOutcomeQuery = `UPDATE notifications SET status = $2, error_message = $3, updated_at = now()
WHERE id = $1
RETURNING ` + columns

// Repository implements notification data access on database/sql.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create notifications schema: %w", err)
	}
	return nil
}

// Upsert records an attempt. A row that already reached sent is never
// downgraded; the existing row is returned instead.
func (r *Repository) Upsert(ctx context.Context, a Attempt) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, upsertQuery,
		a.Type,
		a.RecipientEmail,
		a.Subject,
		a.OrderID,
		a.UserID,
		a.EventKey,
		sqlutil.ToNullRawMessage(a.Payload),
		a.Status,
		sqlutil.ToSqlString(a.ErrorMessage),
	)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r.GetByKey(ctx, a.OrderID, a.Type, a.EventKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert notification: %w", err)
	}
	return n, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx, getQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *Repository) GetByKey(ctx context.Context, orderID int64, t Type, eventKey string) (*Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx, getByKeyQuery, orderID, t, eventKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification by key: %w", err)
	}
	return n, nil
}

// List returns one page, newest first, and the total matching the filter.
func (r *Repository) List(ctx context.Context, f Filter) ([]Notification, int, error) {
	f = f.normalized()

	var where []string
	var args []any
	if f.Recipient != "" {
		args = append(args, f.Recipient)
		where = append(where, fmt.Sprintf("recipient_email = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OrderID != 0 {
		args = append(args, f.OrderID)
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM notifications%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		columns, clause, len(args)+1, len(args)+2)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, f.PageSize)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, total, nil
}

// WithLockedRow locks the row, lets fn produce a new outcome and stores it
// in the same transaction. Concurrent callers for one id run one at a time.
func (r *Repository) WithLockedRow(ctx context.Context, id int64, fn func(ctx context.Context, n Notification) (Outcome, error)) (*Notification, error) {
	var updated *Notification
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := scanNotification(tx.QueryRowContext(ctx, lockQuery, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock notification: %w", err)
		}

		outcome, err := fn(ctx, *cur)
		if err != nil {
			return err
		}

		updated, err = scanNotification(tx.QueryRowContext(ctx, updateOutcomeQuery,
			id, outcome.Status, sqlutil.ToSqlString(outcome.ErrorMessage)))
		if err != nil {
			return fmt.Errorf("failed to update notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n       Notification
		payload pqtype.NullRawMessage
		errMsg  sql.NullString
	)
	if err := row.Scan(
		&n.ID,
		&n.Type,
		&n.RecipientEmail,
		&n.Subject,
		&n.OrderID,
		&n.UserID,
		&n.EventKey,
		&payload,
		&n.Status,
		&errMsg,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.Payload = sqlutil.FromNullRawMessage(payload)
	n.ErrorMessage = sqlutil.FromSqlStringPtr(errMsg)
	return &n, nil
}
