package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/mcdev12/storefront/go/internal/hub"
	"github.com/mcdev12/storefront/go/internal/mailer"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/rs/zerolog/log"
)

// NotificationRepository defines what the app layer needs from the repository
type NotificationRepository interface {
	Upsert(ctx context.Context, a Attempt) (*Notification, error)
	Get(ctx context.Context, id int64) (*Notification, error)
	GetByKey(ctx context.Context, orderID int64, t Type, eventKey string) (*Notification, error)
	List(ctx context.Context, f Filter) ([]Notification, int, error)
	WithLockedRow(ctx context.Context, id int64, fn func(ctx context.Context, n Notification) (Outcome, error)) (*Notification, error)
}

type EmailSender interface {
	RenderAndSend(ctx context.Context, msg mailer.Message) error
}

type Broadcaster interface {
	Notify(eventType, subject, message string, at time.Time) hub.BroadcastResult
}

// App turns order events into emails, records every attempt and pushes
// successful ones to realtime clients.
type App struct {
	repo    NotificationRepository
	mailer  EmailSender
	hub     Broadcaster
	metrics metrics.Collector
	now     func() time.Time
}

func NewApp(repo NotificationRepository, m EmailSender, h Broadcaster, mc metrics.Collector) *App {
	return &App{
		repo:    repo,
		mailer:  m,
		hub:     h,
		metrics: mc,
		now:     time.Now,
	}
}

// delivery is everything needed to send and record one notification.
type delivery struct {
	kind      events.Kind
	ntype     Type
	recipient string
	subject   string
	message   string
	orderID   int64
	userID    int64
	eventKey  string
	payload   events.Payload
	at        time.Time
}

// HandleOrderCreated sends the order confirmation.
func (a *App) HandleOrderCreated(ctx context.Context, ev events.Event, p events.OrderCreated) error {
	return a.deliver(ctx, confirmationDelivery(p, ev.OccurredAt))
}

// HandleOrderStatusUpdated sends the status change email.
func (a *App) HandleOrderStatusUpdated(ctx context.Context, ev events.Event, p events.OrderStatusUpdated) error {
	return a.deliver(ctx, statusDelivery(p, ev.OccurredAt))
}

func confirmationDelivery(p events.OrderCreated, at time.Time) delivery {
	return delivery{
		kind:      events.KindOrderCreated,
		ntype:     TypeOrderConfirmation,
		recipient: RecipientFor(p.UserEmail, p.UserID),
		subject:   fmt.Sprintf("Order #%d Confirmed", p.OrderID),
		message:   fmt.Sprintf("Your order #%d has been confirmed", p.OrderID),
		orderID:   p.OrderID,
		userID:    p.UserID,
		eventKey:  p.DedupeKey(),
		payload:   p,
		at:        at,
	}
}

func statusDelivery(p events.OrderStatusUpdated, at time.Time) delivery {
	return delivery{
		kind:      events.KindOrderStatusUpdated,
		ntype:     TypeOrderStatusUpdate,
		recipient: RecipientFor(p.UserEmail, p.UserID),
		subject:   fmt.Sprintf("Order #%d Status: %s", p.OrderID, mailer.Title(p.NewStatus)),
		message:   fmt.Sprintf("Order #%d status changed from %s to %s", p.OrderID, p.OldStatus, p.NewStatus),
		orderID:   p.OrderID,
		userID:    p.UserID,
		eventKey:  p.DedupeKey(),
		payload:   p,
		at:        at,
	}
}

// RecipientFor falls back to a per-user placeholder address when the event
// carries none.
func RecipientFor(email string, userID int64) string {
	if email != "" {
		return email
	}
	return fmt.Sprintf("user_%d@example.com", userID)
}

func templateFor(t Type) (mailer.Template, error) {
	switch t {
	case TypeOrderConfirmation:
		return mailer.TemplateOrderConfirmation, nil
	case TypeOrderStatusUpdate:
		return mailer.TemplateOrderStatusUpdate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// errAlreadySent aborts a locked redelivery whose row turned sent while the
// caller waited for the lock.
var errAlreadySent = errors.New("notification already sent")

// deliver returns nil only when the attempt is recorded as sent. Any other
// result leaves the triggering message unacknowledged.
func (a *App) deliver(ctx context.Context, d delivery) error {
	tmpl, err := templateFor(d.ntype)
	if err != nil {
		return err
	}

	existing, err := a.repo.GetByKey(ctx, d.orderID, d.ntype, d.eventKey)
	switch {
	case errors.Is(err, ErrNotFound):
		return a.deliverFirst(ctx, d, tmpl)
	case err != nil:
		return fmt.Errorf("look up notification: %w", err)
	case existing.Status == StatusSent:
		a.logDuplicate(d, existing.ID)
		return nil
	default:
		return a.deliverAgain(ctx, d, tmpl, existing.ID)
	}
}

// deliverFirst handles an event with no row yet. The upsert keeps a row
// another worker already marked sent.
func (a *App) deliverFirst(ctx context.Context, d delivery, tmpl mailer.Template) error {
	payload, err := json.Marshal(d.payload)
	if err != nil {
		return fmt.Errorf("marshal payload snapshot: %w", err)
	}

	sendErr := a.send(ctx, d, tmpl)

	n, err := a.repo.Upsert(ctx, Attempt{
		Type:           d.ntype,
		RecipientEmail: d.recipient,
		Subject:        d.subject,
		OrderID:        d.orderID,
		UserID:         d.userID,
		EventKey:       d.eventKey,
		Payload:        payload,
		Outcome:        OutcomeOf(sendErr),
	})
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return a.finish(d, n, sendErr)
}

// deliverAgain re-sends for a failed row while holding its lock, the same
// lock Retry takes, so a redelivery and a manual retry never both send.
func (a *App) deliverAgain(ctx context.Context, d delivery, tmpl mailer.Template, id int64) error {
	var sendErr error
	n, err := a.repo.WithLockedRow(ctx, id, func(ctx context.Context, cur Notification) (Outcome, error) {
		if cur.Status == StatusSent {
			return Outcome{}, errAlreadySent
		}
		sendErr = a.send(ctx, d, tmpl)
		return OutcomeOf(sendErr), nil
	})
	if errors.Is(err, errAlreadySent) {
		a.logDuplicate(d, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return a.finish(d, n, sendErr)
}

func (a *App) send(ctx context.Context, d delivery, tmpl mailer.Template) error {
	return a.mailer.RenderAndSend(ctx, mailer.Message{
		To:       d.recipient,
		Subject:  d.subject,
		Template: tmpl,
		Data:     d.payload,
	})
}

func (a *App) finish(d delivery, n *Notification, sendErr error) error {
	a.metrics.RecordNotification(string(n.Type), string(n.Status))

	if sendErr != nil {
		log.Warn().
			Err(sendErr).
			Int64("order_id", d.orderID).
			Int64("notification_id", n.ID).
			Msg("notification recorded as failed")
		return fmt.Errorf("send %s for order %d: %w", d.ntype, d.orderID, sendErr)
	}

	a.broadcast(d.kind, d.subject, d.message, d.at)
	log.Info().
		Int64("order_id", d.orderID).
		Int64("notification_id", n.ID).
		Str("type", string(d.ntype)).
		Msg("notification sent")
	return nil
}

func (a *App) logDuplicate(d delivery, id int64) {
	log.Info().
		Int64("order_id", d.orderID).
		Int64("notification_id", id).
		Str("type", string(d.ntype)).
		Msg("duplicate delivery, notification already sent")
}

func (a *App) broadcast(kind events.Kind, subject, message string, at time.Time) {
	if at.IsZero() {
		at = a.now()
	}
	res := a.hub.Notify(string(kind), subject, message, at)
	log.Debug().
		Str("event_type", string(kind)).
		Int("delivered", res.Delivered).
		Int("pruned", res.Pruned).
		Msg("notification broadcast")
}

// Record stores an attempt outside the event path.
func (a *App) Record(ctx context.Context, at Attempt) (*Notification, error) {
	n, err := a.repo.Upsert(ctx, at)
	if err != nil {
		return nil, err
	}
	a.metrics.RecordNotification(string(n.Type), string(n.Status))
	return n, nil
}

func (a *App) Get(ctx context.Context, id int64) (*Notification, error) {
	return a.repo.Get(ctx, id)
}

func (a *App) List(ctx context.Context, f Filter) (*ListResult, error) {
	items, total, err := a.repo.List(ctx, f.normalized())
	if err != nil {
		return nil, err
	}
	return &ListResult{Notifications: items, Total: total}, nil
}

// Retry re-sends a failed notification from its stored snapshot and updates
// the same record. The row stays locked for the duration of the send.
func (a *App) Retry(ctx context.Context, id int64) (*Notification, error) {
	var sendErr error

	n, err := a.repo.WithLockedRow(ctx, id, func(ctx context.Context, cur Notification) (Outcome, error) {
		if cur.Status != StatusFailed {
			return Outcome{}, ErrInvalidState
		}

		rd, err := redelivery(cur, a.now())
		if err != nil {
			return Outcome{}, err
		}
		tmpl, err := templateFor(cur.Type)
		if err != nil {
			return Outcome{}, err
		}

		sendErr = a.mailer.RenderAndSend(ctx, mailer.Message{
			To:       cur.RecipientEmail,
			Subject:  cur.Subject,
			Template: tmpl,
			Data:     rd.payload,
		})
		return OutcomeOf(sendErr), nil
	})
	if err != nil {
		return nil, err
	}

	a.metrics.RecordNotification(string(n.Type), string(n.Status))
	if sendErr != nil {
		log.Warn().Err(sendErr).Int64("notification_id", id).Msg("retry failed")
		return n, nil
	}

	d, _ := redelivery(*n, a.now())
	a.broadcast(d.kind, n.Subject, d.message, d.at)
	log.Info().Int64("notification_id", id).Msg("notification retried")
	return n, nil
}

// redelivery rebuilds the delivery from a stored row. Rows without a
// payload snapshot fall back to what the row itself holds.
func redelivery(n Notification, at time.Time) (delivery, error) {
	switch n.Type {
	case TypeOrderConfirmation:
		p := events.OrderCreated{OrderID: n.OrderID, UserID: n.UserID, UserEmail: n.RecipientEmail}
		if len(n.Payload) > 0 {
			if err := json.Unmarshal(n.Payload, &p); err != nil {
				return delivery{}, fmt.Errorf("decode stored payload: %w", err)
			}
		}
		return confirmationDelivery(p, at), nil
	case TypeOrderStatusUpdate:
		p := events.OrderStatusUpdated{OrderID: n.OrderID, UserID: n.UserID, UserEmail: n.RecipientEmail}
		if len(n.Payload) > 0 {
			if err := json.Unmarshal(n.Payload, &p); err != nil {
				return delivery{}, fmt.Errorf("decode stored payload: %w", err)
			}
		}
		return statusDelivery(p, at), nil
	default:
		return delivery{}, fmt.Errorf("%w: %q", ErrUnknownType, n.Type)
	}
}
