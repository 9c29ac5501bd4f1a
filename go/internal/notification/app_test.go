package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/mcdev12/storefront/go/internal/hub"
	"github.com/mcdev12/storefront/go/internal/mailer"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo mirrors the SQL repository: upsert by key, sent rows are final,
// locked sections run one at a time.
type memRepo struct {
	mu      sync.Mutex
	rowLock sync.Mutex
	nextID  int64
	rows    map[int64]*Notification
	failErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[int64]*Notification)}
}

func (r *memRepo) findByKey(orderID int64, t Type, key string) *Notification {
	for _, n := range r.rows {
		if n.OrderID == orderID && n.Type == t && n.EventKey == key {
			return n
		}
	}
	return nil
}

func (r *memRepo) Upsert(ctx context.Context, a Attempt) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}

	n := r.findByKey(a.OrderID, a.Type, a.EventKey)
	if n == nil {
		r.nextID++
		n = &Notification{ID: r.nextID, OrderID: a.OrderID, Type: a.Type, EventKey: a.EventKey, CreatedAt: time.Now()}
		r.rows[n.ID] = n
	} else if n.Status == StatusSent {
		cp := *n
		return &cp, nil
	}
	n.RecipientEmail = a.RecipientEmail
	n.Subject = a.Subject
	n.UserID = a.UserID
	n.Payload = a.Payload
	n.Status = a.Status
	n.ErrorMessage = a.ErrorMessage
	n.UpdatedAt = time.Now()
	cp := *n
	return &cp, nil
}

func (r *memRepo) Get(ctx context.Context, id int64) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *memRepo) GetByKey(ctx context.Context, orderID int64, t Type, key string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.findByKey(orderID, t, key)
	if n == nil {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *memRepo) List(ctx context.Context, f Filter) ([]Notification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.rows {
		out = append(out, *n)
	}
	return out, len(out), nil
}

func (r *memRepo) WithLockedRow(ctx context.Context, id int64, fn func(ctx context.Context, n Notification) (Outcome, error)) (*Notification, error) {
	r.rowLock.Lock()
	defer r.rowLock.Unlock()

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome, err := fn(ctx, *cur)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.rows[id]
	n.Status = outcome.Status
	n.ErrorMessage = outcome.ErrorMessage
	cp := *n
	return &cp, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []mailer.Message
	errs  []error // consumed in order; nil once exhausted
	delay time.Duration
}

func (m *fakeMailer) RenderAndSend(ctx context.Context, msg mailer.Message) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *fakeMailer) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type notified struct {
	eventType, subject, message string
}

type fakeHub struct {
	mu  sync.Mutex
	got []notified
}

func (h *fakeHub) Notify(eventType, subject, message string, at time.Time) hub.BroadcastResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, notified{eventType, subject, message})
	return hub.BroadcastResult{Delivered: 1}
}

func newTestApp() (*App, *memRepo, *fakeMailer, *fakeHub) {
	repo := newMemRepo()
	m := &fakeMailer{}
	h := &fakeHub{}
	return NewApp(repo, m, h, metrics.NoOp{}), repo, m, h
}

var smtpDown = &mailer.SendError{Kind: mailer.KindConnection, Err: errors.New("dial tcp: connection refused")}

func createdEvent() (events.Event, events.OrderCreated) {
	p := events.OrderCreated{
		OrderID:     42,
		UserID:      7,
		UserEmail:   "ana@example.com",
		TotalAmount: 5997,
		Status:      "pending",
		Items:       []events.Item{{ProductID: 3, ProductName: "Mug", Quantity: 3, Price: 1999}},
	}
	return events.NewOrderCreated(p), p
}

func TestHandleOrderCreated_SendsRecordsAndBroadcasts(t *testing.T) {
	app, repo, m, h := newTestApp()
	ev, p := createdEvent()

	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))

	require.Equal(t, 1, m.calls())
	assert.Equal(t, "ana@example.com", m.sent[0].To)
	assert.Equal(t, "Order #42 Confirmed", m.sent[0].Subject)
	assert.Equal(t, mailer.TemplateOrderConfirmation, m.sent[0].Template)

	n, err := repo.GetByKey(context.Background(), 42, TypeOrderConfirmation, "order.created")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, n.Status)
	assert.Nil(t, n.ErrorMessage)
	assert.Equal(t, int64(7), n.UserID)

	require.Len(t, h.got, 1)
	assert.Equal(t, "order.created", h.got[0].eventType)
	assert.Contains(t, h.got[0].subject, "42")
}

func TestHandleOrderCreated_SendFailureIsRecordedAndReturned(t *testing.T) {
	app, repo, m, h := newTestApp()
	m.errs = []error{smtpDown}
	ev, p := createdEvent()

	err := app.HandleOrderCreated(context.Background(), ev, p)

	require.Error(t, err)
	var se *mailer.SendError
	assert.True(t, errors.As(err, &se))

	n, err := repo.GetByKey(context.Background(), 42, TypeOrderConfirmation, "order.created")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, n.Status)
	require.NotNil(t, n.ErrorMessage)
	assert.Contains(t, *n.ErrorMessage, "connection refused")
	assert.Empty(t, h.got)
}

func TestHandleOrderCreated_RedeliveryUpdatesSameRecord(t *testing.T) {
	app, repo, m, _ := newTestApp()
	m.errs = []error{smtpDown}
	ev, p := createdEvent()

	require.Error(t, app.HandleOrderCreated(context.Background(), ev, p))
	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))

	assert.Equal(t, 1, repo.count())
	n, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, n.Status)
	assert.Nil(t, n.ErrorMessage)
}

func TestHandleOrderCreated_DuplicateAfterSentIsSkipped(t *testing.T) {
	app, repo, m, h := newTestApp()
	ev, p := createdEvent()

	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))
	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))

	assert.Equal(t, 1, m.calls())
	assert.Equal(t, 1, repo.count())
	assert.Len(t, h.got, 1)
}

func TestHandleOrderCreated_RecordFailureIsReturned(t *testing.T) {
	app, repo, _, h := newTestApp()
	repo.failErr = errors.New("database is down")
	ev, p := createdEvent()

	err := app.HandleOrderCreated(context.Background(), ev, p)
	assert.ErrorContains(t, err, "database is down")
	assert.Empty(t, h.got)
}

func TestHandleOrderCreated_MissingEmailUsesPlaceholder(t *testing.T) {
	app, _, m, _ := newTestApp()
	ev, p := createdEvent()
	p.UserEmail = ""

	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))
	assert.Equal(t, "user_7@example.com", m.sent[0].To)
}

func TestHandleOrderStatusUpdated_SubjectAndKey(t *testing.T) {
	app, repo, m, h := newTestApp()
	p := events.OrderStatusUpdated{OrderID: 42, UserID: 7, UserEmail: "ana@example.com", OldStatus: "pending", NewStatus: "shipped", UpdatedBy: "system"}

	require.NoError(t, app.HandleOrderStatusUpdated(context.Background(), events.NewOrderStatusUpdated(p), p))

	assert.Equal(t, "Order #42 Status: Shipped", m.sent[0].Subject)
	assert.Equal(t, mailer.TemplateOrderStatusUpdate, m.sent[0].Template)
	_, err := repo.GetByKey(context.Background(), 42, TypeOrderStatusUpdate, "order.status.updated:pending->shipped")
	assert.NoError(t, err)
	assert.Equal(t, "Order #42 status changed from pending to shipped", h.got[0].message)

	// a later transition of the same order is a separate notification
	next := events.OrderStatusUpdated{OrderID: 42, UserID: 7, UserEmail: "ana@example.com", OldStatus: "shipped", NewStatus: "delivered"}
	require.NoError(t, app.HandleOrderStatusUpdated(context.Background(), events.NewOrderStatusUpdated(next), next))
	assert.Equal(t, 2, repo.count())
}

func failedConfirmation(t *testing.T, app *App, m *fakeMailer) {
	t.Helper()
	m.errs = []error{smtpDown}
	ev, p := createdEvent()
	require.Error(t, app.HandleOrderCreated(context.Background(), ev, p))
}

func TestRetry_FailedBecomesSent(t *testing.T) {
	app, _, m, h := newTestApp()
	failedConfirmation(t, app, m)

	n, err := app.Retry(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, int64(1), n.ID)
	assert.Equal(t, StatusSent, n.Status)
	assert.Nil(t, n.ErrorMessage)

	require.Equal(t, 2, m.calls())
	retried := m.sent[1]
	assert.Equal(t, "Order #42 Confirmed", retried.Subject)
	data, ok := retried.Data.(events.OrderCreated)
	require.True(t, ok)
	assert.Equal(t, "Mug", data.Items[0].ProductName)
	assert.Len(t, h.got, 1)
}

func TestRetry_SentIsInvalidState(t *testing.T) {
	app, _, m, _ := newTestApp()
	ev, p := createdEvent()
	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))

	_, err := app.Retry(context.Background(), 1)

	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, 1, m.calls())
}

func TestRetry_NotFound(t *testing.T) {
	app, _, _, _ := newTestApp()
	_, err := app.Retry(context.Background(), 404)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRetry_UnknownType(t *testing.T) {
	app, repo, m, _ := newTestApp()
	msg := "boom"
	repo.rows[9] = &Notification{ID: 9, Type: Type("sms_receipt"), Status: StatusFailed, ErrorMessage: &msg}

	_, err := app.Retry(context.Background(), 9)

	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.Equal(t, 0, m.calls())
}

func TestRetry_StillFailingKeepsRecordFailed(t *testing.T) {
	app, _, m, h := newTestApp()
	failedConfirmation(t, app, m)
	m.errs = []error{smtpDown}

	n, err := app.Retry(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, n.Status)
	require.NotNil(t, n.ErrorMessage)
	assert.Empty(t, h.got)
}

func TestRetry_WithoutSnapshotUsesRowFields(t *testing.T) {
	app, repo, m, _ := newTestApp()
	msg := "boom"
	repo.rows[3] = &Notification{
		ID: 3, Type: TypeOrderStatusUpdate, Status: StatusFailed, ErrorMessage: &msg,
		OrderID: 42, UserID: 7, RecipientEmail: "ana@example.com", Subject: "Order #42 Status: Shipped",
	}

	n, err := app.Retry(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, n.Status)
	data := m.sent[0].Data.(events.OrderStatusUpdated)
	assert.Equal(t, int64(42), data.OrderID)
}

func TestRetry_ConcurrentCallsSendOnce(t *testing.T) {
	app, _, m, _ := newTestApp()
	failedConfirmation(t, app, m)
	m.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = app.Retry(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	// one initial failed attempt plus exactly one retry
	assert.Equal(t, 2, m.calls())
	invalid := 0
	for _, err := range errs {
		if errors.Is(err, ErrInvalidState) {
			invalid++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, invalid)
}

func TestRedeliveryDuringRetry_SendsOnce(t *testing.T) {
	app, repo, m, h := newTestApp()
	failedConfirmation(t, app, m)
	m.delay = 50 * time.Millisecond
	ev, p := createdEvent()

	var (
		wg       sync.WaitGroup
		retryErr error
		eventErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, retryErr = app.Retry(context.Background(), 1)
	}()
	go func() {
		defer wg.Done()
		eventErr = app.HandleOrderCreated(context.Background(), ev, p)
	}()
	wg.Wait()

	// one initial failed attempt plus exactly one successful send
	assert.Equal(t, 2, m.calls())
	assert.Len(t, h.got, 1)
	assert.NoError(t, eventErr)
	if retryErr != nil {
		assert.True(t, errors.Is(retryErr, ErrInvalidState))
	}

	n, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, n.Status)
	assert.Equal(t, 1, repo.count())
}

func TestHandleOrderCreated_RedeliveryOfFailedRowTakesLock(t *testing.T) {
	app, repo, m, _ := newTestApp()
	failedConfirmation(t, app, m)
	ev, p := createdEvent()

	// the row turns sent while the redelivery waits for the lock
	repo.rowLock.Lock()
	done := make(chan error, 1)
	go func() { done <- app.HandleOrderCreated(context.Background(), ev, p) }()
	time.Sleep(20 * time.Millisecond)
	repo.mu.Lock()
	repo.rows[1].Status = StatusSent
	repo.rows[1].ErrorMessage = nil
	repo.mu.Unlock()
	repo.rowLock.Unlock()

	require.NoError(t, <-done)
	assert.Equal(t, 1, m.calls())
}

func TestList_NormalizesPaging(t *testing.T) {
	app, _, _, _ := newTestApp()
	ev, p := createdEvent()
	require.NoError(t, app.HandleOrderCreated(context.Background(), ev, p))

	res, err := app.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"notifications":[`)
	assert.NotContains(t, string(b), "event_key")
}
