package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMsg satisfies jetstream.Msg; only the methods the consumer uses are
// implemented.
type fakeMsg struct {
	jetstream.Msg
	data []byte

	mu     sync.Mutex
	acked  int
	termed int
	ackErr error
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "ecommerce.test" }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return m.ackErr
}

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed++
	return nil
}

func (m *fakeMsg) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.termed
}

type fakeHandler struct {
	mu       sync.Mutex
	err      error
	created  []events.OrderCreated
	statuses []events.OrderStatusUpdated
	done     chan struct{}
}

func (h *fakeHandler) HandleOrderCreated(ctx context.Context, ev events.Event, p events.OrderCreated) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, p)
	if h.done != nil {
		h.done <- struct{}{}
	}
	return h.err
}

func (h *fakeHandler) HandleOrderStatusUpdated(ctx context.Context, ev events.Event, p events.OrderStatusUpdated) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, p)
	return h.err
}

func encode(t *testing.T, p events.Payload) []byte {
	t.Helper()
	var ev events.Event
	switch v := p.(type) {
	case events.OrderCreated:
		ev = events.NewOrderCreated(v)
	case events.OrderStatusUpdated:
		ev = events.NewOrderStatusUpdated(v)
	}
	b, err := events.Encode(ev)
	require.NoError(t, err)
	return b
}

func newTestConsumer(h Handler, clock clockwork.Clock) *Consumer {
	cfg := DefaultConfig()
	cfg.Workers = 2
	return New(cfg, h, metrics.NoOp{}, clock)
}

func TestProcess_AcksOnSuccess(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConsumer(h, clockwork.NewFakeClock())
	msg := &fakeMsg{data: encode(t, events.OrderCreated{OrderID: 42, UserID: 7, TotalAmount: 1999})}

	outcome := c.Process(context.Background(), msg)

	assert.Equal(t, OutcomeAcked, outcome)
	acked, termed := msg.counts()
	assert.Equal(t, 1, acked)
	assert.Equal(t, 0, termed)
	require.Len(t, h.created, 1)
	assert.Equal(t, events.Amount(1999), h.created[0].TotalAmount)
}

func TestProcess_DispatchesStatusUpdates(t *testing.T) {
	h := &fakeHandler{}
	c := newTestConsumer(h, clockwork.NewFakeClock())
	msg := &fakeMsg{data: encode(t, events.OrderStatusUpdated{OrderID: 42, OldStatus: "pending", NewStatus: "shipped"})}

	assert.Equal(t, OutcomeAcked, c.Process(context.Background(), msg))
	require.Len(t, h.statuses, 1)
	assert.Equal(t, "shipped", h.statuses[0].NewStatus)
	assert.Empty(t, h.created)
}

func TestProcess_HandlerFailureLeavesMessageUnacked(t *testing.T) {
	h := &fakeHandler{err: errors.New("smtp relay down")}
	c := newTestConsumer(h, clockwork.NewFakeClock())
	msg := &fakeMsg{data: encode(t, events.OrderCreated{OrderID: 42, UserID: 7})}

	outcome := c.Process(context.Background(), msg)

	assert.Equal(t, OutcomeRetry, outcome)
	acked, termed := msg.counts()
	assert.Equal(t, 0, acked)
	assert.Equal(t, 0, termed)
}

func TestProcess_AckFailureIsRetry(t *testing.T) {
	c := newTestConsumer(&fakeHandler{}, clockwork.NewFakeClock())
	msg := &fakeMsg{data: encode(t, events.OrderCreated{OrderID: 42}), ackErr: errors.New("nats: connection closed")}

	assert.Equal(t, OutcomeRetry, c.Process(context.Background(), msg))
}

func TestProcess_PoisonMessagesAreTerminated(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{{`,
		"unknown kind":    `{"event_type":"order.refunded","timestamp":"2024-05-01T10:00:00Z","data":{"order_id":1}}`,
		"missing payload": `{"event_type":"order.created","timestamp":"2024-05-01T10:00:00Z"}`,
		"no order id":     `{"event_type":"order.created","timestamp":"2024-05-01T10:00:00Z","data":{"user_id":1}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			h := &fakeHandler{}
			c := newTestConsumer(h, clockwork.NewFakeClock())
			msg := &fakeMsg{data: []byte(raw)}

			assert.Equal(t, OutcomePoison, c.Process(context.Background(), msg))
			acked, termed := msg.counts()
			assert.Equal(t, 0, acked)
			assert.Equal(t, 1, termed)
			assert.Empty(t, h.created)
		})
	}
}

func TestProcess_HandlerGetsBoundedContext(t *testing.T) {
	c := newTestConsumer(&deadlineHandler{t: t}, clockwork.NewFakeClock())
	msg := &fakeMsg{data: encode(t, events.OrderCreated{OrderID: 1})}
	assert.Equal(t, OutcomeAcked, c.Process(context.Background(), msg))
}

type deadlineHandler struct{ t *testing.T }

func (h *deadlineHandler) HandleOrderCreated(ctx context.Context, ev events.Event, p events.OrderCreated) error {
	_, ok := ctx.Deadline()
	assert.True(h.t, ok)
	return nil
}

func (h *deadlineHandler) HandleOrderStatusUpdated(ctx context.Context, ev events.Event, p events.OrderStatusUpdated) error {
	return nil
}

type fakeConsumeContext struct {
	jetstream.ConsumeContext
	stopped chan struct{}
	once    sync.Once
}

func (f *fakeConsumeContext) Stop() { f.once.Do(func() { close(f.stopped) }) }

type fakeSource struct {
	handler  chan jetstream.MessageHandler
	cc       *fakeConsumeContext
	failures int
}

func (s *fakeSource) Consume(h jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	if s.failures > 0 {
		s.failures--
		return nil, jetstream.ErrConsumerNotFound
	}
	s.handler <- h
	return s.cc, nil
}

func TestRun_RetriesStartupThenConsumes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	h := &fakeHandler{done: make(chan struct{}, 1)}
	c := newTestConsumer(h, clock)

	src := &fakeSource{
		handler: make(chan jetstream.MessageHandler, 1),
		cc:      &fakeConsumeContext{stopped: make(chan struct{})},
	}
	var attempts int
	c.setup = func(ctx context.Context) (messageSource, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("nats: no servers available for connection")
		}
		return src, nil
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.False(t, c.Running())
		clock.Advance(c.config.RetryInterval)
	}

	var deliver jetstream.MessageHandler
	select {
	case deliver = <-src.handler:
	case <-ctx.Done():
		t.Fatal("consumer never attached")
	}
	assert.Equal(t, 3, attempts)

	msg := &fakeMsg{data: encode(t, events.OrderCreated{OrderID: 42})}
	deliver(msg)

	select {
	case <-h.done:
	case <-ctx.Done():
		t.Fatal("message never reached the handler")
	}
	assert.Eventually(t, func() bool {
		acked, _ := msg.counts()
		return acked == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, c.Running())

	stop()
	require.NoError(t, <-done)
	assert.False(t, c.Running())
	select {
	case <-src.cc.stopped:
	default:
		t.Fatal("consume context was not stopped")
	}
}

func TestRun_ReattachesWhenConsumeFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	h := &fakeHandler{done: make(chan struct{}, 1)}
	c := newTestConsumer(h, clock)

	src := &fakeSource{
		handler:  make(chan jetstream.MessageHandler, 1),
		cc:       &fakeConsumeContext{stopped: make(chan struct{})},
		failures: 1,
	}
	var attempts int
	c.setup = func(ctx context.Context) (messageSource, error) {
		attempts++
		return src, nil
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.False(t, c.Running())
	clock.Advance(c.config.RetryInterval)

	var deliver jetstream.MessageHandler
	select {
	case deliver = <-src.handler:
	case <-ctx.Done():
		t.Fatal("consumer never reattached")
	}
	assert.Equal(t, 2, attempts)

	deliver(&fakeMsg{data: encode(t, events.OrderCreated{OrderID: 42})})
	select {
	case <-h.done:
	case <-ctx.Done():
		t.Fatal("message never reached the handler")
	}

	stop()
	assert.NoError(t, <-done)
	assert.False(t, c.Running())
}

func TestRun_CancelDuringStartupReturnsNil(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestConsumer(&fakeHandler{}, clock)
	c.setup = func(ctx context.Context) (messageSource, error) {
		return nil, errors.New("nats: no servers available for connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	assert.NoError(t, <-done)
	assert.False(t, c.Running())
}
