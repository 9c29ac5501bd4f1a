package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/storefront/go/internal/broker"
	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the order event consumer
type Config struct {
	URL             string
	StreamName      string
	ConsumerName    string
	SubjectPrefix   string
	MaxDeliver      int           // Max delivery attempts
	AckWait         time.Duration // Redelivery delay for un-acked messages
	MaxAckPending   int           // Prefetch: messages in flight before acks
	Workers         int
	MaxReconnects   int
	ReconnectWait   time.Duration
	ConnectTimeout  time.Duration
	RetryInterval   time.Duration // Delay between startup attempts
	HandlerTimeout  time.Duration
	MaxAge          time.Duration
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "ECOMMERCE_EVENTS",
		ConsumerName:    "notification-service",
		SubjectPrefix:   "ecommerce",
		MaxDeliver:      5,
		AckWait:         30 * time.Second,
		MaxAckPending:   10,
		Workers:         10,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ConnectTimeout:  5 * time.Second,
		RetryInterval:   5 * time.Second,
		HandlerTimeout:  25 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// Handler receives decoded order events. A nil return acknowledges the
// message; any error leaves it for redelivery.
type Handler interface {
	HandleOrderCreated(ctx context.Context, ev events.Event, p events.OrderCreated) error
	HandleOrderStatusUpdated(ctx context.Context, ev events.Event, p events.OrderStatusUpdated) error
}

// Delivery is the part of jetstream.Msg the consumer acts on.
type Delivery interface {
	Data() []byte
	Subject() string
	Ack() error
	Term() error
}

var _ Delivery = (jetstream.Msg)(nil)

type Outcome string

const (
	OutcomeAcked  Outcome = "acked"
	OutcomeRetry  Outcome = "retry"
	OutcomePoison Outcome = "poison"
)

// messageSource is the part of jetstream.Consumer Run needs.
type messageSource interface {
	Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error)
}

// Consumer pulls order events from the durable JetStream consumer and feeds
// them to a bounded pool of workers.
type Consumer struct {
	config  Config
	handler Handler
	metrics metrics.Collector
	clock   clockwork.Clock

	setup   func(ctx context.Context) (messageSource, error)
	nc      atomic.Pointer[nats.Conn]
	running atomic.Bool
}

func New(cfg Config, h Handler, m metrics.Collector, clock clockwork.Clock) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = cfg.AckWait
	}
	c := &Consumer{
		config:  cfg,
		handler: h,
		metrics: m,
		clock:   clock,
	}
	c.setup = c.connect
	return c
}

// Running reports whether the consumer is attached and pulling messages.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Connected reports the state of the broker connection.
func (c *Consumer) Connected() bool {
	nc := c.nc.Load()
	return nc != nil && nc.IsConnected()
}

// Run attaches to the broker, retrying every RetryInterval until it
// succeeds, then consumes until ctx is cancelled. A consumer that stops
// pulling is torn down and attached again. Failures are logged and never
// returned.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.Close()
	for {
		src, err := c.start(ctx)
		if err != nil {
			return nil
		}
		err = c.consume(ctx, src)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		log.Error().
			Err(err).
			Dur("retry_in", c.config.RetryInterval).
			Msg("event consumer stopped, reattaching")
		c.Close()
		if !c.wait(ctx) {
			return nil
		}
	}
}

func (c *Consumer) start(ctx context.Context) (messageSource, error) {
	for attempt := 1; ; attempt++ {
		src, err := c.setup(ctx)
		if err == nil {
			return src, nil
		}
		log.Error().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", c.config.RetryInterval).
			Msg("event consumer failed to start")

		if !c.wait(ctx) {
			return nil, ctx.Err()
		}
	}
}

// wait sleeps for RetryInterval and reports false if ctx ended first.
func (c *Consumer) wait(ctx context.Context) bool {
	timer := c.clock.NewTimer(c.config.RetryInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.Chan():
		return true
	}
}

// connect dials NATS and makes sure the stream and durable consumer exist.
func (c *Consumer) connect(ctx context.Context) (messageSource, error) {
	nc, js, err := broker.Connect(broker.ConnConfig{
		URL:            c.config.URL,
		Name:           c.config.ConsumerName,
		MaxReconnects:  c.config.MaxReconnects,
		ReconnectWait:  c.config.ReconnectWait,
		ConnectTimeout: c.config.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	sc := broker.StreamConfig{
		Name:            c.config.StreamName,
		SubjectPrefix:   c.config.SubjectPrefix,
		MaxAge:          c.config.MaxAge,
		Replicas:        c.config.Replicas,
		DuplicateWindow: c.config.DuplicateWindow,
	}
	if err := broker.EnsureStream(ctx, js, sc); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, c.config.StreamName, jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		Description:   "Order notification consumer",
		FilterSubject: sc.SubjectFilter(),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	c.nc.Store(nc)
	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Str("filter", sc.SubjectFilter()).
		Msg("attached JetStream consumer")
	return cons, nil
}

func (c *Consumer) consume(ctx context.Context, src messageSource) error {
	msgCh := make(chan jetstream.Msg, c.config.MaxAckPending)

	consumeCtx, err := src.Consume(func(msg jetstream.Msg) {
		select {
		case msgCh <- msg:
		case <-ctx.Done():
			// not acked, the broker redelivers after AckWait
		}
	}, jetstream.PullMaxMessages(c.config.MaxAckPending))
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	c.running.Store(true)
	defer c.running.Store(false)

	log.Info().
		Str("consumer", c.config.ConsumerName).
		Int("workers", c.config.Workers).
		Msg("event consumer started")

	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go c.worker(ctx, &wg, i, msgCh)
	}
	wg.Wait()

	log.Info().Str("consumer", c.config.ConsumerName).Msg("event consumer stopped")
	return nil
}

func (c *Consumer) worker(ctx context.Context, wg *sync.WaitGroup, workerID int, msgCh <-chan jetstream.Msg) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgCh:
			outcome := c.Process(ctx, msg)
			log.Debug().
				Int("worker_id", workerID).
				Str("subject", msg.Subject()).
				Str("outcome", string(outcome)).
				Msg("event processed")
		}
	}
}

// Process decodes and dispatches one delivery and settles it:
// acked on success, left un-acked when the handler fails, terminated when
// the message can never be processed.
func (c *Consumer) Process(ctx context.Context, d Delivery) Outcome {
	ev, err := events.Decode(d.Data())
	if err != nil {
		return c.poison(d, "unknown", err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
	defer cancel()

	if err := c.dispatch(hctx, ev); err != nil {
		if errors.Is(err, events.ErrUnknownKind) {
			return c.poison(d, string(ev.Kind), err)
		}
		log.Warn().
			Err(err).
			Str("event_type", string(ev.Kind)).
			Int64("order_id", ev.OrderID()).
			Msg("event handler failed, leaving message for redelivery")
		c.metrics.RecordConsume(string(ev.Kind), string(OutcomeRetry))
		return OutcomeRetry
	}

	if err := d.Ack(); err != nil {
		log.Error().
			Err(err).
			Str("event_type", string(ev.Kind)).
			Int64("order_id", ev.OrderID()).
			Msg("failed to ack message")
		c.metrics.RecordConsume(string(ev.Kind), string(OutcomeRetry))
		return OutcomeRetry
	}
	c.metrics.RecordConsume(string(ev.Kind), string(OutcomeAcked))
	return OutcomeAcked
}

func (c *Consumer) dispatch(ctx context.Context, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.OrderCreated:
		return c.handler.HandleOrderCreated(ctx, ev, p)
	case events.OrderStatusUpdated:
		return c.handler.HandleOrderStatusUpdated(ctx, ev, p)
	default:
		return fmt.Errorf("%w: %s", events.ErrUnknownKind, ev.Kind)
	}
}

func (c *Consumer) poison(d Delivery, eventType string, cause error) Outcome {
	log.Error().
		Err(cause).
		Str("subject", d.Subject()).
		Int("size", len(d.Data())).
		Msg("discarding unprocessable event")
	if err := d.Term(); err != nil {
		log.Error().Err(err).Str("subject", d.Subject()).Msg("failed to terminate message")
	}
	c.metrics.RecordConsume(eventType, string(OutcomePoison))
	return OutcomePoison
}

// Close drops the broker connection.
func (c *Consumer) Close() {
	if nc := c.nc.Swap(nil); nc != nil {
		nc.Close()
	}
}
