package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mcdev12/storefront/go/internal/broker"
	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// ErrDegraded is returned by Publish when the broker was unreachable at
// startup. The event is dropped.
var ErrDegraded = errors.New("event publisher degraded")

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ConnectTimeout  time.Duration
	PublishTimeout  time.Duration
	MaxAge          time.Duration // How long to keep messages
	Replicas        int
	DuplicateWindow time.Duration // Window for duplicate detection
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "ECOMMERCE_EVENTS",
		SubjectPrefix:   "ecommerce",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ConnectTimeout:  5 * time.Second,
		PublishTimeout:  5 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// jetStreamPublisher is the part of jetstream.JetStream Publish needs.
type jetStreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher hands order events to the broker after the owning transaction
// committed. A Publisher without a stream handle is degraded: every Publish
// is a logged no-op.
type Publisher struct {
	nc      *nats.Conn
	js      jetStreamPublisher
	config  Config
	metrics metrics.Collector
}

// New connects and resolves the stream. It never fails; when the broker
// cannot be reached the returned Publisher is degraded for its lifetime.
func New(ctx context.Context, cfg Config, m metrics.Collector) *Publisher {
	p := &Publisher{config: cfg, metrics: m}

	nc, js, err := broker.Connect(broker.ConnConfig{
		URL:            cfg.URL,
		Name:           "order-events-publisher",
		MaxReconnects:  cfg.MaxReconnects,
		ReconnectWait:  cfg.ReconnectWait,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		log.Error().Err(err).Str("url", cfg.URL).Msg("event publisher degraded: broker unreachable, order events will be dropped")
		return p
	}

	ensureCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := broker.EnsureStream(ensureCtx, js, p.streamConfig()); err != nil {
		nc.Close()
		log.Error().Err(err).Str("stream", cfg.StreamName).Msg("event publisher degraded: stream unavailable, order events will be dropped")
		return p
	}

	p.nc = nc
	p.js = js
	log.Info().Str("stream", cfg.StreamName).Str("url", cfg.URL).Msg("event publisher ready")
	return p
}

func newWithJetStream(js jetStreamPublisher, cfg Config, m metrics.Collector) *Publisher {
	return &Publisher{js: js, config: cfg, metrics: m}
}

// Degraded reports whether publishing is disabled.
func (p *Publisher) Degraded() bool {
	return p.js == nil
}

// Connected reports broker connectivity for health checks.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Publish sends one message for ev. It does not retry. Every error it
// returns is non-fatal to the caller: the caller's transaction has already
// committed and must stand.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	kind := string(ev.Kind)
	orderID := ev.OrderID()

	if p.js == nil {
		log.Warn().
			Str("event_type", kind).
			Int64("order_id", orderID).
			Msg("event publisher degraded, dropping event")
		p.metrics.RecordPublish(kind, "dropped")
		return ErrDegraded
	}

	data, err := events.Encode(ev)
	if err != nil {
		p.metrics.RecordPublish(kind, "error")
		return fmt.Errorf("encode event: %w", err)
	}

	eventID := ev.MessageID()
	subject := events.Subject(p.config.SubjectPrefix, ev.Kind)

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{kind},
			"Event-ID":   []string{eventID},
			"Order-ID":   []string{strconv.FormatInt(orderID, 10)},
		},
	},
		jetstream.WithMsgID(eventID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Int64("order_id", orderID).
			Msg("failed to publish order event")
		p.metrics.RecordPublish(kind, "error")
		return fmt.Errorf("publish %s for order %d: %w", kind, orderID, err)
	}

	log.Info().
		Str("subject", subject).
		Str("event_id", eventID).
		Int64("order_id", orderID).
		Uint64("sequence", ack.Sequence).
		Str("stream", ack.Stream).
		Msg("published order event")
	p.metrics.RecordPublish(kind, "ok")
	return nil
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *Publisher) streamConfig() broker.StreamConfig {
	return broker.StreamConfig{
		Name:            p.config.StreamName,
		SubjectPrefix:   p.config.SubjectPrefix,
		MaxAge:          p.config.MaxAge,
		Replicas:        p.config.Replicas,
		DuplicateWindow: p.config.DuplicateWindow,
	}
}
