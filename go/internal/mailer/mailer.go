package mailer

import (
	"context"
	"time"

	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/mail.v2"
)

// Email is a fully rendered message.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, e Email) error
}

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// SMTPSender delivers through a single SMTP relay, one connection per
// message, throttled by a token bucket.
type SMTPSender struct {
	dialer  *mail.Dialer
	from    string
	limiter *rate.Limiter
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	d.StartTLSPolicy = mail.OpportunisticStartTLS

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &SMTPSender{
		dialer:  d,
		from:    cfg.From,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *SMTPSender) Send(ctx context.Context, e Email) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return &SendError{Kind: KindConnection, Err: err}
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", e.To)
	m.SetHeader("Subject", e.Subject)
	m.SetBody("text/plain", e.Text)
	if e.HTML != "" {
		m.AddAlternative("text/html", e.HTML)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return Classify(err)
	}
	return nil
}

// Message asks for one templated email.
type Message struct {
	To       string
	Subject  string
	Template Template
	Data     any
}

// Mailer renders and sends. It makes exactly one delivery attempt and never
// records results; callers own persistence.
type Mailer struct {
	renderer *Renderer
	sender   Sender
	metrics  metrics.Collector
}

func New(r *Renderer, s Sender, m metrics.Collector) *Mailer {
	return &Mailer{renderer: r, sender: s, metrics: m}
}

// RenderAndSend returns nil or a *SendError.
func (m *Mailer) RenderAndSend(ctx context.Context, msg Message) error {
	body, err := m.renderer.Render(msg.Template, msg.Data)
	if err != nil {
		return &SendError{Kind: KindTemplate, Err: err}
	}

	start := time.Now()
	err = m.sender.Send(ctx, Email{
		To:      msg.To,
		Subject: msg.Subject,
		Text:    body.Text,
		HTML:    body.HTML,
	})
	m.metrics.RecordEmail(string(msg.Template), err == nil, time.Since(start))

	if err != nil {
		se := Classify(err)
		log.Error().
			Err(se.Err).
			Str("kind", string(se.Kind)).
			Str("to", msg.To).
			Str("subject", msg.Subject).
			Msg("failed to send email")
		return se
	}

	log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email sent")
	return nil
}
