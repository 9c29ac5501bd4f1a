package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the metrics the pipeline reports.
type Collector interface {
	RecordPublish(eventType, result string)
	RecordConsume(eventType, outcome string)
	RecordNotification(notificationType, status string)
	RecordEmail(template string, success bool, duration time.Duration)
	SetConnections(n int)
	RecordPruned(n int)
}

// NoOp is used when metrics aren't needed
type NoOp struct{}

func (NoOp) RecordPublish(eventType, result string)                            {}
func (NoOp) RecordConsume(eventType, outcome string)                           {}
func (NoOp) RecordNotification(notificationType, status string)                {}
func (NoOp) RecordEmail(template string, success bool, duration time.Duration) {}
func (NoOp) SetConnections(n int)                                              {}
func (NoOp) RecordPruned(n int)                                                {}

// Prometheus implements Collector with client_golang collectors registered
// on the given registerer.
type Prometheus struct {
	published     *prometheus.CounterVec
	consumed      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	emailDuration *prometheus.HistogramVec
	connections   prometheus.Gauge
	pruned        prometheus.Counter
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "order_events_published_total",
			Help: "Order events handed to the broker, by result.",
		}, []string{"event_type", "result"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "order_events_consumed_total",
			Help: "Order event deliveries processed by the notification consumer, by outcome.",
		}, []string{"event_type", "outcome"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_recorded_total",
			Help: "Notification attempts written to the store.",
		}, []string{"type", "status"}),
		emailDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_email_send_seconds",
			Help:    "Time spent rendering and sending one email.",
			Buckets: prometheus.DefBuckets,
		}, []string{"template", "status"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Currently registered realtime connections.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_pruned_total",
			Help: "Connections dropped after a failed send or idle timeout.",
		}),
	}
}

func (m *Prometheus) RecordPublish(eventType, result string) {
	m.published.WithLabelValues(eventType, result).Inc()
}

func (m *Prometheus) RecordConsume(eventType, outcome string) {
	m.consumed.WithLabelValues(eventType, outcome).Inc()
}

func (m *Prometheus) RecordNotification(notificationType, status string) {
	m.notifications.WithLabelValues(notificationType, status).Inc()
}

func (m *Prometheus) RecordEmail(template string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.emailDuration.WithLabelValues(template, status).Observe(duration.Seconds())
}

func (m *Prometheus) SetConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *Prometheus) RecordPruned(n int) {
	m.pruned.Add(float64(n))
}

// Handler exposes the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
