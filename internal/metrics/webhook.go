package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics instruments the webhook pipeline. Counters are labeled by
// provider and event type; the histogram spans acknowledgment to terminal
// state.
type WebhookMetrics struct {
	received  *prometheus.CounterVec
	processed *prometheus.CounterVec
	errored   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

var labels = []string{"provider", "event_type"}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Webhook deliveries acknowledged after signature verification.",
		}, labels),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Webhook deliveries that reached the processed state.",
		}, labels),
		errored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_errored_total",
			Help: "Failed webhook handler attempts.",
		}, labels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "webhook_processing_duration_seconds",
			Help: "Time from acknowledgment to a terminal delivery state.",
			// retries can take 336s end to end
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, labels),
	}
	reg.MustRegister(m.received, m.processed, m.errored, m.duration)
	return m
}

func (m *WebhookMetrics) Received(provider, eventType string) {
	m.received.WithLabelValues(provider, eventType).Inc()
}

func (m *WebhookMetrics) Processed(provider, eventType string) {
	m.processed.WithLabelValues(provider, eventType).Inc()
}

func (m *WebhookMetrics) Errored(provider, eventType string) {
	m.errored.WithLabelValues(provider, eventType).Inc()
}

func (m *WebhookMetrics) ObserveDuration(provider, eventType string, d time.Duration) {
	m.duration.WithLabelValues(provider, eventType).Observe(d.Seconds())
}
