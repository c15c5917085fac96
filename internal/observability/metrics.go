package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the sync engine and the
// simulation backend.
type Metrics struct {
	OpenChannels      prometheus.Gauge
	ChannelEvents     *prometheus.CounterVec
	PushMessages      *prometheus.CounterVec
	DroppedMessages   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PollFallbacks     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		OpenChannels: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Number of live analysis push channels.",
		}),
		ChannelEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Channel lifecycle events by kind.",
		}, []string{"event"}),
		PushMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_messages_total",
			Help:      "Push messages applied to local state by type.",
		}, []string{"type"}),
		DroppedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Push messages dropped by reason.",
		}, []string{"reason"}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts after channel loss.",
		}),
		PollFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fallbacks_total",
			Help:      "Pull-based resync attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) SetOpenChannels(n int) {
	if m == nil {
		return
	}
	m.OpenChannels.Set(float64(n))
}

func (m *Metrics) ObserveReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) ObserveChannelEvent(event string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePushMessage(msgType string) {
	if m == nil {
		return
	}
	m.PushMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ObserveDroppedMessage(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePollFallback(outcome string) {
	if m == nil {
		return
	}
	m.PollFallbacks.WithLabelValues(outcome).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
