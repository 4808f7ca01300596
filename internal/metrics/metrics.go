package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds delivery engine Prometheus collectors.
// Params: private registry plus counters/histograms per concern.
// Returns: instrumentation sink shared by engine and HTTP layers.
type Metrics struct {
	registry *prometheus.Registry

	deliveries     *prometheus.CounterVec
	suppressed     *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	acks           prometheus.Counter
	adapterLatency *prometheus.HistogramVec
}

// New creates collectors on a private registry.
// Params: none.
// Returns: metrics sink with process/go collectors pre-registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertdelivery_deliveries_total",
			Help: "Delivery attempts by channel and terminal dispatch status.",
		}, []string{"channel", "status"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertdelivery_suppressed_total",
			Help: "Channel sends skipped by quiet-hours policy.",
		}, []string{"channel"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertdelivery_escalations_total",
			Help: "Escalation cycles by outcome.",
		}, []string{"outcome"}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertdelivery_acknowledgements_total",
			Help: "Acknowledgement calls that marked at least one delivery.",
		}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertdelivery_adapter_send_seconds",
			Help:    "Adapter send latency by channel.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deliveries,
		m.suppressed,
		m.escalations,
		m.acks,
		m.adapterLatency,
	)
	return m
}

// Handler returns the scrape handler for the private registry.
// Params: none.
// Returns: promhttp handler bound to this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDelivery counts one delivery attempt outcome.
// Params: channel key and terminal dispatch status.
// Returns: counter incremented.
func (m *Metrics) ObserveDelivery(channel, status string) {
	m.deliveries.WithLabelValues(channel, status).Inc()
}

// ObserveSuppressed counts one policy-suppressed channel.
// Params: channel key.
// Returns: counter incremented.
func (m *Metrics) ObserveSuppressed(channel string) {
	m.suppressed.WithLabelValues(channel).Inc()
}

// ObserveEscalation counts one escalation cycle outcome.
// Params: outcome label (redispatched, acknowledged, exhausted).
// Returns: counter incremented.
func (m *Metrics) ObserveEscalation(outcome string) {
	m.escalations.WithLabelValues(outcome).Inc()
}

// ObserveAck counts one effective acknowledgement.
// Params: none.
// Returns: counter incremented.
func (m *Metrics) ObserveAck() {
	m.acks.Inc()
}

// ObserveAdapterLatency records one adapter send duration.
// Params: channel key and elapsed duration.
// Returns: histogram observed.
func (m *Metrics) ObserveAdapterLatency(channel string, elapsed time.Duration) {
	m.adapterLatency.WithLabelValues(channel).Observe(elapsed.Seconds())
}
