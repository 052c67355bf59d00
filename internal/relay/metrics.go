package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the relay's instrumentation. Each relay instance carries its
// own registry so tests can run several instances in one process.
type metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	eventsForwarded  *prometheus.CounterVec
	accessDenied     *prometheus.CounterVec
	upstreamFailures prometheus.Counter
}

func newMetrics() *metrics {

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of currently active feed sessions.",
		}),
		eventsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_forwarded_total",
			Help: "Feed events forwarded to subscribers, by kind.",
		}, []string{"kind"}),
		accessDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_access_denied_total",
			Help: "Monitoring requests denied, by reason.",
		}, []string{"reason"}),
		upstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_failures_total",
			Help: "Upstream connection attempts that failed.",
		}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
