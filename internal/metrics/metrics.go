// Package metrics provides Prometheus-compatible instrumentation for the
// gateway process itself: session counts, attach latency, and broadcast
// fan-out, independent of any CDP domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdpgateway"

// Collector holds the gateway's Prometheus metrics.
type Collector struct {
	BrowsersActive   prometheus.Gauge
	PagesActive      prometheus.Gauge
	SessionsActive   prometheus.Gauge
	Connections      prometheus.Gauge
	TargetsCreated   prometheus.Counter
	TargetsDestroyed prometheus.Counter
	AttachLatency    prometheus.Histogram
	EventsBroadcast  prometheus.Counter
	RequestsRouted   prometheus.Counter
	RequestErrors    *prometheus.CounterVec
}

// New creates and registers a Collector against its own registry, so
// multiple gateway instances in the same process (as in tests) don't
// collide on the default global registry.
func New() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c := &Collector{
		BrowsersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "browsers_active", Help: "Number of live browsers in the fleet store.",
		}),
		PagesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pages_active", Help: "Number of live pages across all browsers.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Number of attached debugger sessions.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active", Help: "Number of open WebSocket client connections.",
		}),
		TargetsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "targets_created_total", Help: "Total Target.targetCreated events emitted.",
		}),
		TargetsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "targets_destroyed_total", Help: "Total Target.targetDestroyed events emitted.",
		}),
		AttachLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "attach_latency_seconds", Help: "Time from attachToTarget to a ready session.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "debugger_events_broadcast_total", Help: "Total debugger events fanned out to sessions.",
		}),
		RequestsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_routed_total", Help: "Total CDP requests routed to a debugger binding.",
		}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_errors_total", Help: "Total CDP error responses by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		c.BrowsersActive, c.PagesActive, c.SessionsActive, c.Connections,
		c.TargetsCreated, c.TargetsDestroyed, c.AttachLatency,
		c.EventsBroadcast, c.RequestsRouted, c.RequestErrors,
	)
	return c, reg
}

// Handler returns the Prometheus scrape handler for this collector's registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
