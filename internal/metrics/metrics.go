package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

const namespace = "chatstream"

// Metrics bundles the Prometheus collectors of the service. Everything is
// registered on a private registry so tests can build as many instances as
// they want without hitting duplicate-registration panics.
//
// Call sites treat a nil *Metrics as "metrics disabled".
type Metrics struct {
	registry *prometheus.Registry

	StreamsStarted   prometheus.Counter
	StreamsCompleted prometheus.Counter
	StreamsErrored   prometheus.Counter
	ActiveStreams    prometheus.Gauge
	StreamDuration   prometheus.Histogram

	ChunksEmitted  prometheus.Counter
	RetryAttempts  prometheus.Counter
	KeepalivesSent prometheus.Counter

	EventsEmitted   *prometheus.CounterVec
	OversizedEvents prometheus.Counter

	UsageRecordsDropped prometheus.Counter
}

// New builds a Metrics instance backed by a fresh registry that also carries
// the standard process, Go runtime and build-info collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		version.NewCollector(namespace),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "started_total",
			Help:      "Number of chat response streams started.",
		}),
		StreamsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "completed_total",
			Help:      "Number of chat response streams that completed cleanly.",
		}),
		StreamsErrored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "errored_total",
			Help:      "Number of chat response streams that ended with an error.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of chat response streams currently in flight.",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of completed chat response streams.",
			Buckets:   prometheus.DefBuckets,
		}),

		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_emitted_total",
			Help:      "Number of chunks emitted by the token stream pipeline.",
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retry_attempts_total",
			Help:      "Number of stream attempts retried after a connection-class failure.",
		}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "keepalives_total",
			Help:      "Number of keepalive signals emitted while streams were idle.",
		}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sse",
			Name:      "events_emitted_total",
			Help:      "Number of SSE events written, partitioned by event kind.",
		}, []string{"kind"}),
		OversizedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sse",
			Name:      "oversized_events_total",
			Help:      "Number of events dropped for exceeding the message size limit.",
		}),

		UsageRecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "records_dropped_total",
			Help:      "Number of usage records dropped because the queue was full.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
