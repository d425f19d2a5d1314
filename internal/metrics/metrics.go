// Package metrics exposes Prometheus collectors for the correlation
// pipeline: ingest envelopes processed per engine/tenant, checkpoints
// written, events dispatched onto the event stream, and the reactor's
// per-handler dispatch counts and latency. A single registry is built
// once at Init; the package-level Record* wrappers no-op before Init
// runs so components can be constructed before metrics wiring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the registered collectors for one process.
type Collectors struct {
	registry *prometheus.Registry

	envelopesTotal   *prometheus.CounterVec
	parseErrorsTotal *prometheus.CounterVec
	checkpointsTotal *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	handlerLatency   *prometheus.HistogramVec
	engineOffset     *prometheus.GaugeVec

	uptime prometheus.GaugeFunc
}

var (
	active    *Collectors
	startTime = time.Now()
)

var defaultLatencyBuckets = []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000}

// Init builds and registers the process's collector set under namespace.
// Safe to call once per process; Record*/Observe* calls before Init are
// no-ops so components can be constructed before metrics wiring runs.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,

		envelopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_total",
			Help: "Ingest envelopes processed by the engine.",
		}, []string{"engine", "tenant", "record_type"}),

		parseErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parse_errors_total",
			Help: "Syslog records that failed to parse and were skipped.",
		}, []string{"engine", "tenant"}),

		checkpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_total",
			Help: "Snapshot checkpoints written by the engine.",
		}, []string{"engine", "reason"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Events dispatched by modules onto the event stream.",
		}, []string{"engine", "tenant", "class"}),

		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reactor_dispatch_total",
			Help: "Events routed from the reactor to a handler, by outcome.",
		}, []string{"reactor", "tenant", "handler", "result"}),

		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_milliseconds",
			Help: "Handler process_event duration in milliseconds.", Buckets: defaultLatencyBuckets,
		}, []string{"reactor", "handler"}),

		engineOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "engine_source_offset",
			Help: "Last source stream offset checkpointed by the engine.",
		}, []string{"engine"}),
	}

	c.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Time since process start.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	registry.MustRegister(
		c.envelopesTotal, c.parseErrorsTotal, c.checkpointsTotal,
		c.eventsTotal, c.dispatchTotal, c.handlerLatency, c.engineOffset, c.uptime,
	)
	active = c
}

// RecordEnvelope counts one ingest envelope processed by engine/tenant.
func RecordEnvelope(engine, tenant, recordType string) {
	if active == nil {
		return
	}
	active.envelopesTotal.WithLabelValues(engine, tenant, recordType).Inc()
}

// RecordParseError counts one unparseable syslog record.
func RecordParseError(engine, tenant string) {
	if active == nil {
		return
	}
	active.parseErrorsTotal.WithLabelValues(engine, tenant).Inc()
}

// RecordCheckpoint counts one snapshot write, tagged with why it fired
// (e.g. "events", "first-envelope", "interval-envelopes",
// "interval-minutes", "shutdown").
func RecordCheckpoint(engine, reason string) {
	if active == nil {
		return
	}
	active.checkpointsTotal.WithLabelValues(engine, reason).Inc()
}

// RecordEvent counts one event appended to the event stream.
func RecordEvent(engine, tenant, class string) {
	if active == nil {
		return
	}
	active.eventsTotal.WithLabelValues(engine, tenant, class).Inc()
}

// RecordDispatch counts one reactor->handler routing decision.
func RecordDispatch(reactor, tenant, handler, result string) {
	if active == nil {
		return
	}
	active.dispatchTotal.WithLabelValues(reactor, tenant, handler, result).Inc()
}

// ObserveHandlerDuration records how long a handler's ProcessEvent took.
func ObserveHandlerDuration(reactor, handler string, d time.Duration) {
	if active == nil {
		return
	}
	active.handlerLatency.WithLabelValues(reactor, handler).Observe(float64(d.Milliseconds()))
}

// SetEngineOffset publishes the engine's last checkpointed source offset.
func SetEngineOffset(engine string, offset int64) {
	if active == nil {
		return
	}
	active.engineOffset.WithLabelValues(engine).Set(float64(offset))
}

// Handler returns the scrape endpoint; it answers 503 before Init runs.
func Handler() http.Handler {
	if active == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(active.registry, promhttp.HandlerOpts{})
}

// ServeHTTP blocks serving the scrape endpoint on addr. Callers
// typically run it in its own goroutine from a daemon's main.
func ServeHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
