// Package metrics exposes the server's Prometheus collectors. Collectors are
// registered on an explicit registry so tests and multiple servers in one
// process do not collide on the global default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "glyph"

type Metrics struct {
	registry *prometheus.Registry

	clientsConnected prometheus.Gauge
	connections      prometheus.Counter
	messagesDropped  *prometheus.CounterVec

	updates       *prometheus.CounterVec
	roomsActive   prometheus.Gauge
	persistTime   *prometheus.HistogramVec
	schemaCompile prometheus.Counter
	schemaRuns    *prometheus.CounterVec
	templateRuns  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients_connected",
			Help:      "Websocket clients currently connected",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Websocket connections accepted",
		}),
		// Labels: reason (rate_limited, slow_consumer, invalid)
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by the room hub",
		}, []string{"reason"}),
		// Labels: result (applied, rejected)
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "updates_total",
			Help:      "Document updates received by room replicas",
		}, []string{"result"}),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Rooms with a loaded replica",
		}),
		persistTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "persist_duration_seconds",
			Help:      "Time spent persisting room state",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"status"}),
		schemaCompile: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "compiles_total",
			Help:      "Schemas compiled (cache misses)",
		}),
		schemaRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "validations_total",
			Help:      "Schema validations by outcome",
		}, []string{"valid"}),
		templateRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "template",
			Name:      "validations_total",
			Help:      "Template security checks by outcome",
		}, []string{"valid"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.clientsConnected,
		m.connections,
		m.messagesDropped,
		m.updates,
		m.roomsActive,
		m.persistTime,
		m.schemaCompile,
		m.schemaRuns,
		m.templateRuns,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ClientConnected() {
	m.clientsConnected.Inc()
	m.connections.Inc()
}

func (m *Metrics) ClientDisconnected() {
	m.clientsConnected.Dec()
}

func (m *Metrics) MessageDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpdateApplied() {
	m.updates.WithLabelValues("applied").Inc()
}

func (m *Metrics) UpdateRejected() {
	m.updates.WithLabelValues("rejected").Inc()
}

func (m *Metrics) RoomsActive(n int) {
	m.roomsActive.Set(float64(n))
}

func (m *Metrics) ObservePersist(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.persistTime.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) SchemaCompiled() {
	m.schemaCompile.Inc()
}

func (m *Metrics) SchemaValidated(valid bool) {
	m.schemaRuns.WithLabelValues(boolLabel(valid)).Inc()
}

func (m *Metrics) TemplateChecked(valid bool) {
	m.templateRuns.WithLabelValues(boolLabel(valid)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
