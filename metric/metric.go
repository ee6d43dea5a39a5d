// Package metric holds the Prometheus collectors of the runtime. A nil
// *Metrics is valid and records nothing.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scada"

// Metrics are the runtime collectors.
type Metrics struct {
	registry *prometheus.Registry

	tickDuration     prometheus.Histogram
	tickFailures     prometheus.Counter
	pointChanges     prometheus.Counter
	broadcasts       prometheus.Counter
	cursor           prometheus.Gauge
	clientsConnected prometheus.Gauge
	clientsDropped   *prometheus.CounterVec
	activeAlarms     prometheus.Gauge
	eventsLogged     *prometheus.CounterVec
	historianSamples prometheus.Counter
	rollupRows       *prometheus.CounterVec
	purgedRows       *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tick_duration_seconds",
			Help:      "Duration of controller reconciliation ticks",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		tickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tick_failures_total",
			Help:      "Ticks skipped because the controller image was unavailable",
		}),
		pointChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "point_changes_total",
			Help:      "Point values copied from the controller",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Non-empty diffs broadcast to subscribers",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "cursor",
			Help:      "Current change cursor",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "clients_connected",
			Help:      "Number of connected WebSocket clients",
		}),
		clientsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "client_disconnections_total",
			Help:      "Client disconnections by reason",
		}, []string{"reason"}),
		activeAlarms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alarm",
			Name:      "active",
			Help:      "Alarms in the Active state",
		}),
		eventsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "logged_total",
			Help:      "Audit events appended, by type",
		}, []string{"type"}),
		historianSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historian",
			Name:      "samples_total",
			Help:      "Raw samples admitted by the deadband filter",
		}),
		rollupRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historian",
			Name:      "rollup_rows_total",
			Help:      "Rows written by rollup jobs, by tier",
		}, []string{"tier"}),
		purgedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "historian",
			Name:      "purged_rows_total",
			Help:      "Rows removed by retention, by tier",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		m.tickDuration, m.tickFailures, m.pointChanges,
		m.broadcasts, m.cursor, m.clientsConnected, m.clientsDropped,
		m.activeAlarms, m.eventsLogged,
		m.historianSamples, m.rollupRows, m.purgedRows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(d time.Duration, changes int) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.pointChanges.Add(float64(changes))
}

func (m *Metrics) TickFailed() {
	if m == nil {
		return
	}
	m.tickFailures.Inc()
}

func (m *Metrics) Broadcast(cursor uint64) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.cursor.Set(float64(cursor))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

// ClientDisconnected records a disconnection; reason is "closed", "slow" or "timeout".
func (m *Metrics) ClientDisconnected(reason string) {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
	m.clientsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveAlarms(n int) {
	if m == nil {
		return
	}
	m.activeAlarms.Set(float64(n))
}

func (m *Metrics) EventLogged(typ string) {
	if m == nil {
		return
	}
	m.eventsLogged.WithLabelValues(typ).Inc()
}

func (m *Metrics) SamplesStored(n int) {
	if m == nil {
		return
	}
	m.historianSamples.Add(float64(n))
}

func (m *Metrics) RollupRows(tier string, n int64) {
	if m == nil {
		return
	}
	m.rollupRows.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) PurgedRows(tier string, n int64) {
	if m == nil {
		return
	}
	m.purgedRows.WithLabelValues(tier).Add(float64(n))
}
