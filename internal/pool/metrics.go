package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frankli0324/go-httpcore/internal/events"
)

// Metrics counts what happens to the connections of the pools it is
// attached to, through options.Options.Metrics. It is a
// prometheus.Collector and is registered by the caller.
type Metrics struct {
	opened      prometheus.Counter
	closed      prometheus.Counter
	live        prometheus.Gauge
	errors      prometheus.Counter
	unreachable prometheus.Counter
	coalesced   prometheus.Counter
	responses   *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		})
	}
	return &Metrics{
		opened:      counter("connections_opened_total", "Total number of connections opened"),
		closed:      counter("connections_closed_total", "Total number of opened connections closed since"),
		errors:      counter("connection_errors_total", "Total number of connections failed"),
		unreachable: counter("connections_unreachable_total", "Total number of connections that found every address unreachable"),
		coalesced:   counter("connections_coalesced_total", "Total number of connections merged into another"),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections_open",
			Help: "Current number of open connections",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "responses_total",
			Help: "Total number of responses handed to requests",
		}, []string{"result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.opened, m.closed, m.live, m.errors, m.unreachable, m.coalesced, m.responses}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Observe is fed the events of one connection. Close is only expected for
// connections that opened, the pool filters the others out.
func (m *Metrics) Observe(e events.Event) {
	switch e.Kind {
	case events.Open:
		m.opened.Inc()
		m.live.Inc()
	case events.Close:
		m.closed.Inc()
		m.live.Dec()
	case events.Error:
		m.errors.Inc()
	case events.Unreachable:
		m.unreachable.Inc()
	case events.Response:
		if e.Err != nil {
			m.responses.WithLabelValues("error").Inc()
		} else {
			m.responses.WithLabelValues("ok").Inc()
		}
	}
}

func (m *Metrics) Coalesced() { m.coalesced.Inc() }
