// Package metrics exposes escrow command and fund-flow counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements escrow.Recorder.
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	fundsMoved      *prometheus.CounterVec
	sweepRefunds    prometheus.Counter
	httpRequests    *prometheus.CounterVec
	outboxPublished prometheus.Counter
	gatherer        prometheus.Gatherer
}

// New registers the escrow collectors on reg. A nil reg gets a private
// registry, which keeps tests from colliding on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_commands_total",
				Help: "Escrow instructions processed, by outcome kind",
			},
			[]string{"instruction", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_command_duration_seconds",
				Help:    "Escrow instruction latency including storage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instruction"},
		),
		fundsMoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_funds_moved_base_units_total",
				Help: "Base units moved into or out of escrow custody",
			},
			[]string{"kind", "asset"},
		),
		sweepRefunds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_sweep_refunds_total",
				Help: "Orders refunded by the expiry sweep",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_http_requests_total",
				Help: "HTTP requests served, by route pattern and status",
			},
			[]string{"method", "route", "status"},
		),
		outboxPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_outbox_published_total",
				Help: "Outbox messages handed to the publisher",
			},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.commandsTotal, m.commandDuration, m.fundsMoved, m.sweepRefunds, m.httpRequests, m.outboxPublished)
	return m
}

func (m *Metrics) ObserveCommand(instruction, outcome string, elapsed time.Duration) {
	m.commandsTotal.WithLabelValues(instruction, outcome).Inc()
	m.commandDuration.WithLabelValues(instruction).Observe(elapsed.Seconds())
}

func (m *Metrics) AddFunds(kind, asset string, amount uint64) {
	m.fundsMoved.WithLabelValues(kind, asset).Add(float64(amount))
}

func (m *Metrics) AddSweepRefunds(n int) {
	m.sweepRefunds.Add(float64(n))
}

func (m *Metrics) AddOutboxPublished(n int) {
	m.outboxPublished.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
