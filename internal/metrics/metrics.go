package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/devblac/xchain-relay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for relay passes and alerts.
type Metrics struct {
	passes        prometheus.Counter
	ticksSkipped  prometheus.Counter
	forwarded     prometheus.Counter
	held          prometheus.Counter
	failures      *prometheus.CounterVec
	passDuration  prometheus.Histogram
	cursor        *prometheus.GaugeVec
	alertsSent    prometheus.Counter
	alertsDropped prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

var _ relay.Reporter = (*Metrics)(nil)

// Init initializes global metrics on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xchain_relay_passes_total",
			Help: "Total number of completed relay passes",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xchain_relay_ticks_skipped_total",
			Help: "Timer ticks dropped because a pass was still running",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xchain_relay_events_forwarded_total",
			Help: "Events confirmed on their destination chain",
		}),
		held: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xchain_relay_events_held_total",
			Help: "Discovered events left for a later pass",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xchain_relay_failures_total",
			Help: "Recovered failures by kind and chain",
		}, []string{"kind", "chain"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xchain_relay_pass_duration_seconds",
			Help:    "Wall time of relay passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xchain_relay_cursor_height",
			Help: "Last relayed block per chain and lane",
		}, []string{"chain", "lane"}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xchain_relay_alerts_sent_total",
			Help: "Total number of alerts sent to sinks",
		}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xchain_relay_alerts_dropped_total",
			Help: "Total number of alerts dropped (dedupe/rate-limit)",
		}),
	}
	reg.MustRegister(
		m.passes,
		m.ticksSkipped,
		m.forwarded,
		m.held,
		m.failures,
		m.passDuration,
		m.cursor,
		m.alertsSent,
		m.alertsDropped,
	)
	return m
}

// PassCompleted records the outcome of a relay pass.
func (m *Metrics) PassCompleted(_ context.Context, rep relay.Report) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.forwarded.Add(float64(rep.Forwarded))
	m.held.Add(float64(rep.Held))
	m.passDuration.Observe(rep.Duration.Seconds())
	for _, f := range rep.Failures {
		m.failures.WithLabelValues(string(f.Kind), f.Chain).Inc()
	}
	for _, adv := range rep.Advanced {
		m.cursor.WithLabelValues(adv.Chain, adv.Lane.String()).Set(float64(adv.To))
	}
}

// TickSkipped increments the dropped tick counter.
func (m *Metrics) TickSkipped(context.Context) {
	if m != nil {
		m.ticksSkipped.Inc()
	}
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsDropped increments the alerts dropped counter.
func (m *Metrics) AlertsDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
