// Package metrics holds the Prometheus collectors for intake, the
// generation pipeline and the event transports. All methods are safe on a
// nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plushify"

type Metrics struct {
	registry prometheus.Gatherer

	intakeRejections *prometheus.CounterVec
	pipelineRuns     *prometheus.CounterVec
	pipelineActive   prometheus.Gauge
	stepDuration     *prometheus.HistogramVec
	gateWait         prometheus.Histogram
	reconciliations  *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDuplicate  *prometheus.CounterVec
	creditsDebited   prometheus.Counter
	creditsGranted   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry (plus Go/process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegisterer(reg, reg)
}

// NewWithRegisterer registers collectors on reg; gatherer backs Handler.
func NewWithRegisterer(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		intakeRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "rejections_total",
			Help:      "Submissions rejected before a generation record was created.",
		}, []string{"reason"}),
		pipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal outcome.",
		}, []string{"outcome"}),
		pipelineActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Pipeline runs currently executing.",
		}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of each pipeline step execution.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step", "status"}),
		gateWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for a per-user admission slot.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "signals_total",
			Help:      "Lifecycle signals handled by reconciliation, by signal and result.",
		}, []string{"signal", "result"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Events published by type.",
		}, []string{"type"}),
		eventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "duplicates_total",
			Help:      "Events suppressed because their id was already seen.",
		}, []string{"type"}),
		creditsDebited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "generation_debits_total",
			Help:      "Credits debited for completed generations.",
		}),
		creditsGranted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_granted_total",
			Help:      "Credits added to balances, by ledger entry type.",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IntakeRejected(reason string) {
	if m == nil {
		return
	}
	m.intakeRejections.WithLabelValues(reason).Inc()
}

// RunStarted marks a run active and returns the func that records its outcome.
func (m *Metrics) RunStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.pipelineActive.Inc()
	return func(outcome string) {
		m.pipelineActive.Dec()
		m.pipelineRuns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveStep(step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveGateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.Observe(d.Seconds())
}

func (m *Metrics) Reconciled(signal, result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(signal, result).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDuplicate(eventType string) {
	if m == nil {
		return
	}
	m.eventsDuplicate.WithLabelValues(eventType).Inc()
}

func (m *Metrics) CreditDebited(amount int) {
	if m == nil {
		return
	}
	m.creditsDebited.Add(float64(amount))
}

func (m *Metrics) CreditGranted(txType string, amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsGranted.WithLabelValues(txType).Add(float64(amount))
}
