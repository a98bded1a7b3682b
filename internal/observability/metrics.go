package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	JobsSubmitted     prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	JobsActive        prometheus.Gauge
	SynthesisAttempts *prometheus.CounterVec
	SynthesisInflight prometheus.Gauge
	SynthesisLatency  prometheus.Histogram
	AssemblyLatency   prometheus.Histogram
	CleanupEvictions  prometheus.Counter

	registry *prometheus.Registry
	stages   *stageWindow
}

// NewMetrics registers instruments on a private registry so several
// instances (tests) can coexist.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_submitted_total",
			Help:      "Conversions accepted for processing.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_finished_total",
			Help:      "Conversions reaching a terminal status, by status.",
		}, []string{"status"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversions_active",
			Help:      "Conversions currently being dispatched.",
		}),
		SynthesisAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_attempts_total",
			Help:      "Segment synthesis attempts by outcome.",
		}, []string{"outcome"}),
		SynthesisInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synthesis_inflight",
			Help:      "External synthesis calls in flight across all conversions.",
		}),
		SynthesisLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_latency_ms",
			Help:      "Latency of one segment synthesis call in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}),
		AssemblyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembly_latency_ms",
			Help:      "Latency of merging segment audio in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 5000},
		}),
		CleanupEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_evictions_total",
			Help:      "Conversion artifacts removed by cleanup.",
		}),
		registry: reg,
		stages:   newStageWindow(256),
	}
}

func (m *Metrics) ObserveSynthesis(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisAttempts.WithLabelValues(outcome).Inc()
	ms := float64(d.Milliseconds())
	m.SynthesisLatency.Observe(ms)
	m.stages.Observe(StageSynthesisSegment, ms)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
	m.stages.CountOutcome(status)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
