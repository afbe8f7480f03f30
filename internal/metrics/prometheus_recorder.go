package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "previewd"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	jobsEnqueued    prom.Counter
	jobOutcomes     *prom.CounterVec
	buildDuration   prom.Histogram
	stageDuration   *prom.HistogramVec
	stageResults    *prom.CounterVec
	activeWorkers   prom.Gauge
	pushConnections prom.Gauge
	portsClaimed    prom.Gauge
}

var buildBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		jobsEnqueued: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Build jobs accepted into the queue",
		}),
		jobOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Build jobs reaching a terminal state, by status",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Time from claim until the preview is serving",
			Buckets:   buildBuckets,
		}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual worker stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Worker stage result counts by outcome",
		}, []string{"stage", "result"}),
		activeWorkers: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Registered preview workers",
		}),
		pushConnections: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connections",
			Help:      "Open server-sent event connections",
		}),
		portsClaimed: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_claimed",
			Help:      "Preview ports currently claimed",
		}),
	}
	reg.MustRegister(pr.jobsEnqueued, pr.jobOutcomes, pr.buildDuration, pr.stageDuration, pr.stageResults,
		pr.activeWorkers, pr.pushConnections, pr.portsClaimed)
	return pr
}

func (p *PrometheusRecorder) IncJobsEnqueued() { p.jobsEnqueued.Inc() }

func (p *PrometheusRecorder) IncJobOutcome(outcome string) {
	p.jobOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) SetActiveWorkers(n int)   { p.activeWorkers.Set(float64(n)) }
func (p *PrometheusRecorder) SetPushConnections(n int) { p.pushConnections.Set(float64(n)) }
func (p *PrometheusRecorder) SetPortsClaimed(n int)    { p.portsClaimed.Set(float64(n)) }
