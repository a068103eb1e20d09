package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
)

// Prometheus implements Recorder on a dedicated registry so tests can run
// multiple instances without collector collisions.
type Prometheus struct {
	registry *prometheus.Registry

	stageDuration  *prometheus.HistogramVec
	taskDuration   *prometheus.HistogramVec
	recoveryTotal  *prometheus.CounterVec
	checkpointDone prometheus.Counter
	inProgress     prometheus.Gauge
}

// NewPrometheus creates a Prometheus recorder with its own registry.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	p := &Prometheus{
		registry: registry,
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gantry",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time by stage and outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"stage", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gantry",
			Name:      "task_duration_seconds",
			Help:      "Task execution time by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"status"}),
		recoveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "recovery_decisions_total",
			Help:      "Recovery decisions by strategy.",
		}, []string{"strategy"}),
		checkpointDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "checkpoints_appended_total",
			Help:      "Checkpoints appended.",
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "items_in_progress",
			Help:      "Items currently being processed.",
		}),
	}

	registry.MustRegister(p.stageDuration, p.taskDuration, p.recoveryTotal, p.checkpointDone, p.inProgress)
	return p
}

// Compile-time check that Prometheus implements Recorder.
var _ Recorder = (*Prometheus)(nil)

// Handler returns the scrape endpoint handler.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// StageCompleted records one stage execution.
func (p *Prometheus) StageCompleted(stage constants.Stage, outcome domain.Outcome, duration time.Duration) {
	p.stageDuration.WithLabelValues(string(stage), string(outcome)).Observe(duration.Seconds())
}

// TaskCompleted records one task execution.
func (p *Prometheus) TaskCompleted(status constants.TaskStatus, duration time.Duration) {
	p.taskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecoveryDecided records one recovery decision.
func (p *Prometheus) RecoveryDecided(strategy string) {
	p.recoveryTotal.WithLabelValues(strategy).Inc()
}

// CheckpointAppended records one checkpoint write.
func (p *Prometheus) CheckpointAppended() {
	p.checkpointDone.Inc()
}

// ItemsInProgress adjusts the in-progress gauge.
func (p *Prometheus) ItemsInProgress(delta int) {
	p.inProgress.Add(float64(delta))
}
