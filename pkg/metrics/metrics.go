// Package metrics exposes bridge counters and job timings in Prometheus
// format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskbridge/pkg/bus"
)

const namespace = "taskbridge"

// Ingress outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeInvalid   = "invalid"
	OutcomeForbidden = "forbidden"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	ingressEvents *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	tasks         *prometheus.CounterVec
	replies       *prometheus.CounterVec
}

// New registers all collectors, including Go runtime and process metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ingressEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingress_events_total",
				Help:      "Webhook deliveries by source, event type and outcome",
			},
			[]string{"source", "type", "outcome"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Finished background jobs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_events_total",
				Help:      "Task correlation events by type",
			},
			[]string{"type"},
		),
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_posted_total",
				Help:      "Assistant turns posted back to chat by platform",
			},
			[]string{"platform"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IngressEvent counts one webhook delivery.
func (m *Metrics) IngressEvent(source, eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.ingressEvents.WithLabelValues(source, eventType, outcome).Inc()
}

// ObserveJob records a finished job. It matches bus.Options.OnFinish.
func (m *Metrics) ObserveJob(result bus.Result) {
	outcome := "ok"
	switch {
	case result.Err == nil:
	case errors.Is(result.Err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}

	kind := string(result.Job.Kind)
	m.jobs.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(result.Duration.Seconds())
}

// ObserveEvent counts task and reply events published on the bus.
func (m *Metrics) ObserveEvent(event bus.Event) {
	switch event.Type {
	case bus.EventTaskCreated, bus.EventTaskContinued, bus.EventTaskUntracked:
		m.tasks.WithLabelValues(string(event.Type)).Inc()
	case bus.EventReplyPosted:
		m.replies.WithLabelValues(platformOf(event.Key)).Inc()
	}
}

// RegisterQueueGauges exposes queue depth and capacity read at scrape time.
func (m *Metrics) RegisterQueueGauges(pending, capacity func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_jobs",
			Help:      "Jobs waiting for a worker",
		}, func() float64 { return float64(pending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_capacity_jobs",
			Help:      "Job queue buffer size",
		}, func() float64 { return float64(capacity()) }),
	)
}

// platformOf extracts the platform from a platform:channel:thread key.
func platformOf(threadKey string) string {
	platform, _, ok := strings.Cut(threadKey, ":")
	if !ok || platform == "" {
		return "unknown"
	}
	return platform
}
