// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/matching/engine"
)

// Registry bundles a private prometheus registry with the engine's
// collectors so two services in one process never collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	eventsAppended  *prometheus.CounterVec
	serviceLatency  *prometheus.HistogramVec
	executorRuns    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	callbacksSent   *prometheus.CounterVec
	jobsConsumed    *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.eventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkflow",
		Subsystem: "history",
		Name:      "events_appended_total",
		Help:      "History events appended, by event type.",
	}, []string{"event_type"})

	r.serviceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkflow",
		Name:      "service_operation_seconds",
		Help:      "Latency of service operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"operation"})

	r.executorRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkflow",
		Subsystem: "worker",
		Name:      "executor_runs_total",
		Help:      "Executor invocations, by node type and outcome.",
	}, []string{"node_type", "outcome"})

	r.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "linkflow",
		Subsystem: "worker",
		Name:      "breaker_open",
		Help:      "1 when the circuit breaker for a dependency is open.",
	}, []string{"dependency"})

	r.callbacksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkflow",
		Subsystem: "frontend",
		Name:      "callbacks_total",
		Help:      "Callbacks delivered to the control plane, by kind and outcome.",
	}, []string{"kind", "outcome"})

	r.jobsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkflow",
		Subsystem: "frontend",
		Name:      "jobs_total",
		Help:      "Job envelopes consumed from the ingress stream, by outcome.",
	}, []string{"outcome"})

	r.reg.MustRegister(
		r.eventsAppended,
		r.serviceLatency,
		r.executorRuns,
		r.breakerState,
		r.callbacksSent,
		r.jobsConsumed,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordEventAppended implements the history metrics hook.
func (r *Registry) RecordEventAppended(eventType types.EventType) {
	r.eventsAppended.WithLabelValues(eventType.String()).Inc()
}

// RecordServiceLatency implements the history metrics hook.
func (r *Registry) RecordServiceLatency(operation string, d time.Duration) {
	r.serviceLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordExecutorRun counts one executor invocation.
func (r *Registry) RecordExecutorRun(nodeType, outcome string) {
	r.executorRuns.WithLabelValues(nodeType, outcome).Inc()
}

// SetBreakerOpen flips the open gauge for a dependency.
func (r *Registry) SetBreakerOpen(dependency string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	r.breakerState.WithLabelValues(dependency).Set(v)
}

// RecordCallback counts one control-plane callback.
func (r *Registry) RecordCallback(kind, outcome string) {
	r.callbacksSent.WithLabelValues(kind, outcome).Inc()
}

// RecordJob counts one consumed job envelope.
func (r *Registry) RecordJob(outcome string) {
	r.jobsConsumed.WithLabelValues(outcome).Inc()
}

// QueueStatsSource yields per-queue counters; the matching service
// implements it.
type QueueStatsSource interface {
	AllQueueStats() map[string]*engine.MetricsSnapshot
}

// queueCollector converts matching's internal counters into prometheus
// metrics on scrape, avoiding double bookkeeping on the hot dispatch path.
type queueCollector struct {
	source QueueStatsSource

	added        *prometheus.Desc
	dispatched   *prometheus.Desc
	completed    *prometheus.Desc
	failed       *prometheus.Desc
	deadLettered *prometheus.Desc
	leasesLost   *prometheus.Desc
	dispatchLag  *prometheus.Desc
}

// RegisterQueueStats attaches a matching service's queue counters to the
// registry.
func (r *Registry) RegisterQueueStats(source QueueStatsSource) {
	labels := []string{"queue"}
	r.reg.MustRegister(&queueCollector{
		source: source,
		added: prometheus.NewDesc(
			"linkflow_matching_tasks_added_total", "Tasks enqueued.", labels, nil),
		dispatched: prometheus.NewDesc(
			"linkflow_matching_tasks_dispatched_total", "Tasks leased to pollers.", labels, nil),
		completed: prometheus.NewDesc(
			"linkflow_matching_tasks_completed_total", "Tasks acked complete.", labels, nil),
		failed: prometheus.NewDesc(
			"linkflow_matching_tasks_failed_total", "Tasks nacked by pollers.", labels, nil),
		deadLettered: prometheus.NewDesc(
			"linkflow_matching_tasks_dead_lettered_total", "Tasks moved to the DLQ.", labels, nil),
		leasesLost: prometheus.NewDesc(
			"linkflow_matching_leases_expired_total", "Leases reclaimed from dead pollers.", labels, nil),
		dispatchLag: prometheus.NewDesc(
			"linkflow_matching_dispatch_delay_seconds", "Average enqueue-to-lease delay.", labels, nil),
	})
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.added
	ch <- c.dispatched
	ch <- c.completed
	ch <- c.failed
	ch <- c.deadLettered
	ch <- c.leasesLost
	ch <- c.dispatchLag
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for queue, snap := range c.source.AllQueueStats() {
		ch <- prometheus.MustNewConstMetric(c.added, prometheus.CounterValue, float64(snap.TasksAdded), queue)
		ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(snap.TasksDispatched), queue)
		ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(snap.TasksCompleted), queue)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(snap.TasksFailed), queue)
		ch <- prometheus.MustNewConstMetric(c.deadLettered, prometheus.CounterValue, float64(snap.TasksDeadLettered), queue)
		ch <- prometheus.MustNewConstMetric(c.leasesLost, prometheus.CounterValue, float64(snap.LeasesExpired), queue)
		ch <- prometheus.MustNewConstMetric(c.dispatchLag, prometheus.GaugeValue, snap.AvgDispatchDelay.Seconds(), queue)
	}
}
