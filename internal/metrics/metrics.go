// Package metrics collects Prometheus metrics for gateway operations, job
// items, and scheduler runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the gateway's Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	jobItemCounter    *prometheus.CounterVec
	schedulerRuns     *prometheus.CounterVec
	activeJobs        prometheus.Gauge
}

// NewCollector creates the collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		operationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filegate",
			Name:      "operations_total",
			Help:      "Filesystem operations by name and outcome",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filegate",
			Name:      "operation_duration_seconds",
			Help:      "Filesystem operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"operation"}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filegate",
			Name:      "bytes_transferred_total",
			Help:      "Bytes moved through the gateway by direction",
		}, []string{"direction"}),
		jobItemCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filegate",
			Name:      "job_items_total",
			Help:      "Job item outcomes by task type",
		}, []string{"task_type", "outcome"}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filegate",
			Name:      "scheduled_runs_total",
			Help:      "Scheduled task runs by handler and status",
		}, []string{"handler", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "filegate",
			Name:      "active_jobs",
			Help:      "Jobs currently running",
		}),
	}

	registry.MustRegister(
		c.operationCounter,
		c.operationDuration,
		c.bytesTransferred,
		c.jobItemCounter,
		c.schedulerRuns,
		c.activeJobs,
	)
	return c
}

// RecordOperation records one filesystem operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.operationCounter.WithLabelValues(operation, outcome).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBytes records transferred bytes; direction is "in" for uploads or
// "copy" for cross-storage copies.
func (c *Collector) RecordBytes(direction string, n int64) {
	if n > 0 {
		c.bytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordJobItem records one job item outcome.
func (c *Collector) RecordJobItem(taskType, outcome string) {
	c.jobItemCounter.WithLabelValues(taskType, outcome).Inc()
}

// RecordSchedulerRun records one scheduled run.
func (c *Collector) RecordSchedulerRun(handler, status string) {
	c.schedulerRuns.WithLabelValues(handler, status).Inc()
}

// JobStarted and JobFinished track the running-job gauge.
func (c *Collector) JobStarted()  { c.activeJobs.Inc() }
func (c *Collector) JobFinished() { c.activeJobs.Dec() }

// Handler exposes the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
