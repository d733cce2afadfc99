// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records all Prometheus metrics for a process.
// One collector per process; handlers and services share it.
type Collector struct {
	// Job lifecycle.
	jobsEnqueued     *prometheus.CounterVec
	jobsClaimed      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	leaseExpiries    prometheus.Counter
	queueDepth       *prometheus.GaugeVec

	// Execution.
	claimLatency  prometheus.Histogram
	nodeDuration  *prometheus.HistogramVec
	runDuration   *prometheus.HistogramVec
	checkpointAge prometheus.Histogram

	// Resilience.
	breakerState *prometheus.GaugeVec

	// Fleet.
	robotsOnline prometheus.Gauge

	// HTTP surface.
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Database.
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg; a nil reg uses the
// default registerer. Tests pass a fresh registry so metric names do not
// collide across cases.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.jobsEnqueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
		[]string{"workflow_ref"},
	)
	c.jobsClaimed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of job claims granted",
		},
		[]string{"workflow_ref"},
	)
	c.jobsCompleted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		},
		[]string{"workflow_ref"},
	)
	c.jobsFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed job attempts",
		},
		[]string{"workflow_ref", "error_class"},
	)
	c.jobsDeadLettered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"workflow_ref"},
	)
	c.leaseExpiries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expiries_total",
			Help:      "Total number of claimed jobs returned to the queue by lease expiry",
		},
	)
	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs per status",
		},
		[]string{"status"},
	)

	c.claimLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_latency_seconds",
			Help:      "Latency of one claim attempt",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Duration of one workflow node execution",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node_kind"},
	)
	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of one workflow run",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_ref", "status"},
	)
	c.checkpointAge = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_interval_seconds",
			Help:      "Interval between consecutive checkpoint saves",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
		},
		[]string{"endpoint"},
	)

	c.robotsOnline = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robots_online",
			Help:      "Number of routable robots in the fleet",
		},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordEnqueue records one enqueued job.
func (c *Collector) RecordEnqueue(workflowRef string) {
	c.jobsEnqueued.WithLabelValues(workflowRef).Inc()
}

// RecordClaim records a granted claim and its latency.
func (c *Collector) RecordClaim(workflowRef string, latency time.Duration) {
	c.jobsClaimed.WithLabelValues(workflowRef).Inc()
	c.claimLatency.Observe(latency.Seconds())
}

// RecordClaimMiss records a claim attempt that found no job.
func (c *Collector) RecordClaimMiss(latency time.Duration) {
	c.claimLatency.Observe(latency.Seconds())
}

// RecordCompletion records one successfully completed job.
func (c *Collector) RecordCompletion(workflowRef string) {
	c.jobsCompleted.WithLabelValues(workflowRef).Inc()
}

// RecordFailure records one failed attempt by error class.
func (c *Collector) RecordFailure(workflowRef, errorClass string) {
	c.jobsFailed.WithLabelValues(workflowRef, errorClass).Inc()
}

// RecordDeadLetter records one dead-lettered job.
func (c *Collector) RecordDeadLetter(workflowRef string) {
	c.jobsDeadLettered.WithLabelValues(workflowRef).Inc()
}

// RecordLeaseExpiries adds released leases from one sweep.
func (c *Collector) RecordLeaseExpiries(n int64) {
	c.leaseExpiries.Add(float64(n))
}

// SetQueueDepth sets the gauge for one status.
func (c *Collector) SetQueueDepth(status string, depth int64) {
	c.queueDepth.WithLabelValues(status).Set(float64(depth))
}

// RecordNodeExecution records one node's execution duration.
func (c *Collector) RecordNodeExecution(nodeKind string, duration time.Duration) {
	c.nodeDuration.WithLabelValues(nodeKind).Observe(duration.Seconds())
}

// RecordRun records one workflow run.
func (c *Collector) RecordRun(workflowRef, status string, duration time.Duration) {
	c.runDuration.WithLabelValues(workflowRef, status).Observe(duration.Seconds())
}

// RecordCheckpointInterval records the gap since the previous save.
func (c *Collector) RecordCheckpointInterval(gap time.Duration) {
	c.checkpointAge.Observe(gap.Seconds())
}

// SetBreakerState sets the per-endpoint breaker gauge. 0 closed, 1
// half-open, 2 open.
func (c *Collector) SetBreakerState(endpoint string, state int) {
	c.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

// SetRobotsOnline sets the fleet gauge.
func (c *Collector) SetRobotsOnline(n int64) {
	c.robotsOnline.Set(float64(n))
}

// RecordHTTPRequest records one API request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBConnections records pool connection counts.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
