// Package metrics provides Prometheus metrics collection for the runner
// orchestration engine.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerforge/engine/pkg/version"
)

// Metrics holds all Prometheus collectors exposed by the engine.
type Metrics struct {
	// HTTP metrics (transport/http).
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	// Pipeline metrics (C6 readiness, C7 termination).
	PipelineStageDuration *prometheus.HistogramVec
	PipelineStageFailures *prometheus.CounterVec

	// Allocator metrics (C8).
	AllocationsTotal *prometheus.CounterVec
	ClaimConflicts   prometheus.Counter

	// Pool controller metrics (C9).
	PoolReadyGauge   *prometheus.GaugeVec
	PoolTargetGauge  *prometheus.GaugeVec
	PoolLaunchesTotal *prometheus.CounterVec

	// Reaper metrics (C10).
	ExpiredRunnersTotal prometheus.Counter

	// Database metrics.
	DatabaseQueriesTotal   *prometheus.CounterVec
	DatabaseQueryDuration  *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of in-flight HTTP requests"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of errors by kind"},
			[]string{"service", "kind", "operation"},
		),
		PipelineStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_pipeline_stage_duration_seconds",
				Help:    "Duration of readiness/termination pipeline stages",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pipeline", "stage"},
		),
		PipelineStageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "runner_pipeline_stage_failures_total", Help: "Total pipeline stage failures"},
			[]string{"pipeline", "stage"},
		),
		AllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "runner_allocations_total", Help: "Total allocation requests by path"},
			[]string{"path", "outcome"}, // path: existing|pool|cold_launch
		),
		ClaimConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "runner_claim_conflicts_total", Help: "Total optimistic-claim conflicts on ready runners"},
		),
		PoolReadyGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "runner_pool_ready", Help: "Current count of ready runners per image"},
			[]string{"image_id"},
		),
		PoolTargetGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "runner_pool_target", Help: "Configured pool_size per image"},
			[]string{"image_id"},
		),
		PoolLaunchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "runner_pool_launches_total", Help: "Total replenishment launches issued by the pool controller"},
			[]string{"image_id"},
		),
		ExpiredRunnersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "runner_expired_total", Help: "Total runners reaped for session expiry"},
		),
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "database_queries_total", Help: "Total number of database queries"},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "database_connections_open", Help: "Current number of open database connections"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service build information"},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight, m.ErrorsTotal,
			m.PipelineStageDuration, m.PipelineStageFailures,
			m.AllocationsTotal, m.ClaimConflicts,
			m.PoolReadyGauge, m.PoolTargetGauge, m.PoolLaunchesTotal,
			m.ExpiredRunnersTotal,
			m.DatabaseQueriesTotal, m.DatabaseQueryDuration, m.DatabaseConnectionsOpen,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, version.Version).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request's outcome and latency.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an engine error by kind and operation.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordPipelineStage records a pipeline stage's latency and, on failure, increments the failure counter.
func (m *Metrics) RecordPipelineStage(pipeline, stage string, duration time.Duration, failed bool) {
	m.PipelineStageDuration.WithLabelValues(pipeline, stage).Observe(duration.Seconds())
	if failed {
		m.PipelineStageFailures.WithLabelValues(pipeline, stage).Inc()
	}
}

// RecordAllocation records the outcome of one allocation request (§4.4).
func (m *Metrics) RecordAllocation(path, outcome string) {
	m.AllocationsTotal.WithLabelValues(path, outcome).Inc()
}

// RecordClaimConflict increments the optimistic-claim conflict counter (§5).
func (m *Metrics) RecordClaimConflict() {
	m.ClaimConflicts.Inc()
}

// SetPoolGauges reports the observed/target ready-pool size for one image (§4.5).
func (m *Metrics) SetPoolGauges(imageID string, ready, target int) {
	m.PoolReadyGauge.WithLabelValues(imageID).Set(float64(ready))
	m.PoolTargetGauge.WithLabelValues(imageID).Set(float64(target))
}

// RecordPoolLaunch records one replenishment launch issued by the pool controller.
func (m *Metrics) RecordPoolLaunch(imageID string) {
	m.PoolLaunchesTotal.WithLabelValues(imageID).Inc()
}

// RecordExpiredRunner records one runner reaped for session expiry (C10).
func (m *Metrics) RecordExpiredRunner() {
	m.ExpiredRunnersTotal.Inc()
}

// RecordDatabaseQuery records a database query's outcome and latency.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections reports the current open-connection count.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime reports process uptime since startTime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight HTTP request gauge.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP request gauge.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

// Enabled returns whether Prometheus metrics should be exposed, controlled by METRICS_ENABLED.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes (once) and returns the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, constructing a fallback if uninitialized.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("engine")
	}
	return globalMetrics
}
