// Package metrics provides Prometheus metrics instrumentation for the controller.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
type Collector interface {
	// Reconciliation pass metrics
	RecordPassDuration(ctx context.Context, mode, status string, duration time.Duration)
	RecordEntries(ctx context.Context, mode string, count int)
	RecordReconcileError(ctx context.Context, errorType string)
	RecordIngressRules(ctx context.Context, tunnelID string, count int)

	// Cloudflare API metrics
	RecordAPICall(ctx context.Context, method, resource, status string, duration time.Duration)
	RecordAPIError(ctx context.Context, method, errorType string)

	// Docker event metrics
	RecordDockerEvent(ctx context.Context, action string)
}

// Pass mode label values.
const (
	PassModeBatch = "batch"
	PassModeEvent = "event"
)

// Reconcile error type label values.
const (
	ReconcileErrorValidation = "validation"
	ReconcileErrorNotFound   = "not_found"
	ReconcileErrorRemote     = "remote"
)

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	// Reconciliation pass metrics
	passDuration         *prometheus.HistogramVec
	entriesTotal         *prometheus.CounterVec
	reconcileErrorsTotal *prometheus.CounterVec
	ingressRules         *prometheus.GaugeVec

	// Cloudflare API metrics
	apiDuration    *prometheus.HistogramVec
	apiCallsTotal  *prometheus.CounterVec
	apiErrorsTotal *prometheus.CounterVec

	// Docker event metrics
	dockerEventsTotal *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initPassMetrics()
	c.initAPIMetrics()
	c.initDockerMetrics()
	c.register(reg)

	return c
}

// RecordPassDuration records the duration of a reconciliation pass.
func (c *prometheusCollector) RecordPassDuration(
	_ context.Context,
	mode, status string,
	duration time.Duration,
) {
	c.passDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

// RecordEntries records the number of desired-state entries processed.
func (c *prometheusCollector) RecordEntries(_ context.Context, mode string, count int) {
	c.entriesTotal.WithLabelValues(mode).Add(float64(count))
}

// RecordReconcileError records an isolated reconciliation error by type.
func (c *prometheusCollector) RecordReconcileError(_ context.Context, errorType string) {
	c.reconcileErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordIngressRules records the rule count of a tunnel after commit.
func (c *prometheusCollector) RecordIngressRules(_ context.Context, tunnelID string, count int) {
	c.ingressRules.WithLabelValues(tunnelID).Set(float64(count))
}

// RecordAPICall records a Cloudflare API call.
func (c *prometheusCollector) RecordAPICall(
	_ context.Context,
	method, resource, status string,
	duration time.Duration,
) {
	c.apiDuration.WithLabelValues(method, resource).Observe(duration.Seconds())
	c.apiCallsTotal.WithLabelValues(method, resource, status).Inc()
}

// RecordAPIError records a Cloudflare API error.
func (c *prometheusCollector) RecordAPIError(_ context.Context, method, errorType string) {
	c.apiErrorsTotal.WithLabelValues(method, errorType).Inc()
}

// RecordDockerEvent records a consumed container lifecycle event.
func (c *prometheusCollector) RecordDockerEvent(_ context.Context, action string) {
	c.dockerEventsTotal.WithLabelValues(action).Inc()
}

func (c *prometheusCollector) initPassMetrics() {
	c.passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfdocker_pass_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode", "status"},
	)
	c.entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfdocker_entries_total",
			Help: "Total desired-state entries processed",
		},
		[]string{"mode"},
	)
	c.reconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfdocker_reconcile_errors_total",
			Help: "Total isolated reconciliation errors by type",
		},
		[]string{"error_type"},
	)
	c.ingressRules = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfdocker_ingress_rules",
			Help: "Ingress rules per tunnel after the last commit",
		},
		[]string{"tunnel_id"},
	)
}

func (c *prometheusCollector) initAPIMetrics() {
	c.apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfdocker_cloudflare_api_duration_seconds",
			Help:    "Duration of Cloudflare API calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "resource"},
	)
	c.apiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfdocker_cloudflare_api_calls_total",
			Help: "Total Cloudflare API calls",
		},
		[]string{"method", "resource", "status"},
	)
	c.apiErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfdocker_cloudflare_api_errors_total",
			Help: "Total Cloudflare API errors by type",
		},
		[]string{"method", "error_type"},
	)
}

func (c *prometheusCollector) initDockerMetrics() {
	c.dockerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfdocker_docker_events_total",
			Help: "Total container lifecycle events consumed",
		},
		[]string{"action"},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.passDuration,
		c.entriesTotal,
		c.reconcileErrorsTotal,
		c.ingressRules,
		c.apiDuration,
		c.apiCallsTotal,
		c.apiErrorsTotal,
		c.dockerEventsTotal,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordPassDuration is a no-op.
func (c *NoopCollector) RecordPassDuration(_ context.Context, _, _ string, _ time.Duration) {}

// RecordEntries is a no-op.
func (c *NoopCollector) RecordEntries(_ context.Context, _ string, _ int) {}

// RecordReconcileError is a no-op.
func (c *NoopCollector) RecordReconcileError(_ context.Context, _ string) {}

// RecordIngressRules is a no-op.
func (c *NoopCollector) RecordIngressRules(_ context.Context, _ string, _ int) {}

// RecordAPICall is a no-op.
func (c *NoopCollector) RecordAPICall(_ context.Context, _, _, _ string, _ time.Duration) {}

// RecordAPIError is a no-op.
func (c *NoopCollector) RecordAPIError(_ context.Context, _, _ string) {}

// RecordDockerEvent is a no-op.
func (c *NoopCollector) RecordDockerEvent(_ context.Context, _ string) {}
