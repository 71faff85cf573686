package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and backend calls take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Jobs in flight, notification queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Traffic, Errors, Saturation)
	JobsSubmitted      metric.Int64Counter
	JobTransitions     metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter
	IndeterminateTotal metric.Int64Counter

	// Backend metrics (Latency, Errors)
	BackendCallDuration metric.Float64Histogram
	BackendErrorsTotal  metric.Int64Counter

	// Notification metrics (Latency, Traffic, Errors, Saturation)
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("ades")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted, by initial status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_status_transitions_total",
		metric.WithDescription("Total number of observed job status changes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs not yet in a terminal status (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.IndeterminateTotal, err = meter.Int64Counter(
		"job_indeterminate_observations_total",
		metric.WithDescription("Total number of backend states with no canonical mapping"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Backend metrics
	m.BackendCallDuration, err = meter.Float64Histogram(
		"backend_call_duration_seconds",
		metric.WithDescription("Backend adapter call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BackendErrorsTotal, err = meter.Int64Counter(
		"backend_errors_total",
		metric.WithDescription("Total number of failed backend adapter calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Status notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total notifications dropped (queue full or closed)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of notifications waiting for delivery (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a new job and the status it was accepted with.
// Jobs that start in a terminal status are not counted as active.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, processID, status string, terminal bool) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(processAttr(processID), jobStatusAttr(status)))
	if !terminal {
		m.JobsActive.Add(ctx, 1, metric.WithAttributes(processAttr(processID)))
	}
}

// RecordJobTransition records a job moving from one status to another.
func (m *Metrics) RecordJobTransition(ctx context.Context, processID, from, to string, terminal bool) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(fromAttr(from), toAttr(to)))
	if terminal {
		m.JobsActive.Add(ctx, -1, metric.WithAttributes(processAttr(processID)))
	}
}

// RecordIndeterminate records a backend state that could not be mapped.
func (m *Metrics) RecordIndeterminate(ctx context.Context, backend string) {
	m.IndeterminateTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordBackendCall records the latency and outcome of one adapter call.
func (m *Metrics) RecordBackendCall(ctx context.Context, backend, op string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), opAttr(op), successAttr(success))
	m.BackendCallDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.BackendErrorsTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), opAttr(op)))
	}
}

// RecordNotifyDelivered records a successful notification with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a notification that exhausted its retries.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
