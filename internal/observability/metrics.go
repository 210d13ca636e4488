package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "dockerjobs"

// Metrics holds the orchestrator, dispatcher and HTTP instruments. It
// implements orchestrator.MetricsRecorder and dispatcher.MetricsRecorder.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Jobs
	JobsLaunched       metric.Int64Counter
	LaunchFailures     metric.Int64Counter
	JobsTerminal       metric.Int64Counter
	JobRuntime         metric.Float64Histogram
	JobsStopped        metric.Int64Counter
	ContainersRunning  metric.Int64Gauge
	ContainersExited   metric.Int64Gauge
	CycleDuration      metric.Float64Histogram
	ContainerDeleteErr metric.Int64Counter

	// Dispatcher
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates all instruments on a Prometheus-backed meter provider
// and returns the handler serving them. Each call uses its own registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(meterName)
	m := &Metrics{provider: provider}
	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsLaunched = b.counter("jobs_launched_total", "Total number of job containers started")
	m.LaunchFailures = b.counter("job_launch_failures_total", "Total number of failed container launches")
	m.JobsTerminal = b.counter("jobs_terminal_total", "Total number of jobs reaching a terminal state")
	m.JobRuntime = b.histogram("job_runtime_seconds", "Job runtime in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600)
	m.JobsStopped = b.counter("jobs_stopped_total", "Total number of jobs stopped by an operator")
	m.ContainersRunning = b.gauge("containers_running", "Managed containers running at the last cycle")
	m.ContainersExited = b.gauge("containers_exited", "Managed containers exited at the last cycle")
	m.CycleDuration = b.histogram("orchestrator_cycle_duration_seconds", "Orchestration cycle duration in seconds",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.ContainerDeleteErr = b.counter("container_delete_failures_total", "Total number of failed container deletions")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Event delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of events in dispatcher queue")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// builder keeps the first instrument creation error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordJobLaunched(ctx context.Context, queue string) {
	m.JobsLaunched.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

func (m *Metrics) RecordLaunchFailure(ctx context.Context, queue string) {
	m.LaunchFailures.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

// RecordJobTerminal records a job reaching state with its runtime.
func (m *Metrics) RecordJobTerminal(ctx context.Context, queue, state string, runtimeSeconds int64) {
	attrs := metric.WithAttributes(queueAttr(queue), stateAttr(state))
	m.JobsTerminal.Add(ctx, 1, attrs)
	m.JobRuntime.Record(ctx, float64(runtimeSeconds), attrs)
}

func (m *Metrics) RecordJobStopped(ctx context.Context, queue string) {
	m.JobsStopped.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

// RecordContainers records the managed container counts seen by a cycle.
func (m *Metrics) RecordContainers(ctx context.Context, queue string, running, exited int) {
	attrs := metric.WithAttributes(queueAttr(queue))
	m.ContainersRunning.Record(ctx, int64(running), attrs)
	m.ContainersExited.Record(ctx, int64(exited), attrs)
}

func (m *Metrics) RecordCycle(ctx context.Context, queue string, d time.Duration, failed bool) {
	m.CycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(queueAttr(queue), resultAttr(failed)))
}

func (m *Metrics) RecordContainerDeleteFailure(ctx context.Context) {
	m.ContainerDeleteErr.Add(ctx, 1)
}

// RecordEventDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordEventDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(typeAttr(eventType))
	m.DispatcherDelivered.Add(ctx, 1, attrs)
	m.DispatcherDuration.Record(ctx, durationSeconds, attrs)
}

func (m *Metrics) RecordEventFailed(ctx context.Context, eventType string) {
	m.DispatcherFailed.Add(ctx, 1, metric.WithAttributes(typeAttr(eventType)))
}

func (m *Metrics) RecordEventDropped(ctx context.Context, reason string) {
	m.DispatcherDropped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

func (m *Metrics) RecordEventRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
