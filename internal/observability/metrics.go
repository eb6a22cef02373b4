package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics:
//   - HTTP: latency, traffic and errors of the API
//   - Jobs: registrations, evictions and jobs live on this instance
//   - Pipelines: dispatches, status callbacks and connector calls
//   - Events: router outcomes and queue saturation
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobsRegistered metric.Int64Counter
	JobsEvicted    metric.Int64Counter
	JobsLive       metric.Int64UpDownCounter

	PipelinesTriggered metric.Int64Counter
	StatusUpdates      metric.Int64Counter
	ConnectorDuration  metric.Float64Histogram
	ConnectorCalls     metric.Int64Counter
	CircuitTransitions metric.Int64Counter

	Events         metric.Int64Counter
	EventQueueSize metric.Int64Gauge
}

// NewMetrics creates all metrics on a dedicated Prometheus registry and
// returns the handler that serves it.
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

	meter := provider.Meter("pyris")
	m := &Metrics{meter: meter}
	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobsRegistered = b.counter("jobs_registered_total", "Jobs registered, by kind")
	m.JobsEvicted = b.counter("jobs_evicted_total", "Jobs evicted, by kind and reason (removed or expired)")
	m.JobsLive = b.upDown("jobs_live", "Jobs registered by this instance and not yet evicted")

	m.PipelinesTriggered = b.counter("pipelines_triggered_total", "Pipeline dispatches, by pipeline, variant and success")
	m.StatusUpdates = b.counter("status_updates_total", "Status callbacks applied, by kind, terminated and success")
	m.ConnectorDuration = b.histogram("connector_request_duration_seconds", "Pipeline service request latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.ConnectorCalls = b.counter("connector_requests_total", "Pipeline service requests, by operation and success")
	m.CircuitTransitions = b.counter("connector_circuit_transitions_total", "Circuit breaker transitions, by target state")

	m.Events = b.counter("events_total", "Domain events, by kind and outcome")
	m.EventQueueSize = b.gauge("event_queue_size", "Events waiting for a router worker (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// builder keeps the first instrument creation error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, description string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(description))
	b.keep(err)
	return c
}

func (b *builder) histogram(name, description string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) upDown(name, description string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(description))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, description string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(description))
	b.keep(err)
	return g
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics. route is the matched
// route pattern, empty when nothing matched.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		routeAttr(route),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobRegistered implements registry.Observer.
func (m *Metrics) RecordJobRegistered(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(kindAttr(kind))
	m.JobsRegistered.Add(ctx, 1, attrs)
	m.JobsLive.Add(ctx, 1, attrs)
}

// RecordJobEvicted implements registry.Observer.
func (m *Metrics) RecordJobEvicted(ctx context.Context, kind, reason string) {
	m.JobsEvicted.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), attribute.String(attrReason, reason)))
	m.JobsLive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))
}

// RecordPipelineTriggered records one dispatch to the pipeline service.
func (m *Metrics) RecordPipelineTriggered(ctx context.Context, pipeline, variant string, success bool) {
	m.PipelinesTriggered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrPipeline, pipeline),
		attribute.String(attrVariant, variant),
		successAttr(success),
	))
}

// RecordStatusUpdate records one applied (or failed) status callback.
func (m *Metrics) RecordStatusUpdate(ctx context.Context, kind string, terminated, success bool) {
	m.StatusUpdates.Add(ctx, 1, metric.WithAttributes(
		kindAttr(kind),
		attribute.Bool(attrTerminated, terminated),
		successAttr(success),
	))
}

// RecordConnectorCall records one request to the pipeline service.
func (m *Metrics) RecordConnectorCall(ctx context.Context, operation string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String(attrOperation, operation), successAttr(success))
	m.ConnectorCalls.Add(ctx, 1, attrs)
	m.ConnectorDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCircuitTransition records a circuit breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, state string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrState, state)))
}

// RecordEvent records what the event router did with an event.
func (m *Metrics) RecordEvent(ctx context.Context, kind, outcome string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), attribute.String(attrOutcome, outcome)))
}

// RecordEventQueueSize records the current event queue depth.
func (m *Metrics) RecordEventQueueSize(ctx context.Context, size int64) {
	m.EventQueueSize.Record(ctx, size)
}
