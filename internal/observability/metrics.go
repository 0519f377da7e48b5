package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the coordination server's instruments. A zero
// collector (metrics disabled) is safe to call; every record method nil-checks
// its instrument.
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	// Claim protocol
	claimAttempts metric.Int64Counter
	claimLatency  metric.Float64Histogram

	// Worker lifecycle
	workerTransitions metric.Int64Counter
	reassignments     metric.Int64Counter

	// Recurring scheduler
	schedulerTicks metric.Int64Counter
	scheduleFires  metric.Int64Counter
	probeLatency   metric.Float64Histogram

	// Dispatch bus
	busEvents  metric.Int64Counter
	busDropped metric.Int64Counter

	// HTTP server
	httpRequests     metric.Int64Counter
	httpLatency      metric.Float64Histogram
	httpResponseSize metric.Int64Histogram

	// Realtime consumers
	wsConnections  metric.Int64UpDownCounter
	sseConnections metric.Int64UpDownCounter

	// Optional callbacks used by tests to assert instrumentation behavior
	testHooks MetricsTestHooks
}

// MetricsTestHooks exposes callbacks that tests use to assert instrumentation
// without spinning up a full OTel stack.
type MetricsTestHooks struct {
	HTTPServerRequest func(method, route string, status int, duration time.Duration, responseBytes int64)
	ClaimAttempt      func(outcome string, duration time.Duration)
	ScheduleFire      func(outcome string)
	BusEvent          func(channel string, dropped bool)
}

// SetTestHooks registers callbacks invoked whenever the matching metric is
// recorded.
func (m *MetricsCollector) SetTestHooks(hooks MetricsTestHooks) {
	if m == nil {
		return
	}
	m.testHooks = hooks
}

// NewMetricsCollector creates a collector backed by a Prometheus exporter.
// When disabled it returns an inert collector whose methods are no-ops.
func NewMetricsCollector(enabled bool) (*MetricsCollector, error) {
	if !enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("buildd")

	claimAttempts, err := meter.Int64Counter(
		"buildd.claims.total",
		metric.WithDescription("Task claim attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim_attempts counter: %w", err)
	}

	claimLatency, err := meter.Float64Histogram(
		"buildd.claims.latency",
		metric.WithDescription("Claim transaction latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim_latency histogram: %w", err)
	}

	workerTransitions, err := meter.Int64Counter(
		"buildd.workers.transitions.total",
		metric.WithDescription("Worker status transitions by target status"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker_transitions counter: %w", err)
	}

	reassignments, err := meter.Int64Counter(
		"buildd.reassignments.total",
		metric.WithDescription("Task reassignments by trigger"),
		metric.WithUnit("{reassignment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reassignments counter: %w", err)
	}

	schedulerTicks, err := meter.Int64Counter(
		"buildd.scheduler.ticks.total",
		metric.WithDescription("Recurring scheduler sweep iterations"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler_ticks counter: %w", err)
	}

	scheduleFires, err := meter.Int64Counter(
		"buildd.scheduler.fires.total",
		metric.WithDescription("Due schedule firings by outcome"),
		metric.WithUnit("{fire}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule_fires counter: %w", err)
	}

	probeLatency, err := meter.Float64Histogram(
		"buildd.scheduler.probe.latency",
		metric.WithDescription("Trigger probe round trip latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe_latency histogram: %w", err)
	}

	busEvents, err := meter.Int64Counter(
		"buildd.bus.events.total",
		metric.WithDescription("Events published to the dispatch bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus_events counter: %w", err)
	}

	busDropped, err := meter.Int64Counter(
		"buildd.bus.dropped.total",
		metric.WithDescription("Events dropped due to slow subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus_dropped counter: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"buildd.http.requests.total",
		metric.WithDescription("Total HTTP requests handled by the server"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"buildd.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_latency histogram: %w", err)
	}

	httpResponseSize, err := meter.Int64Histogram(
		"buildd.http.response.size",
		metric.WithDescription("HTTP response payload sizes in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_response_size histogram: %w", err)
	}

	wsConnections, err := meter.Int64UpDownCounter(
		"buildd.ws.connections.active",
		metric.WithDescription("Active runner websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws_connections gauge: %w", err)
	}

	sseConnections, err := meter.Int64UpDownCounter(
		"buildd.sse.connections.active",
		metric.WithDescription("Active SSE event stream connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sse_connections gauge: %w", err)
	}

	return &MetricsCollector{
		meter:             meter,
		provider:          provider,
		claimAttempts:     claimAttempts,
		claimLatency:      claimLatency,
		workerTransitions: workerTransitions,
		reassignments:     reassignments,
		schedulerTicks:    schedulerTicks,
		scheduleFires:     scheduleFires,
		probeLatency:      probeLatency,
		busEvents:         busEvents,
		busDropped:        busDropped,
		httpRequests:      httpRequests,
		httpLatency:       httpLatency,
		httpResponseSize:  httpResponseSize,
		wsConnections:     wsConnections,
		sseConnections:    sseConnections,
	}, nil
}

// Handler returns the Prometheus scrape endpoint.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordClaimAttempt records one claim transaction and its outcome
// (claimed, none_eligible, capacity, conflict, error).
func (m *MetricsCollector) RecordClaimAttempt(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.ClaimAttempt; hook != nil {
		hook(outcome, duration)
	}
	if m.claimAttempts == nil {
		return
	}
	m.claimAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.claimLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordWorkerTransition records a worker status change.
func (m *MetricsCollector) RecordWorkerTransition(ctx context.Context, toStatus string) {
	if m == nil || m.workerTransitions == nil {
		return
	}
	m.workerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to_status", toStatus)))
}

// RecordReassignment records a task reassignment (trigger: manual or sweep).
func (m *MetricsCollector) RecordReassignment(ctx context.Context, trigger string) {
	if m == nil || m.reassignments == nil {
		return
	}
	m.reassignments.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSchedulerTick records one scheduler sweep.
func (m *MetricsCollector) RecordSchedulerTick(ctx context.Context) {
	if m == nil || m.schedulerTicks == nil {
		return
	}
	m.schedulerTicks.Add(ctx, 1)
}

// RecordScheduleFire records the outcome of one due schedule
// (instantiated, skipped, probe_failed, paused, error).
func (m *MetricsCollector) RecordScheduleFire(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	if hook := m.testHooks.ScheduleFire; hook != nil {
		hook(outcome)
	}
	if m.scheduleFires == nil {
		return
	}
	m.scheduleFires.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProbeLatency records a trigger probe round trip.
func (m *MetricsCollector) RecordProbeLatency(ctx context.Context, probeType string, duration time.Duration) {
	if m == nil || m.probeLatency == nil {
		return
	}
	m.probeLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("type", probeType)))
}

// RecordBusEvent records an event published to the dispatch bus and whether
// any subscriber dropped it.
func (m *MetricsCollector) RecordBusEvent(ctx context.Context, channel string, dropped bool) {
	if m == nil {
		return
	}
	if hook := m.testHooks.BusEvent; hook != nil {
		hook(channel, dropped)
	}
	if m.busEvents == nil {
		return
	}
	m.busEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	if dropped && m.busDropped != nil {
		m.busDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// RecordHTTPServerRequest records metrics for an HTTP request lifecycle.
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, duration time.Duration, responseBytes int64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.HTTPServerRequest; hook != nil {
		hook(method, route, status, duration, responseBytes)
	}
	if m.httpRequests == nil || m.httpLatency == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
	if m.httpResponseSize != nil && responseBytes >= 0 {
		m.httpResponseSize.Record(ctx, responseBytes, metric.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	}
}

// IncrementWSConnections tracks a runner websocket attach.
func (m *MetricsCollector) IncrementWSConnections(ctx context.Context) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Add(ctx, 1)
}

// DecrementWSConnections tracks a runner websocket detach.
func (m *MetricsCollector) DecrementWSConnections(ctx context.Context) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Add(ctx, -1)
}

// IncrementSSEConnections tracks an SSE stream attach.
func (m *MetricsCollector) IncrementSSEConnections(ctx context.Context) {
	if m == nil || m.sseConnections == nil {
		return
	}
	m.sseConnections.Add(ctx, 1)
}

// DecrementSSEConnections tracks an SSE stream detach.
func (m *MetricsCollector) DecrementSSEConnections(ctx context.Context) {
	if m == nil || m.sseConnections == nil {
		return
	}
	m.sseConnections.Add(ctx, -1)
}
