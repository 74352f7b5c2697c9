// Package observe provides application-wide observability primitives for
// OpenBotX: OpenTelemetry metrics, distributed tracing, and structured
// logging helpers that tie them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all OpenBotX metrics.
const meterName = "github.com/openbotx/openbotx"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// PipelineDuration tracks end-to-end message pipeline latency.
	PipelineDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// CompactionDuration tracks context compaction latency.
	CompactionDuration metric.Float64Histogram

	// MemorySearchDuration tracks hybrid memory index search latency.
	MemorySearchDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesProcessed counts pipeline completions. Use with attributes:
	//   attribute.String("gateway", ...), attribute.String("status", ...)
	MessagesProcessed metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// GatewayRestarts counts supervisor-initiated gateway restarts. Use with
	// attribute: attribute.String("gateway", ...)
	GatewayRestarts metric.Int64Counter

	// SummarizationRuns counts background summarization completions. Use with
	// attribute: attribute.String("status", ...)
	SummarizationRuns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveGateways tracks the number of gateways in the running state.
	ActiveGateways metric.Int64UpDownCounter

	// QueueDepth tracks the number of messages waiting on the inbound bus.
	QueueDepth metric.Int64UpDownCounter

	// RelayClients tracks the number of connected relay downstream clients.
	RelayClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both fast local stages and slow model round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("openbotx.pipeline.duration",
		metric.WithDescription("End-to-end message pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("openbotx.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompactionDuration, err = m.Float64Histogram("openbotx.compaction.duration",
		metric.WithDescription("Latency of context compaction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemorySearchDuration, err = m.Float64Histogram("openbotx.memory.search.duration",
		metric.WithDescription("Latency of hybrid memory index search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("openbotx.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesProcessed, err = m.Int64Counter("openbotx.messages.processed",
		metric.WithDescription("Total pipeline completions by gateway and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("openbotx.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("openbotx.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.GatewayRestarts, err = m.Int64Counter("openbotx.gateway.restarts",
		metric.WithDescription("Total supervisor-initiated gateway restarts by gateway."),
	); err != nil {
		return nil, err
	}
	if met.SummarizationRuns, err = m.Int64Counter("openbotx.summarization.runs",
		metric.WithDescription("Total background summarization runs by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("openbotx.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveGateways, err = m.Int64UpDownCounter("openbotx.active_gateways",
		metric.WithDescription("Number of gateways currently running."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("openbotx.queue.depth",
		metric.WithDescription("Number of messages waiting on the inbound bus."),
	); err != nil {
		return nil, err
	}
	if met.RelayClients, err = m.Int64UpDownCounter("openbotx.relay.clients",
		metric.WithDescription("Number of connected relay downstream clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("openbotx.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMessageProcessed records a pipeline completion with the standard
// attribute set.
func (m *Metrics) RecordMessageProcessed(ctx context.Context, gateway, status string) {
	m.MessagesProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("gateway", gateway),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordGatewayRestart records a supervisor restart counter increment.
func (m *Metrics) RecordGatewayRestart(ctx context.Context, gateway string) {
	m.GatewayRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("gateway", gateway)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
