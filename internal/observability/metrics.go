package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all orchestrator metrics.
type MetricsCollector struct {
	meter metric.Meter

	// Workflow metrics
	workflowsCreated  metric.Int64Counter
	workflowsFinished metric.Int64Counter
	workflowsActive   metric.Int64UpDownCounter
	phaseDuration     metric.Float64Histogram

	// Provider metrics
	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram
	llmCost         metric.Float64Counter

	// Event bus metrics
	eventsPublished metric.Int64Counter
	slowHandlers    metric.Int64Counter
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool
}

// NewMetricsCollector creates a new metrics collector backed by the
// Prometheus exporter. When disabled, all record methods are no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("drover")

	mc := &MetricsCollector{meter: meter}

	if mc.workflowsCreated, err = meter.Int64Counter("drover_workflows_created_total",
		metric.WithDescription("Workflows created")); err != nil {
		return nil, err
	}
	if mc.workflowsFinished, err = meter.Int64Counter("drover_workflows_finished_total",
		metric.WithDescription("Workflows reaching a terminal state")); err != nil {
		return nil, err
	}
	if mc.workflowsActive, err = meter.Int64UpDownCounter("drover_workflows_active",
		metric.WithDescription("Workflows currently running")); err != nil {
		return nil, err
	}
	if mc.phaseDuration, err = meter.Float64Histogram("drover_phase_duration_seconds",
		metric.WithDescription("Phase execution duration")); err != nil {
		return nil, err
	}
	if mc.llmRequests, err = meter.Int64Counter("drover_llm_requests_total",
		metric.WithDescription("LLM API requests")); err != nil {
		return nil, err
	}
	if mc.llmTokensInput, err = meter.Int64Counter("drover_llm_tokens_input_total",
		metric.WithDescription("Input tokens consumed")); err != nil {
		return nil, err
	}
	if mc.llmTokensOutput, err = meter.Int64Counter("drover_llm_tokens_output_total",
		metric.WithDescription("Output tokens produced")); err != nil {
		return nil, err
	}
	if mc.llmLatency, err = meter.Float64Histogram("drover_llm_latency_ms",
		metric.WithDescription("LLM request latency")); err != nil {
		return nil, err
	}
	if mc.llmCost, err = meter.Float64Counter("drover_llm_cost_usd_total",
		metric.WithDescription("Accumulated LLM cost in USD")); err != nil {
		return nil, err
	}
	if mc.eventsPublished, err = meter.Int64Counter("drover_events_published_total",
		metric.WithDescription("Events published on the bus")); err != nil {
		return nil, err
	}
	if mc.slowHandlers, err = meter.Int64Counter("drover_slow_handlers_total",
		metric.WithDescription("Event handler dispatches exceeding the slow threshold")); err != nil {
		return nil, err
	}

	return mc, nil
}

// Handler returns the HTTP handler for Prometheus scraping.
func (mc *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordWorkflowCreated records a workflow creation.
func (mc *MetricsCollector) RecordWorkflowCreated(ctx context.Context, kind string) {
	if mc.workflowsCreated == nil {
		return
	}
	mc.workflowsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordWorkflowFinished records a workflow reaching a terminal state.
func (mc *MetricsCollector) RecordWorkflowFinished(ctx context.Context, kind, state string) {
	if mc.workflowsFinished == nil {
		return
	}
	mc.workflowsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}

// WorkflowActiveDelta adjusts the active-workflow gauge.
func (mc *MetricsCollector) WorkflowActiveDelta(ctx context.Context, delta int64) {
	if mc.workflowsActive == nil {
		return
	}
	mc.workflowsActive.Add(ctx, delta)
}

// RecordPhaseDuration records a completed phase's duration.
func (mc *MetricsCollector) RecordPhaseDuration(ctx context.Context, phase string, seconds float64) {
	if mc.phaseDuration == nil {
		return
	}
	mc.phaseDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordLLMRequest records usage for a single provider response.
func (mc *MetricsCollector) RecordLLMRequest(ctx context.Context, provider, model string, tokensIn, tokensOut int64, costUSD float64, latencyMs float64) {
	if mc.llmRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	mc.llmRequests.Add(ctx, 1, attrs)
	mc.llmTokensInput.Add(ctx, tokensIn, attrs)
	mc.llmTokensOutput.Add(ctx, tokensOut, attrs)
	mc.llmCost.Add(ctx, costUSD, attrs)
	mc.llmLatency.Record(ctx, latencyMs, attrs)
}

// RecordEventPublished counts a bus publish.
func (mc *MetricsCollector) RecordEventPublished(ctx context.Context, eventType string) {
	if mc.eventsPublished == nil {
		return
	}
	mc.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordSlowHandler counts a handler dispatch over the slow threshold.
func (mc *MetricsCollector) RecordSlowHandler(ctx context.Context, subscriptionID string) {
	if mc.slowHandlers == nil {
		return
	}
	mc.slowHandlers.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscriptionID)))
}
