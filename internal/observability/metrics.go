// Package observability publishes the platform's metrics and traces through
// the OpenTelemetry SDK. Metrics land on a Prometheus registry so the
// server's /metrics endpoint can serve them; traces go to an OTLP or Zipkin
// collector when tracing is enabled.
package observability

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/bromic007/llamafarm-sub004/internal/models"
)

const instrumentationName = "llamafarm"

// Metrics holds the platform instrument set. A nil *Metrics is valid and
// records nothing, so callers with metrics disabled never branch.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	generations       metric.Int64Counter
	generationLatency metric.Float64Histogram
	promptTokens      metric.Int64Counter
	completionTokens  metric.Int64Counter

	modelLoads   metric.Int64Counter
	modelEvicts  metric.Int64Counter
	modelsLoaded metric.Int64UpDownCounter
}

// NewMetrics registers the instrument set on the default Prometheus
// registry, which is what the /metrics endpoint exposes.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithRegisterer(promclient.DefaultRegisterer)
}

// NewMetricsWithRegisterer is NewMetrics against a caller-owned registry.
// Tests use it to keep instrument registration isolated per test.
func NewMetricsWithRegisterer(reg promclient.Registerer) (*Metrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(instrumentationName)

	m := &Metrics{provider: provider, meter: meter}

	m.httpRequests, err = meter.Int64Counter(
		"lf.http.requests.total",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http requests counter: %w", err)
	}

	m.httpLatency, err = meter.Float64Histogram(
		"lf.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http latency histogram: %w", err)
	}

	m.generations, err = meter.Int64Counter(
		"lf.generation.requests.total",
		metric.WithDescription("Chat completions served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation counter: %w", err)
	}

	m.generationLatency, err = meter.Float64Histogram(
		"lf.generation.latency",
		metric.WithDescription("End-to-end generation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation latency histogram: %w", err)
	}

	m.promptTokens, err = meter.Int64Counter(
		"lf.generation.tokens.prompt",
		metric.WithDescription("Prompt tokens sent to runtime models"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create prompt tokens counter: %w", err)
	}

	m.completionTokens, err = meter.Int64Counter(
		"lf.generation.tokens.completion",
		metric.WithDescription("Completion tokens produced by runtime models"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create completion tokens counter: %w", err)
	}

	m.modelLoads, err = meter.Int64Counter(
		"lf.models.loads.total",
		metric.WithDescription("Runtime models loaded into the cache"),
		metric.WithUnit("{model}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create model loads counter: %w", err)
	}

	m.modelEvicts, err = meter.Int64Counter(
		"lf.models.evictions.total",
		metric.WithDescription("Runtime models evicted from the cache"),
		metric.WithUnit("{model}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create model evictions counter: %w", err)
	}

	m.modelsLoaded, err = meter.Int64UpDownCounter(
		"lf.models.loaded",
		metric.WithDescription("Runtime models currently resident"),
		metric.WithUnit("{model}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create loaded models gauge: %w", err)
	}

	return m, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordHTTPRequest counts one served request and its latency. Route is the
// matched route pattern, not the raw path, to keep label cardinality down.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpLatency.Record(ctx, d.Seconds(), attrs)
}

// RecordGeneration counts one chat completion with its token usage. Streamed
// responses report zero usage because the stream protocol does not carry it.
func (m *Metrics) RecordGeneration(ctx context.Context, model string, streamed bool, usage models.Usage, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("streamed", streamed),
	)
	m.generations.Add(ctx, 1, attrs)
	m.generationLatency.Record(ctx, d.Seconds(), attrs)

	byModel := metric.WithAttributes(attribute.String("model", model))
	if usage.PromptTokens > 0 {
		m.promptTokens.Add(ctx, int64(usage.PromptTokens), byModel)
	}
	if usage.CompletionTokens > 0 {
		m.completionTokens.Add(ctx, int64(usage.CompletionTokens), byModel)
	}
}

// OnModelLoad returns a model cache hook that tracks loads and residency.
// On a nil receiver the hook is nil and the cache skips it.
func (m *Metrics) OnModelLoad() func(key string) {
	if m == nil {
		return nil
	}
	return func(key string) {
		ctx := context.Background()
		m.modelLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("model", key)))
		m.modelsLoaded.Add(ctx, 1)
	}
}

// OnModelEvict is the eviction counterpart of OnModelLoad.
func (m *Metrics) OnModelEvict() func(key string) {
	if m == nil {
		return nil
	}
	return func(key string) {
		ctx := context.Background()
		m.modelEvicts.Add(ctx, 1, metric.WithAttributes(attribute.String("model", key)))
		m.modelsLoaded.Add(ctx, -1)
	}
}

// RegisterQueueDepth exposes the task broker backlog as an observable gauge
// read at scrape time.
func (m *Metrics) RegisterQueueDepth(depth func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge(
		"lf.tasks.queue_depth",
		metric.WithDescription("Tasks waiting for a broker worker"),
		metric.WithUnit("{task}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create queue depth gauge: %w", err)
	}
	return nil
}
