package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics is the recording surface the components call into.
type Metrics interface {
	RecordTick(ctx context.Context, duration time.Duration, agents int)
	SetAgentCount(ctx context.Context, count int)
	SetQueueDepth(ctx context.Context, component string, depth int)
	RecordCommand(ctx context.Context, command string, err error)
	RecordLLMCall(ctx context.Context, model, backend string, duration time.Duration, tokens int, err error)
	RecordBatch(ctx context.Context, rows int, duration time.Duration, err error)
}

type PrometheusMetrics struct {
	tickDuration metric.Float64Histogram
	agentsTicked metric.Int64Counter
	agentCount   metric.Int64Gauge
	queueDepth   metric.Int64Gauge

	commandsTotal metric.Int64Counter
	commandErrors metric.Int64Counter

	llmDuration metric.Float64Histogram
	llmTokens   metric.Int64Counter
	llmErrors   metric.Int64Counter

	batchDuration metric.Float64Histogram
	batchRows     metric.Int64Counter
	batchErrors   metric.Int64Counter
}

func NewPrometheusMetrics(
	tickDuration metric.Float64Histogram,
	agentsTicked metric.Int64Counter,
	agentCount metric.Int64Gauge,
	queueDepth metric.Int64Gauge,
	commandsTotal metric.Int64Counter,
	commandErrors metric.Int64Counter,
	llmDuration metric.Float64Histogram,
	llmTokens metric.Int64Counter,
	llmErrors metric.Int64Counter,
	batchDuration metric.Float64Histogram,
	batchRows metric.Int64Counter,
	batchErrors metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		tickDuration:  tickDuration,
		agentsTicked:  agentsTicked,
		agentCount:    agentCount,
		queueDepth:    queueDepth,
		commandsTotal: commandsTotal,
		commandErrors: commandErrors,
		llmDuration:   llmDuration,
		llmTokens:     llmTokens,
		llmErrors:     llmErrors,
		batchDuration: batchDuration,
		batchRows:     batchRows,
		batchErrors:   batchErrors,
	}
}

func (m *PrometheusMetrics) RecordTick(ctx context.Context, duration time.Duration, agents int) {
	if m == nil || m.tickDuration == nil {
		return
	}
	m.tickDuration.Record(ctx, duration.Seconds())
	if agents > 0 && m.agentsTicked != nil {
		m.agentsTicked.Add(ctx, int64(agents))
	}
}

func (m *PrometheusMetrics) SetAgentCount(ctx context.Context, count int) {
	if m == nil || m.agentCount == nil {
		return
	}
	m.agentCount.Record(ctx, int64(count))
}

func (m *PrometheusMetrics) SetQueueDepth(ctx context.Context, component string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth),
		metric.WithAttributes(attribute.String("component", component)))
}

func (m *PrometheusMetrics) RecordCommand(ctx context.Context, command string, err error) {
	if m == nil || m.commandsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("command", command),
	}
	m.commandsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil && m.commandErrors != nil {
		m.commandErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model, backend string, duration time.Duration, tokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("backend", backend),
	}
	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if tokens > 0 && m.llmTokens != nil {
		m.llmTokens.Add(ctx, int64(tokens), metric.WithAttributes(attrs...))
	}
	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordBatch(ctx context.Context, rows int, duration time.Duration, err error) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Record(ctx, duration.Seconds())
	if rows > 0 && m.batchRows != nil {
		m.batchRows.Add(ctx, int64(rows))
	}
	if err != nil && m.batchErrors != nil {
		m.batchErrors.Add(ctx, 1)
	}
}

// NoopMetrics is the recorder used before InitMetrics runs, and in
// tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordTick(context.Context, time.Duration, int) {}
func (NoopMetrics) SetAgentCount(context.Context, int)            {}
func (NoopMetrics) SetQueueDepth(context.Context, string, int)    {}
func (NoopMetrics) RecordCommand(context.Context, string, error)  {}
func (NoopMetrics) RecordLLMCall(context.Context, string, string, time.Duration, int, error) {
}
func (NoopMetrics) RecordBatch(context.Context, int, time.Duration, error) {}

// SetGlobal installs the process-wide recorder.
func SetGlobal(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide recorder, never nil.
func Global() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
