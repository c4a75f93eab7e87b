// Package observability exposes the process metrics over an OTel meter
// backed by the prometheus exporter. The telemetry server scrapes them
// at /metrics.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InitMetrics builds the instrument set on a prometheus-backed meter.
// Disabled metrics return an empty recorder whose methods are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("swarm")

	tickDuration, err := meter.Float64Histogram(
		"swarm_tick_duration_seconds",
		metric.WithDescription("Scheduler tick sweep duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tick duration histogram: %w", err)
	}

	agentsTicked, err := meter.Int64Counter(
		"swarm_agents_ticked_total",
		metric.WithDescription("Total agent ticks executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents ticked counter: %w", err)
	}

	agentCount, err := meter.Int64Gauge(
		"swarm_agents",
		metric.WithDescription("Agents currently registered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent gauge: %w", err)
	}

	queueDepth, err := meter.Int64Gauge(
		"swarm_queue_depth",
		metric.WithDescription("Depth of a bounded queue, by component"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	commandsTotal, err := meter.Int64Counter(
		"swarm_commands_total",
		metric.WithDescription("Total wire commands handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commands counter: %w", err)
	}

	commandErrors, err := meter.Int64Counter(
		"swarm_command_errors_total",
		metric.WithDescription("Total wire commands that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create command errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"swarm_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmTokens, err := meter.Int64Counter(
		"swarm_llm_tokens_total",
		metric.WithDescription("Total tokens generated by LLM backends"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"swarm_llm_errors_total",
		metric.WithDescription("Total failed LLM requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	batchDuration, err := meter.Float64Histogram(
		"swarm_persistence_batch_duration_seconds",
		metric.WithDescription("Dirty-agent batch commit duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch duration histogram: %w", err)
	}

	batchRows, err := meter.Int64Counter(
		"swarm_persistence_rows_total",
		metric.WithDescription("Total agent rows committed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch rows counter: %w", err)
	}

	batchErrors, err := meter.Int64Counter(
		"swarm_persistence_batch_errors_total",
		metric.WithDescription("Total failed batch commits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch errors counter: %w", err)
	}

	return NewPrometheusMetrics(
		tickDuration,
		agentsTicked,
		agentCount,
		queueDepth,
		commandsTotal,
		commandErrors,
		llmDuration,
		llmTokens,
		llmErrors,
		batchDuration,
		batchRows,
		batchErrors,
	), nil
}
