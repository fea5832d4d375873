package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool
}

// InitMetrics creates the OTel meter backed by the default Prometheus
// registry and returns the instrument set. Disabled metrics return an empty
// recorder whose methods are no-ops.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter)).Meter("ensemble")

	m := &PrometheusMetrics{}

	if m.toolDuration, err = meter.Float64Histogram(
		"ensemble_tool_call_duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCallsTotal, err = meter.Int64Counter(
		"ensemble_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrorsTotal, err = meter.Int64Counter(
		"ensemble_tool_errors_total",
		metric.WithDescription("Total tool call errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"ensemble_task_duration_seconds",
		metric.WithDescription("Scheduled task duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}
	if m.taskCallsTotal, err = meter.Int64Counter(
		"ensemble_tasks_total",
		metric.WithDescription("Total scheduled tasks"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}
	if m.taskErrorsTotal, err = meter.Int64Counter(
		"ensemble_task_errors_total",
		metric.WithDescription("Total task failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task errors counter: %w", err)
	}

	if m.planDuration, err = meter.Float64Histogram(
		"ensemble_plan_duration_seconds",
		metric.WithDescription("Plan execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create plan duration histogram: %w", err)
	}
	if m.planTasks, err = meter.Int64Counter(
		"ensemble_plan_tasks_total",
		metric.WithDescription("Total tasks across executed plans"),
	); err != nil {
		return nil, fmt.Errorf("failed to create plan tasks counter: %w", err)
	}
	if m.planGain, err = meter.Float64Histogram(
		"ensemble_plan_parallelization_gain",
		metric.WithDescription("Parallelization gain per executed plan"),
	); err != nil {
		return nil, fmt.Errorf("failed to create plan gain histogram: %w", err)
	}

	if m.reconnectsTotal, err = meter.Int64Counter(
		"ensemble_server_reconnects_total",
		metric.WithDescription("Total tool server reconnect attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}
	if m.reconnectFailuresTotal, err = meter.Int64Counter(
		"ensemble_server_reconnect_failures_total",
		metric.WithDescription("Total tool server reconnect failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reconnect failures counter: %w", err)
	}

	return m, nil
}
