package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records runtime measurements. Implementations must tolerate a nil
// receiver so call sites can use GetGlobalMetrics() unconditionally.
type Metrics interface {
	RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error)
	RecordTaskExecution(ctx context.Context, agent string, duration time.Duration, err error)
	RecordPlanExecution(ctx context.Context, duration time.Duration, tasks int, gain float64, err error)
	RecordReconnect(ctx context.Context, server string, success bool)
}

// PrometheusMetrics implements Metrics over OTel instruments exported through
// the Prometheus registry.
type PrometheusMetrics struct {
	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	taskDuration    metric.Float64Histogram
	taskCallsTotal  metric.Int64Counter
	taskErrorsTotal metric.Int64Counter

	planDuration metric.Float64Histogram
	planTasks    metric.Int64Counter
	planGain     metric.Float64Histogram

	reconnectsTotal        metric.Int64Counter
	reconnectFailuresTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordTaskExecution(ctx context.Context, agent string, duration time.Duration, err error) {
	if m == nil || m.taskDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent", agent))
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	m.taskCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.taskErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordPlanExecution(ctx context.Context, duration time.Duration, tasks int, gain float64, err error) {
	if m == nil || m.planDuration == nil {
		return
	}
	m.planDuration.Record(ctx, duration.Seconds())
	m.planTasks.Add(ctx, int64(tasks))
	m.planGain.Record(ctx, gain)
}

func (m *PrometheusMetrics) RecordReconnect(ctx context.Context, server string, success bool) {
	if m == nil || m.reconnectsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("server", server))
	m.reconnectsTotal.Add(ctx, 1, attrs)
	if !success {
		m.reconnectFailuresTotal.Add(ctx, 1, attrs)
	}
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder; may be nil, and a nil
// *PrometheusMetrics is safe to call.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return (*PrometheusMetrics)(nil)
	}
	return globalMetrics
}
