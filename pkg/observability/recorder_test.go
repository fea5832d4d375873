package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalMetricsIsNilSafe(t *testing.T) {
	SetGlobalMetrics(nil)

	m := GetGlobalMetrics()
	require.NotNil(t, m)

	// All recorders are no-ops without instruments.
	assert.NotPanics(t, func() {
		m.RecordToolCall(context.Background(), "web_fetch", time.Second, nil)
		m.RecordTaskExecution(context.Background(), "researcher", time.Second, errors.New("x"))
		m.RecordPlanExecution(context.Background(), time.Second, 4, 0.25, nil)
		m.RecordReconnect(context.Background(), "jira", false)
	})
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordToolCall(context.Background(), "web_fetch", time.Second, nil)
	})
}

func TestSetGlobalMetricsRoundTrip(t *testing.T) {
	m := &PrometheusMetrics{}
	SetGlobalMetrics(m)
	t.Cleanup(func() { SetGlobalMetrics(nil) })

	got, ok := GetGlobalMetrics().(*PrometheusMetrics)
	require.True(t, ok)
	assert.Same(t, m, got)
}
