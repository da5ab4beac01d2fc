package events_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/events"
	"github.com/livinlefevreloca/wakecall/internal/testutil"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumByStatus(t *testing.T, m *metricdata.Metrics) map[string]int64 {
	t.Helper()
	require.NotNil(t, m)

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] data type")

	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value("status")
		out[status.AsString()] += dp.Value
	}
	return out
}

func TestLogSink_FieldsAndLevels(t *testing.T) {
	logs := testutil.NewTestLogger()
	sink := events.NewLogSink(logs.Logger())
	ctx := context.Background()

	sink.Emit(ctx, events.Event{
		Kind:      events.KindAttempt,
		UserID:    "user-1",
		JobID:     "job-1",
		Attempt:   1,
		Status:    db.StatusFailedRetryable,
		LastError: "timeout",
		Duration:  30 * time.Second,
	})
	sink.Emit(ctx, events.Event{
		Kind:      events.KindTerminal,
		UserID:    "user-1",
		JobID:     "job-1",
		Attempt:   3,
		Status:    db.StatusFailedTerminal,
		LastError: "timeout",
	})
	sink.Emit(ctx, events.Event{
		Kind:           events.KindTerminal,
		UserID:         "user-2",
		JobID:          "job-2",
		Attempt:        1,
		Status:         db.StatusSucceeded,
		ProviderCallID: "CA1",
	})

	entries := logs.GetEntries()
	require.Len(t, entries, 3)

	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "user-1", entries[0].Fields["user_id"])
	assert.Equal(t, "job-1", entries[0].Fields["job_id"])
	assert.EqualValues(t, 1, entries[0].Fields["attempt"])
	assert.Equal(t, "failed_retryable", entries[0].Fields["status"])
	assert.Equal(t, "timeout", entries[0].Fields["last_error"])

	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "failed_terminal", entries[1].Fields["status"])

	assert.Equal(t, "INFO", entries[2].Level)
	assert.Equal(t, "CA1", entries[2].Fields["provider_call_id"])
	_, hasError := entries[2].Fields["last_error"]
	assert.False(t, hasError, "last_error is only present when set")
}

func TestMetricsSink_CountsAttemptsAndTerminals(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sink := events.NewMetricsSinkWithMeter(mp.Meter("test"))
	ctx := context.Background()

	sink.Emit(ctx, events.Event{Kind: events.KindAttempt, Status: db.StatusFailedRetryable, Duration: time.Second})
	sink.Emit(ctx, events.Event{Kind: events.KindAttempt, Status: db.StatusSucceeded, Duration: 2 * time.Second})
	sink.Emit(ctx, events.Event{Kind: events.KindTerminal, Status: db.StatusSucceeded})

	rm := collectMetrics(t, reader)

	attempts := sumByStatus(t, findMetric(rm, "wakecall.dispatch.attempts"))
	assert.Equal(t, int64(1), attempts["failed_retryable"])
	assert.Equal(t, int64(1), attempts["succeeded"])

	terminal := sumByStatus(t, findMetric(rm, "wakecall.jobs.terminal"))
	assert.Equal(t, map[string]int64{"succeeded": 1}, terminal)

	duration := findMetric(rm, "wakecall.dispatch.duration")
	require.NotNil(t, duration)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram[float64] data type")
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

// TestNewMeterProvider_ExportsGlobalSink verifies a sink built on the global
// provider, as the binary builds it, reaches the exporter once the SDK
// provider is installed.
func TestNewMeterProvider_ExportsGlobalSink(t *testing.T) {
	var out bytes.Buffer
	cfg := events.DefaultMetricsConfig()
	cfg.Interval = time.Hour

	mp, err := events.NewMeterProvider(cfg, &out)
	require.NoError(t, err)

	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	sink := events.NewMetricsSink()
	ctx := context.Background()
	sink.Emit(ctx, events.Event{Kind: events.KindAttempt, Status: db.StatusSucceeded, Duration: time.Second})
	sink.Emit(ctx, events.Event{Kind: events.KindTerminal, Status: db.StatusSucceeded})

	require.NoError(t, mp.ForceFlush(ctx))
	require.NoError(t, mp.Shutdown(ctx))

	exported := out.String()
	assert.Contains(t, exported, "wakecall.dispatch.attempts")
	assert.Contains(t, exported, "wakecall.jobs.terminal")
	assert.Contains(t, exported, "service.name")
}

func TestMetricsConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*events.MetricsConfig)
		wantErr bool
	}{
		{"defaults", func(*events.MetricsConfig) {}, false},
		{"stdout", func(c *events.MetricsConfig) { c.Output = events.OutputStdout }, false},
		{"disabled ignores the rest", func(c *events.MetricsConfig) { c.Enabled = false; c.Output = "" }, false},
		{"zero interval", func(c *events.MetricsConfig) { c.Interval = 0 }, true},
		{"unknown output", func(c *events.MetricsConfig) { c.Output = "/var/log/metrics" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := events.DefaultMetricsConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := events.NewMeterProvider(events.MetricsConfig{Enabled: true, Output: events.OutputStderr}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestMulti_FansOut(t *testing.T) {
	first := testutil.NewRecordingSink()
	second := testutil.NewRecordingSink()
	sink := events.Multi(first, second, events.Discard)

	sink.Emit(context.Background(), events.Event{Kind: events.KindAttempt, JobID: "job-1"})

	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)
	assert.Equal(t, "job-1", second.Events()[0].JobID)
}
