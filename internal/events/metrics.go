package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for scheduler metrics.
const meterName = "github.com/livinlefevreloca/wakecall"

// MetricsSink records events as OpenTelemetry instruments:
//   - wakecall.dispatch.attempts (Int64Counter), attribute status
//   - wakecall.dispatch.duration (Float64Histogram, seconds), attribute status
//   - wakecall.jobs.terminal (Int64Counter), attribute status
type MetricsSink struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
	terminal metric.Int64Counter
}

// NewMetricsSink creates a sink on the global MeterProvider
func NewMetricsSink() *MetricsSink {
	return NewMetricsSinkWithMeter(otel.Meter(meterName))
}

// NewMetricsSinkWithMeter creates a sink on meter
func NewMetricsSinkWithMeter(meter metric.Meter) *MetricsSink {
	// The API hands back noop instruments alongside any error.
	attempts, _ := meter.Int64Counter(
		"wakecall.dispatch.attempts",
		metric.WithDescription("Call placement attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	duration, _ := meter.Float64Histogram(
		"wakecall.dispatch.duration",
		metric.WithDescription("Duration of call placement attempts in seconds"),
		metric.WithUnit("s"),
	)
	terminal, _ := meter.Int64Counter(
		"wakecall.jobs.terminal",
		metric.WithDescription("Call jobs that reached a terminal state"),
		metric.WithUnit("{job}"),
	)

	return &MetricsSink{
		attempts: attempts,
		duration: duration,
		terminal: terminal,
	}
}

// Emit implements Sink
func (s *MetricsSink) Emit(ctx context.Context, e Event) {
	attrs := metric.WithAttributes(attribute.String("status", string(e.Status)))

	switch e.Kind {
	case KindAttempt:
		s.attempts.Add(ctx, 1, attrs)
		s.duration.Record(ctx, e.Duration.Seconds(), attrs)
	case KindTerminal:
		s.terminal.Add(ctx, 1, attrs)
	}
}
