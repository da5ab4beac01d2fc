package events

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Metrics outputs
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// MetricsConfig controls the process MeterProvider
type MetricsConfig struct {
	// When false the global no-op provider stays in place
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// How often collected instruments are exported
	Interval time.Duration `toml:"interval" yaml:"interval"`

	// Stream the exporter writes JSON to: stdout or stderr
	Output string `toml:"output" yaml:"output"`
}

// DefaultMetricsConfig exports once a minute to stderr, away from the logs on stdout
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:  true,
		Interval: time.Minute,
		Output:   OutputStderr,
	}
}

// Validate checks the metrics settings
func (c MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %v", c.Interval)
	}
	switch c.Output {
	case OutputStdout, OutputStderr:
		return nil
	default:
		return fmt.Errorf("invalid metrics output %q (must be stdout or stderr)", c.Output)
	}
}

// Writer returns the stream named by Output
func (c MetricsConfig) Writer() io.Writer {
	if c.Output == OutputStdout {
		return os.Stdout
	}
	return os.Stderr
}

// NewMeterProvider builds an SDK MeterProvider that exports to w every
// Interval. Callers install it with otel.SetMeterProvider and must Shutdown it
// to flush the last interval.
func NewMeterProvider(cfg MetricsConfig, w io.Writer) (*sdkmetric.MeterProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metrics exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "wakecall"))),
	), nil
}
