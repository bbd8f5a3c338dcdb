package jobs

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultsProvider supplies default options for a routing name. Explicitly
// set fields of the options passed to Push always win over defaults.
type DefaultsProvider interface {
	OptionsFor(name string) (*Options, error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

// dispatcherConfig holds configuration for a Dispatcher instance.
type dispatcherConfig struct {
	service  string
	defaults DefaultsProvider
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
}

func defaultDispatcherConfig() *dispatcherConfig {
	return &dispatcherConfig{
		service: DefaultService,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("jobs"),
		meter:   metricnoop.NewMeterProvider().Meter("jobs"),
	}
}

// WithService sets the RPC service name. Pushes call "<service>.Push".
func WithService(service string) DispatcherOption {
	return func(c *dispatcherConfig) {
		if service != "" {
			c.service = service
		}
	}
}

// WithDefaults sets a provider of per-job default options.
func WithDefaults(p DefaultsProvider) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.defaults = p
	}
}

// WithLogger sets a custom logger.
// If not provided, slog.Default() is used.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets an OpenTelemetry tracer. Each push is recorded as a client span.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(c *dispatcherConfig) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithMeter sets an OpenTelemetry meter used for push counters and durations.
func WithMeter(meter metric.Meter) DispatcherOption {
	return func(c *dispatcherConfig) {
		if meter != nil {
			c.meter = meter
		}
	}
}
