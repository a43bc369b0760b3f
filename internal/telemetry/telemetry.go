package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Development environments get the
// console encoder, everything else the production JSON encoder.
func NewLogger(level, environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Metrics owns the meter provider and the /metrics handler.
type Metrics struct {
	provider metric.MeterProvider
	shutdown func(context.Context) error
	handler  http.Handler
}

// SetupMetrics installs an OpenTelemetry meter provider backed by the
// Prometheus exporter. When disabled a no-op provider is used.
func SetupMetrics(enabled bool, logger *zap.Logger) (*Metrics, error) {
	if !enabled {
		return &Metrics{
			provider: noop.NewMeterProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	logger.Info("Metrics initialized", zap.String("exporter", "prometheus"))

	return &Metrics{
		provider: provider,
		shutdown: provider.Shutdown,
		handler:  promhttp.Handler(),
	}, nil
}

// Meter returns a named meter
func (m *Metrics) Meter(name string) metric.Meter {
	return m.provider.Meter(name)
}

// Handler returns the Prometheus scrape handler, or nil when metrics are disabled
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.shutdown(ctx)
}
