// cmd/txnpipe/telemetry.go
package main

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/David-Botos/txn-pipeline/pkg/config"
)

// telemetry owns the meter provider the stage metrics are recorded on
type telemetry struct {
	mp *sdkmetric.MeterProvider
}

// newTelemetry installs a global meter provider exporting over OTLP/HTTP.
// Without an endpoint the default no-op provider stays in place and nil is returned.
func newTelemetry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*telemetry, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
		// cumulative temporality keeps Prometheus-compatible backends happy
		otlpmetrichttp.WithTemporalitySelector(func(sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.CumulativeTemporality
		}),
	}
	if cfg.OTLPInsecure || strings.HasPrefix(cfg.OTLPEndpoint, "http://") {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	// standalone resource; merging with resource.Default() conflicts on schema URL
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("txnpipe"),
		semconv.ServiceVersion(version),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.MetricsInterval))),
	)
	otel.SetMeterProvider(mp)

	logger.Info("Exporting metrics over OTLP",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Duration("interval", cfg.MetricsInterval))
	return &telemetry{mp: mp}, nil
}

// Shutdown flushes pending metrics
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.mp == nil {
		return nil
	}
	return t.mp.Shutdown(ctx)
}

// stripScheme removes http:// or https://; the exporter wants host:port
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
