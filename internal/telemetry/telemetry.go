// Package telemetry installs the OTel metric and trace providers for the
// process. Packages elsewhere register their own instruments against the
// global meter at init() time; Init here only decides where those
// instruments get exported (stdout locally, OTLP over HTTP when a
// collector endpoint is configured).
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and releases exporters installed by Init.
type Shutdown func(ctx context.Context) error

// Init installs the metric and trace providers for this process. When
// otlpEndpoint is empty it falls back to a stdout exporter suitable for
// local/CI runs; set BACKUPFORCE_OTLP_ENDPOINT (or pass it explicitly) to
// ship metrics to a collector in production.
func Init(ctx context.Context, otlpEndpoint string) (Shutdown, error) {
	if otlpEndpoint == "" {
		otlpEndpoint = os.Getenv("BACKUPFORCE_OTLP_ENDPOINT")
	}

	var (
		mp        *sdkmetric.MeterProvider
		tp        *sdktrace.TracerProvider
		closeFns  []func(context.Context) error
	)

	if otlpEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(otlpEndpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
		closeFns = append(closeFns, mp.Shutdown)
	} else {
		exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
		closeFns = append(closeFns, mp.Shutdown)
	}
	otel.SetMeterProvider(mp)

	traceExp, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)
	closeFns = append(closeFns, tp.Shutdown)

	return func(ctx context.Context) error {
		var firstErr error
		for _, fn := range closeFns {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}
