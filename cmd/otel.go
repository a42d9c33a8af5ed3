//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/nostrlink/internal/config"
	"github.com/nextlevelbuilder/nostrlink/internal/tracing/otelexport"
)

// initOTelExporter creates and installs the OpenTelemetry OTLP exporter
// when the telemetry config is enabled. Only compiled with -tags otel.
func initOTelExporter(ctx context.Context, cfg *config.Config) func(context.Context) {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		slog.Debug("OTel export available but not enabled (set telemetry.enabled + telemetry.endpoint)")
		return nil
	}

	otelExp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Headers:     cfg.Telemetry.Headers,

		SampleRatio:  cfg.Telemetry.SampleRatio,
		StoreBackend: cfg.Storage.Backend,
	})
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
		return nil
	}

	otelExp.Install()
	slog.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := otelExp.Shutdown(ctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}
}
