package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs a real tracer provider so spans carry genuine trace/span
// IDs for audit-log correlation even when no exporter is configured — the
// otel default no-op provider would leave every ID empty. Exporters are a
// deployment concern: wire one up by registering a span processor before
// calling Setup's returned shutdown function.
func Setup() (shutdown func(context.Context) error) {
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}
