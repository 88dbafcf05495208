// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/devghori1264/quarterpatch/internal/errors"
)

// Instrumentation is the tracer name used by every component.
const Instrumentation = "github.com/devghori1264/quarterpatch"

// Config selects the exporter: "stdout" or "none".
type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Exporter    string    `mapstructure:"exporter"`
	Writer      io.Writer `mapstructure:"-"`
}

// Init installs a global tracer provider. The returned shutdown flushes spans.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
	default:
		return nil, errors.WithHint(errors.Newf("unknown trace exporter %q", cfg.Exporter), `use "stdout" or "none"`)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "create stdout trace exporter")
	}
	name := cfg.ServiceName
	if name == "" {
		name = "quarterpatch"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("", attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(Instrumentation)
}
