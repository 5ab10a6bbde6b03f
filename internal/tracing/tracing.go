// Package tracing wraps OpenTelemetry so that the rest of termpool can open and
// close spans around command execution without importing the SDK directly.
// Until Init is called the global no-op provider is in effect and every span
// helper is free.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rama-kairi/termpool"

// SpanKind represents the type of span
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// String returns the string representation of SpanKind
func (sk SpanKind) String() string {
	switch sk {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "internal"
	}
}

func (sk SpanKind) otel() trace.SpanKind {
	switch sk {
	case SpanKindServer:
		return trace.SpanKindServer
	case SpanKindClient:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}

var (
	providerOnce sync.Once
	providerErr  error
	provider     *sdktrace.TracerProvider
	providerOut  io.Closer
)

// Init installs a global tracer provider exporting spans as JSON lines. An
// empty outputFile writes to stderr, since stdout carries the MCP transport.
// The first call wins; later calls return the first result.
func Init(serviceName, serviceVersion, outputFile string) error {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		w = f
		closer = f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return err
	}
	return installProvider(serviceName, serviceVersion, exporter, closer)
}

// InitWithExporter installs a provider backed by the supplied exporter.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) error {
	return installProvider(serviceName, serviceVersion, exporter, nil)
}

func installProvider(serviceName, serviceVersion string, exporter sdktrace.SpanExporter, out io.Closer) error {
	if exporter == nil {
		return nil
	}

	providerOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", serviceName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
			sdktrace.WithResource(res),
		)
		providerOut = out
		otel.SetTracerProvider(provider)
	})

	return providerErr
}

// Shutdown flushes and stops the provider installed by Init, if any.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	err := provider.Shutdown(ctx)
	if providerOut != nil {
		if cerr := providerOut.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Span wraps an OpenTelemetry span.
type Span struct {
	span trace.Span
}

// WithAttributes attaches string attributes to the span.
func (s *Span) WithAttributes(attrs map[string]string) *Span {
	if s == nil || len(attrs) == 0 {
		return s
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	s.span.SetAttributes(kv...)
	return s
}

// WithInt attaches an integer attribute.
func (s *Span) WithInt(key string, value int) *Span {
	if s == nil {
		return s
	}
	s.span.SetAttributes(attribute.Int(key, value))
	return s
}

// Event records a named point in time on the span.
func (s *Span) Event(name string) {
	if s == nil {
		return
	}
	s.span.AddEvent(name)
}

// SetStatus records err on the span, or an OK status when err is nil.
func (s *Span) SetStatus(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
}

// StartSpan starts a child of whatever span ctx carries.
func StartSpan(ctx context.Context, name string, kind SpanKind) (context.Context, *Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name, trace.WithSpanKind(kind.otel()))
	return ctx, &Span{span: span}
}

// EndSpan sets the status from err and ends the span.
func EndSpan(sp *Span, err error) {
	if sp == nil {
		return
	}
	sp.SetStatus(err)
	sp.span.End()
}
