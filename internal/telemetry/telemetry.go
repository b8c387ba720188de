// Package telemetry wires internal/pipeline's stage spans (C8) to an OTLP
// gRPC exporter, promoting go.opentelemetry.io/otel/sdk and
// otlptracegrpc from declared-but-unused teacher dependencies to the real
// tracer provider backing every Runtime.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Provider owns the process-wide TracerProvider installed by Init and must
// be shut down once, on Runtime.Shutdown, to flush any buffered spans.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init configures an OTLP/gRPC span exporter pointed at endpoint and
// installs the resulting TracerProvider as the global otel provider, so
// every otel.Tracer(...) call already made throughout the tree
// (internal/pipeline) starts exporting real spans instead of the no-op
// default. If endpoint is empty, Init installs nothing and returns a
// Provider whose Shutdown is a no-op.
func Init(ctx context.Context, endpoint string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{}, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: new otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and closes the exporter. Safe to call on a no-op
// Provider (Init with an empty endpoint).
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
