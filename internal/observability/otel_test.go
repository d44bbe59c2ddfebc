package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-planwatch/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabledConfig() config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "planwatch",
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_Disabled_NoOp(t *testing.T) {
	preserveOTelGlobals(t)
	prevTP := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Endpoint: "ignored:4317"}, Build{Version: "v0"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled tracing must not replace the provider")
	}
}

func TestSetupOTel_Insecure_SetsProviderAndPropagator(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig(), Build{Version: "v1.2.3", Command: "serve"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	// traceparent survives an inject/extract round through the propagator
	prop := otel.GetTextMapPropagator()
	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("test").Start(context.Background(), "ImportService.Run")
	defer span.End()
	prop.Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatalf("expected traceparent to be injected")
	}
	got := trace.SpanContextFromContext(prop.Extract(context.Background(), carrier))
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id lost in propagation")
	}
}

func TestSetupOTel_SecureTLS_SetsProvider(t *testing.T) {
	preserveOTelGlobals(t)

	cfg := enabledConfig()
	cfg.Insecure = false
	shutdown, err := SetupOTel(context.Background(), cfg, Build{Version: "v9.9.9"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}
}

func TestSetupOTel_CanceledContext_StillSucceeds(t *testing.T) {
	preserveOTelGlobals(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the gRPC connection is lazy

	shutdown, err := SetupOTel(ctx, enabledConfig(), Build{Version: "v0", Command: "import"})
	if err != nil {
		t.Fatalf("unexpected err with canceled ctx: %v", err)
	}
	_ = shutdown(context.Background())
}

func TestSetupOTel_SeamErrors_LeaveGlobalsIntact(t *testing.T) {
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes })

	cases := map[string]func(){
		"exporter": func() {
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("boom-exporter")
			}
		},
		"resource": func() {
			newServiceResourceFn = func(context.Context, config.OTELConfig, Build) (*resource.Resource, error) {
				return nil, errors.New("boom-resource")
			}
		},
	}
	for name, install := range cases {
		t.Run(name, func(t *testing.T) {
			preserveOTelGlobals(t)
			newOTLPExporterFn, newServiceResourceFn = origExp, origRes
			install()

			prevTP := otel.GetTracerProvider()
			prevProp := otel.GetTextMapPropagator()
			if _, err := SetupOTel(context.Background(), enabledConfig(), Build{Version: "v0"}); err == nil {
				t.Fatalf("expected error, got nil")
			}
			if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
				t.Fatalf("globals changed on failure")
			}
		})
	}
}

func TestServiceResource_Attributes(t *testing.T) {
	cfg := enabledConfig()
	cfg.Environment = "staging"
	res, err := newServiceResourceFn(context.Background(), cfg, Build{Version: "v1.4.0", Command: "notify"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}

	want := map[attribute.Key]string{
		"service.name":           "planwatch",
		"service.version":        "v1.4.0",
		"deployment.environment": "staging",
		"planwatch.command":      "notify",
	}
	for k, v := range want {
		got, ok := res.Set().Value(k)
		if !ok || got.AsString() != v {
			t.Fatalf("%s = %q (present=%v), want %q", k, got.AsString(), ok, v)
		}
	}

	// Optional attributes are omitted when empty.
	res, err = newServiceResourceFn(context.Background(), enabledConfig(), Build{Version: "v1"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	for _, k := range []attribute.Key{"deployment.environment", "planwatch.command"} {
		if _, ok := res.Set().Value(k); ok {
			t.Fatalf("%s should be absent", k)
		}
	}
}

func TestSampler_ByCommand(t *testing.T) {
	cfg := enabledConfig()
	cfg.SampleRatio = 0

	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "run",
	}
	for _, cmd := range []string{"import", "notify", "documents"} {
		if got := sampler(cfg, cmd).ShouldSample(params).Decision; got != sdktrace.RecordAndSample {
			t.Fatalf("%s: batch runs must always be sampled, got %v", cmd, got)
		}
	}
	for _, cmd := range []string{"serve", ""} {
		if got := sampler(cfg, cmd).ShouldSample(params).Decision; got != sdktrace.Drop {
			t.Fatalf("%q: ratio 0 should drop root spans, got %v", cmd, got)
		}
	}
}

func TestShutdown_FlushesWithinDeadline(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig(), Build{Version: "v1", Command: "import"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	_, span := otel.Tracer("smoke").Start(context.Background(), "root", trace.WithSpanKind(trace.SpanKindInternal))
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	// No collector is listening; the export may fail, but shutdown must return.
	_ = shutdown(ctx)
}
