package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitWithoutEndpointIsDisabled(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("pdc"))
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if p.Enabled() {
		t.Error("expected tracing disabled without endpoint")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInitInstallsPropagator(t *testing.T) {
	if _, err := Init(context.Background(), DefaultConfig("pdc")); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	carrier := propagation.MapCarrier{"traceparent": "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01"}
	sc := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))
	if !sc.IsValid() {
		t.Fatal("expected traceparent to be extracted without an exporter")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want sdktrace.SamplingDecision
	}{
		{1, sdktrace.RecordAndSample},
		{2, sdktrace.RecordAndSample},
		{0, sdktrace.Drop},
		{-1, sdktrace.Drop},
	}

	traceID := trace.TraceID{1, 2, 3}
	for _, tt := range tests {
		res := Sampler(tt.rate).ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       traceID,
			Name:          "batch_run",
		})
		if res.Decision != tt.want {
			t.Errorf("rate %v: expected %v, got %v", tt.rate, tt.want, res.Decision)
		}
	}
}

func TestSamplerFollowsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)

	res := Sampler(0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: ctx,
		TraceID:       parent.TraceID(),
		Name:          "consume_result",
	})
	if res.Decision != sdktrace.RecordAndSample {
		t.Errorf("expected sampled parent to be followed, got %v", res.Decision)
	}
}
