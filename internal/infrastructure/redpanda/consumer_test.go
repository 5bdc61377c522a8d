package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

func resultRecord(t *testing.T, offset int64) *kgo.Record {
	t.Helper()
	value, err := json.Marshal(ResultMessage{
		RunID:      "run-1",
		ComputedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Result:     &adherence.Result{PatientID: "P1", OverallAdherence: 0.5, CoveredDays: 5, WindowDays: 10},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return &kgo.Record{
		Topic:     TopicAdherenceResults,
		Partition: 2,
		Offset:    offset,
		Key:       []byte("P1"),
		Value:     value,
		Headers:   []kgo.RecordHeader{{Key: HeaderRunID, Value: []byte("run-1")}},
	}
}

func TestConsumerHandleDecodesResult(t *testing.T) {
	var got *ResultMessage
	var headers map[string]string
	c := newConsumer(nil, DefaultConsumerConfig(), func(_ context.Context, msg *ConsumedMessage) error {
		rm, err := msg.DecodeResult()
		if err != nil {
			return err
		}
		got, headers = rm, msg.Headers
		return nil
	}, zap.NewNop())

	if err := c.handle(context.Background(), resultRecord(t, 41)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got == nil || got.RunID != "run-1" || got.Result.PatientID != "P1" || got.Result.WindowDays != 10 {
		t.Errorf("unexpected result %+v", got)
	}
	if headers[HeaderRunID] != "run-1" {
		t.Errorf("expected run id header, got %v", headers)
	}
	if s := c.Stats(); s.MessagesRead != 1 || s.ErrorCount != 0 || s.BytesRead == 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestConsumerHandleCountsErrors(t *testing.T) {
	boom := errors.New("boom")
	c := newConsumer(nil, DefaultConsumerConfig(), func(context.Context, *ConsumedMessage) error {
		return boom
	}, zap.NewNop())

	if err := c.handle(context.Background(), resultRecord(t, 1)); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if s := c.Stats(); s.MessagesRead != 0 || s.ErrorCount != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDecodeResultRejectsBadValues(t *testing.T) {
	for _, value := range []string{"not json", `{"run_id":"r"}`} {
		msg := &ConsumedMessage{Topic: "t", Value: []byte(value)}
		if _, err := msg.DecodeResult(); err == nil {
			t.Errorf("expected error for %q", value)
		}
	}
}

func TestExtractTraceContext(t *testing.T) {
	rec := resultRecord(t, 0)
	rec.Headers = append(rec.Headers, kgo.RecordHeader{
		Key:   "traceparent",
		Value: []byte("00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01"),
	})

	sc := trace.SpanContextFromContext(extractTraceContext(context.Background(), rec))
	if !sc.IsValid() || !sc.IsRemote() {
		t.Fatalf("expected a remote span context, got %+v", sc)
	}
	if sc.TraceID().String() != "0102030405060708090a0b0c0d0e0f10" {
		t.Errorf("unexpected trace id %s", sc.TraceID())
	}
	if !sc.IsSampled() {
		t.Error("expected sampled flag")
	}
}

func TestHeaderCarrierRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	rec := toKgoRecord(ctx, &Record{Topic: "t", Key: "P1"})
	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), rec))
	if got.TraceID() != traceID || got.SpanID() != spanID || got.IsSampled() {
		t.Errorf("unexpected span context %+v", got)
	}
}

func TestNewConsumerValidates(t *testing.T) {
	if _, err := NewConsumer(DefaultConsumerConfig(), nil, nil); err == nil {
		t.Error("expected error without handler")
	}
	cfg := DefaultConsumerConfig()
	cfg.Brokers = nil
	noop := func(context.Context, *ConsumedMessage) error { return nil }
	if _, err := NewConsumer(cfg, noop, nil); err == nil {
		t.Error("expected error without brokers")
	}
}
