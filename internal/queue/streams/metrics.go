package streams

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type streamMetrics struct {
	publishedTotal otelmetric.Int64Counter
	rejectedTotal  otelmetric.Int64Counter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("fivediag/queue/streams")
	m := &streamMetrics{}
	if c, err := meter.Int64Counter("streams_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams")); err == nil {
		m.publishedTotal = c
	}
	if c, err := meter.Int64Counter("streams_rejected_total",
		otelmetric.WithDescription("Envelopes rejected by schema validation")); err == nil {
		m.rejectedTotal = c
	}
	return m
}

func (m *streamMetrics) published(ctx context.Context, stream, eventType string) {
	if m == nil || m.publishedTotal == nil {
		return
	}
	m.publishedTotal.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func (m *streamMetrics) rejected(ctx context.Context, stream, eventType string) {
	if m == nil || m.rejectedTotal == nil {
		return
	}
	m.rejectedTotal.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}
