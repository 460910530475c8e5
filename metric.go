package eventstream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rbaliyan/eventstream"

// metrics adapter counters. A nil *metrics records nothing.
type metrics struct {
	activated   metric.Int64Counter
	deactivated metric.Int64Counter
	emitted     metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	activated, _ := meter.Int64Counter("eventstream.activated",
		metric.WithDescription("Number of stream activations (listener registered on the source)"),
		metric.WithUnit("{activation}"))
	deactivated, _ := meter.Int64Counter("eventstream.deactivated",
		metric.WithDescription("Number of stream teardowns (listener deregistered from the source)"),
		metric.WithUnit("{deactivation}"))
	emitted, _ := meter.Int64Counter("eventstream.emitted",
		metric.WithDescription("Number of values emitted into streams"),
		metric.WithUnit("{value}"))

	return &metrics{
		activated:   activated,
		deactivated: deactivated,
		emitted:     emitted,
	}
}

func eventAttrs(eventName, selector string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.String("selector", selector),
	)
}

func (m *metrics) recordActivated(eventName, selector string) {
	if m == nil || m.activated == nil {
		return
	}
	m.activated.Add(context.Background(), 1, eventAttrs(eventName, selector))
}

func (m *metrics) recordDeactivated(eventName, selector string) {
	if m == nil || m.deactivated == nil {
		return
	}
	m.deactivated.Add(context.Background(), 1, eventAttrs(eventName, selector))
}

func (m *metrics) recordEmitted(ctx context.Context, eventName, selector string) {
	if m == nil || m.emitted == nil {
		return
	}
	m.emitted.Add(ctx, 1, eventAttrs(eventName, selector))
}
