package subs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type subsMetrics struct {
	active metric.Int64UpDownCounter
}

func newSubsMetrics() *subsMetrics {
	meter := otel.Meter("derivws.subs")
	m := &subsMetrics{}
	m.active, _ = meter.Int64UpDownCounter("derivws.subs.active",
		metric.WithDescription("Number of live upstream subscriptions"),
		metric.WithUnit("{subscription}"))
	return m
}

func (m *subsMetrics) recordOpened(ctx context.Context, connID int) {
	if m.active != nil {
		m.active.Add(ctx, 1, metric.WithAttributes(attribute.Int("connection", connID)))
	}
}

func (m *subsMetrics) recordClosed(ctx context.Context, connID int, n int) {
	if m.active != nil && n > 0 {
		m.active.Add(ctx, int64(-n), metric.WithAttributes(attribute.Int("connection", connID)))
	}
}
