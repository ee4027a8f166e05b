package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type transportMetrics struct {
	messagesReceived metric.Int64Counter
	requestsSent     metric.Int64Counter
	unmatched        metric.Int64Counter
	reconnects       metric.Int64Counter
}

func newTransportMetrics() *transportMetrics {
	meter := otel.Meter("derivws.transport")
	m := &transportMetrics{}
	m.messagesReceived, _ = meter.Int64Counter("derivws.transport.messages.received",
		metric.WithDescription("Number of frames received from the API"),
		metric.WithUnit("{message}"))
	m.requestsSent, _ = meter.Int64Counter("derivws.transport.requests.sent",
		metric.WithDescription("Number of requests written to the socket"),
		metric.WithUnit("{request}"))
	m.unmatched, _ = meter.Int64Counter("derivws.transport.messages.unmatched",
		metric.WithDescription("Number of frames with no matching pending request"),
		metric.WithUnit("{message}"))
	m.reconnects, _ = meter.Int64Counter("derivws.transport.reconnects",
		metric.WithDescription("Reconnect attempts by result"),
		metric.WithUnit("{attempt}"))
	return m
}

func (m *transportMetrics) recordReceived(ctx context.Context, connID int) {
	if m.messagesReceived != nil {
		m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.Int("connection", connID)))
	}
}

func (m *transportMetrics) recordSent(ctx context.Context, connID int) {
	if m.requestsSent != nil {
		m.requestsSent.Add(ctx, 1, metric.WithAttributes(attribute.Int("connection", connID)))
	}
}

func (m *transportMetrics) recordUnmatched(ctx context.Context, connID int) {
	if m.unmatched != nil {
		m.unmatched.Add(ctx, 1, metric.WithAttributes(attribute.Int("connection", connID)))
	}
}

func (m *transportMetrics) recordReconnect(ctx context.Context, connID int, result string) {
	if m.reconnects != nil {
		m.reconnects.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("connection", connID),
			attribute.String("result", result)))
	}
}
