// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик слоя надежности. Счетчики отдаются во внешний
// observability sink через сконфигурированный MeterProvider.
type Metrics struct {
	meter             metric.Meter
	sagasTotal        metric.Int64Counter
	sagaDuration      metric.Float64Histogram
	stepsTotal        metric.Int64Counter
	dlqEventsTotal    metric.Int64Counter
	dlqDepth          metric.Int64UpDownCounter
	idempotencyTotal  metric.Int64Counter
	publishesTotal    metric.Int64Counter
}

// NewMetrics создает новый сборщик метрик на глобальном MeterProvider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("anchor"))
}

// NewMetricsWithMeter создает сборщик метрик на явно переданном meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	sagasTotal, err := meter.Int64Counter(
		"sagas_total",
		metric.WithDescription("Total number of sagas by outcome (started, completed, compensated, timed_out, failed)"),
	)
	if err != nil {
		return nil, err
	}

	sagaDuration, err := meter.Float64Histogram(
		"saga_duration_seconds",
		metric.WithDescription("Saga execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepsTotal, err := meter.Int64Counter(
		"saga_steps_total",
		metric.WithDescription("Total number of saga steps by outcome"),
	)
	if err != nil {
		return nil, err
	}

	dlqEventsTotal, err := meter.Int64Counter(
		"dlq_events_total",
		metric.WithDescription("Total number of DLQ events by action (enqueued, retried, resolved, exhausted)"),
	)
	if err != nil {
		return nil, err
	}

	dlqDepth, err := meter.Int64UpDownCounter(
		"dlq_depth",
		metric.WithDescription("Number of events currently parked in the DLQ"),
	)
	if err != nil {
		return nil, err
	}

	idempotencyTotal, err := meter.Int64Counter(
		"idempotency_reservations_total",
		metric.WithDescription("Total number of idempotency reservations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	publishesTotal, err := meter.Int64Counter(
		"event_publishes_total",
		metric.WithDescription("Total number of event publish attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:            meter,
		sagasTotal:       sagasTotal,
		sagaDuration:     sagaDuration,
		stepsTotal:       stepsTotal,
		dlqEventsTotal:   dlqEventsTotal,
		dlqDepth:         dlqDepth,
		idempotencyTotal: idempotencyTotal,
		publishesTotal:   publishesTotal,
	}, nil
}

// RecordSaga записывает исход саги (started, completed, compensated, timed_out, failed)
func (m *Metrics) RecordSaga(ctx context.Context, outcome string) {
	m.sagasTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordSagaDuration записывает длительность саги
func (m *Metrics) RecordSagaDuration(ctx context.Context, seconds float64, outcome string) {
	m.sagaDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordStep записывает исход шага саги
func (m *Metrics) RecordStep(ctx context.Context, stepName, outcome string) {
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", stepName),
		attribute.String("outcome", outcome),
	))
}

// RecordDLQ записывает действие над DLQ записью (enqueued, retried, resolved, exhausted)
func (m *Metrics) RecordDLQ(ctx context.Context, action string) {
	m.dlqEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
	))
	switch action {
	case "enqueued":
		m.dlqDepth.Add(ctx, 1)
	case "resolved", "exhausted":
		m.dlqDepth.Add(ctx, -1)
	}
}

// RecordReservation записывает исход резервирования idempotency fingerprint
func (m *Metrics) RecordReservation(ctx context.Context, outcome string) {
	m.idempotencyTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordPublish записывает исход публикации события
func (m *Metrics) RecordPublish(ctx context.Context, eventType string, success bool) {
	m.publishesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventType),
		attribute.Bool("success", success),
	))
}
