package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter failed: %v", err)
	}
	return m, reader
}

// sumMetric суммирует все data points метрики с указанным именем
func sumMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum: %T", name, metric.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetrics_DLQDepthFollowsEventLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDLQ(ctx, "enqueued")
	if got := sumMetric(t, reader, "dlq_depth"); got != 1 {
		t.Errorf("expected depth 1 after enqueue, got %d", got)
	}

	m.RecordDLQ(ctx, "retried")
	if got := sumMetric(t, reader, "dlq_depth"); got != 1 {
		t.Errorf("retry must not change depth, got %d", got)
	}

	m.RecordDLQ(ctx, "resolved")
	if got := sumMetric(t, reader, "dlq_depth"); got != 0 {
		t.Errorf("expected depth 0 after resolve, got %d", got)
	}

	m.RecordDLQ(ctx, "enqueued")
	m.RecordDLQ(ctx, "exhausted")
	if got := sumMetric(t, reader, "dlq_depth"); got != 0 {
		t.Errorf("exhausted event must leave depth at 0, got %d", got)
	}

	if got := sumMetric(t, reader, "dlq_events_total"); got != 5 {
		t.Errorf("expected 5 recorded actions, got %d", got)
	}
}

func TestMetrics_RecordReservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReservation(ctx, "reserved")
	m.RecordReservation(ctx, "already_reserved")

	if got := sumMetric(t, reader, "idempotency_reservations_total"); got != 2 {
		t.Errorf("expected 2 reservations recorded, got %d", got)
	}
}
