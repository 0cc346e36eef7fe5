// Package metrics предоставляет функции для настройки системы метрик.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// SetupConfig конфигурация экспорта метрик
type SetupConfig struct {
	ServiceName   string
	ResourceAttrs map[string]string
}

// Setup настраивает Prometheus exporter и глобальный MeterProvider.
// Экспорт в конкретный observability pipeline - забота внешней платформы.
func Setup(config SetupConfig) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	attrs := make([]attribute.KeyValue, 0, len(config.ResourceAttrs)+1)
	if config.ServiceName != "" {
		attrs = append(attrs, attribute.String("service.name", config.ServiceName))
	}
	for k, v := range config.ResourceAttrs {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	otel.SetMeterProvider(provider)

	return provider, nil
}
