// Package events предоставляет брокерные адаптеры EventPublisher.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/events"
	"github.com/akriventsev/anchor/framework/metrics"
)

// NATSConfig конфигурация NATS адаптера
type NATSConfig struct {
	// URL адрес сервера NATS. Игнорируется, если задан Conn.
	URL string
	// Conn готовое подключение; позволяет разделять одно подключение
	// между компонентами
	Conn *nats.Conn
	// StreamName имя JetStream потока, объявляемого адаптером
	StreamName string
	// Subjects subjects потока. Тип события совпадает с subject публикации.
	Subjects []string
	// ConnectTimeout таймаут установки подключения
	ConnectTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" && c.Conn == nil {
		return fmt.Errorf("URL or Conn is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("StreamName cannot be empty")
	}
	if len(c.Subjects) == 0 {
		return fmt.Errorf("Subjects cannot be empty")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS адаптера по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		StreamName:     "anchor-events",
		Subjects:       []string{"saga.>", "order.>"},
		ConnectTimeout: 10 * time.Second,
	}
}

// NATSAdapter публикатор событий через NATS JetStream.
// Публикация подтверждается брокером (PubAck): ошибка означает,
// что событие не принято и подлежит маршрутизации в DLQ.
type NATSAdapter struct {
	config  NATSConfig
	conn    *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics
	ownConn bool
	running bool
}

// NewNATSAdapter создает новый NATS адаптер
func NewNATSAdapter(config NATSConfig) (*NATSAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	return &NATSAdapter{
		config: config,
		conn:   config.Conn,
	}, nil
}

// WithMetrics добавляет метрики к адаптеру
func (a *NATSAdapter) WithMetrics(m *metrics.Metrics) *NATSAdapter {
	a.metrics = m
	return a
}

// Name возвращает имя компонента (реализация core.Component)
func (a *NATSAdapter) Name() string {
	return "nats-event-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (a *NATSAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Start подключается к NATS и идемпотентно объявляет поток
// (реализация core.Lifecycle)
func (a *NATSAdapter) Start(ctx context.Context) error {
	if a.running {
		return nil
	}

	if a.conn == nil {
		conn, err := nats.Connect(a.config.URL, nats.Timeout(a.config.ConnectTimeout))
		if err != nil {
			return core.Wrap(err, core.ErrUnavailable, "failed to connect to NATS")
		}
		a.conn = conn
		a.ownConn = true
	}

	js, err := a.conn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	a.js = js

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     a.config.StreamName,
		Subjects: a.config.Subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to declare stream %s: %w", a.config.StreamName, err)
	}

	a.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (a *NATSAdapter) Stop(ctx context.Context) error {
	a.running = false
	if a.ownConn && a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (a *NATSAdapter) IsRunning() bool {
	return a.running
}

// HealthCheck проверяет подключение к брокеру (реализация core.HealthCheckable)
func (a *NATSAdapter) HealthCheck(ctx context.Context) error {
	if a.conn == nil || !a.conn.IsConnected() {
		return core.NewError(core.ErrUnavailable, "NATS connection is down")
	}
	return nil
}

// Publish публикует конверт события, subject берется из routing key
func (a *NATSAdapter) Publish(ctx context.Context, env events.Envelope) error {
	if a.js == nil {
		return core.NewError(core.ErrUnavailable, "nats adapter is not started")
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	// MsgId дает дедупликацию на стороне брокера при повторной публикации
	_, err = a.js.Publish(env.RoutingKey(), data,
		nats.Context(ctx),
		nats.MsgId(env.EventID))
	if a.metrics != nil {
		a.metrics.RecordPublish(ctx, env.EventType, err == nil)
	}
	if err != nil {
		return core.Wrap(err, core.ErrPublishFailed, "failed to publish event "+env.EventType)
	}
	return nil
}
