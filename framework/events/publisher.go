// Package events предоставляет реализации EventPublisher.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/anchor/framework/logging"
	"github.com/akriventsev/anchor/framework/metrics"
)

// EventPublisher контракт durable-публикации событий в брокер.
// Реализация обязана подтверждать доставку; ошибка означает,
// что событие не было принято брокером.
type EventPublisher interface {
	// Publish публикует конверт события, routing key берется из конверта
	Publish(ctx context.Context, env Envelope) error
}

// EventHandler обработчик событий для подписки
type EventHandler func(ctx context.Context, env Envelope) error

// EventSubscriber подписчик на события по паттерну routing key
type EventSubscriber interface {
	// Subscribe подписывается на события, тип которых соответствует паттерну
	Subscribe(pattern string, handler EventHandler)
}

// DeadLetter приемник событий, которые не удалось опубликовать
type DeadLetter interface {
	// Enqueue сохраняет событие для последующего повтора
	Enqueue(ctx context.Context, eventType string, payload []byte, lastError string) error
}

// InMemoryPublisher публикатор событий в памяти. Используется в тестах
// и как локальная шина: подписчики вызываются синхронно в порядке подписки.
type InMemoryPublisher struct {
	mu          sync.RWMutex
	bindings    []binding
	failNext    error  // инъекция ошибки публикации для тестов
	failPattern string // ограничивает инъекцию паттерном routing key
}

type binding struct {
	pattern string
	handler EventHandler
}

// NewInMemoryPublisher создает новый in-memory публикатор
func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

// Subscribe подписывается на события по паттерну routing key
func (p *InMemoryPublisher) Subscribe(pattern string, handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings = append(p.bindings, binding{pattern: pattern, handler: handler})
}

// FailNext заставляет следующую публикацию завершиться указанной ошибкой
func (p *InMemoryPublisher) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
	p.failPattern = ""
}

// FailNextMatching заставляет следующую публикацию события, routing key
// которого соответствует паттерну, завершиться указанной ошибкой
func (p *InMemoryPublisher) FailNextMatching(pattern string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
	p.failPattern = pattern
}

// Publish доставляет событие всем подходящим подписчикам
func (p *InMemoryPublisher) Publish(ctx context.Context, env Envelope) error {
	p.mu.Lock()
	if p.failNext != nil && (p.failPattern == "" || MatchRoutingKey(p.failPattern, env.RoutingKey())) {
		err := p.failNext
		p.failNext = nil
		p.failPattern = ""
		p.mu.Unlock()
		return err
	}
	handlers := make([]EventHandler, 0, len(p.bindings))
	for _, b := range p.bindings {
		if MatchRoutingKey(b.pattern, env.RoutingKey()) {
			handlers = append(handlers, b.handler)
		}
	}
	p.mu.Unlock()

	for _, handler := range handlers {
		if err := handler(ctx, env); err != nil {
			return fmt.Errorf("handler failed for event %s: %w", env.EventType, err)
		}
	}

	return nil
}

// ReliableConfig конфигурация надежного публикатора
type ReliableConfig struct {
	// PublishTimeout ограничивает время ожидания подтверждения брокера.
	// Таймаут трактуется как сбой доставки.
	PublishTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c ReliableConfig) Validate() error {
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PublishTimeout must be greater than 0")
	}
	return nil
}

// DefaultReliableConfig возвращает конфигурацию надежного публикатора по умолчанию
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		PublishTimeout: 5 * time.Second,
	}
}

// ReliablePublisher декоратор EventPublisher с гарантией at-least-once:
// событие, которое не удалось доставить в брокер за отведенный таймаут,
// помещается в dead letter queue вместо того, чтобы быть потерянным.
// Транзиентные сбои доставки не поднимаются до вызывающей стороны.
type ReliablePublisher struct {
	inner      EventPublisher
	deadLetter DeadLetter
	config     ReliableConfig
	metrics    *metrics.Metrics
}

// NewReliablePublisher создает надежный публикатор поверх брокерного адаптера
func NewReliablePublisher(inner EventPublisher, deadLetter DeadLetter, config ReliableConfig) (*ReliablePublisher, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner publisher is required")
	}
	if deadLetter == nil {
		return nil, fmt.Errorf("dead letter queue is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reliable publisher config: %w", err)
	}

	return &ReliablePublisher{
		inner:      inner,
		deadLetter: deadLetter,
		config:     config,
	}, nil
}

// WithMetrics добавляет метрики к публикатору
func (p *ReliablePublisher) WithMetrics(m *metrics.Metrics) *ReliablePublisher {
	p.metrics = m
	return p
}

// Publish публикует событие; при сбое доставки маршрутизирует его в DLQ.
// Возвращает ошибку только если событие не удалось сохранить и в DLQ.
func (p *ReliablePublisher) Publish(ctx context.Context, env Envelope) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	err := p.inner.Publish(publishCtx, env)
	if err == nil {
		return nil
	}

	logging.Ctx(ctx).Warn().
		Err(err).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Msg("publish failed, routing event to dead letter queue")

	if dlqErr := p.deadLetter.Enqueue(ctx, env.EventType, env.Payload, err.Error()); dlqErr != nil {
		return fmt.Errorf("failed to publish event %s and failed to enqueue to DLQ: %w", env.EventID, dlqErr)
	}
	if p.metrics != nil {
		p.metrics.RecordDLQ(ctx, "enqueued")
	}

	return nil
}
