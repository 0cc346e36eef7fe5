package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/akriventsev/anchor/framework/events"
)

// PublisherFactory фабрика брокерных адаптеров EventPublisher
type PublisherFactory interface {
	Create(publisherType string, config interface{}) (events.EventPublisher, error)
	Register(name string, creator func(config interface{}) (events.EventPublisher, error)) error
}

// DefaultPublisherFactory реализация фабрики с built-in адаптерами
type DefaultPublisherFactory struct {
	mu       sync.RWMutex
	creators map[string]func(config interface{}) (events.EventPublisher, error)
}

// NewPublisherFactory создает фабрику с зарегистрированными
// nats, kafka и inmemory адаптерами
func NewPublisherFactory() *DefaultPublisherFactory {
	factory := &DefaultPublisherFactory{
		creators: make(map[string]func(config interface{}) (events.EventPublisher, error)),
	}

	_ = factory.Register("nats", func(config interface{}) (events.EventPublisher, error) {
		cfg, ok := config.(NATSConfig)
		if !ok {
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
		return NewNATSAdapter(cfg)
	})

	_ = factory.Register("kafka", func(config interface{}) (events.EventPublisher, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg)
	})

	_ = factory.Register("inmemory", func(config interface{}) (events.EventPublisher, error) {
		return events.NewInMemoryPublisher(), nil
	})

	return factory
}

// Create создает адаптер указанного типа
func (f *DefaultPublisherFactory) Create(publisherType string, config interface{}) (events.EventPublisher, error) {
	f.mu.RLock()
	creator, exists := f.creators[publisherType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown event publisher type: %s", publisherType)
	}

	publisher, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s event publisher: %w", publisherType, err)
	}
	return publisher, nil
}

// Register регистрирует custom адаптер
func (f *DefaultPublisherFactory) Register(name string, creator func(config interface{}) (events.EventPublisher, error)) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает список зарегистрированных адаптеров
func (f *DefaultPublisherFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	return names
}

// CompositePublisher публикует событие в несколько адаптеров.
// Ошибка любого из них возвращается вызывающей стороне, публикация
// в остальные при этом не прерывается.
type CompositePublisher struct {
	publishers []events.EventPublisher
}

// NewCompositePublisher создает composite публикатор
func NewCompositePublisher(publishers ...events.EventPublisher) *CompositePublisher {
	return &CompositePublisher{publishers: publishers}
}

// Publish публикует событие во все адаптеры
func (c *CompositePublisher) Publish(ctx context.Context, env events.Envelope) error {
	var lastErr error
	for _, publisher := range c.publishers {
		if err := publisher.Publish(ctx, env); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
