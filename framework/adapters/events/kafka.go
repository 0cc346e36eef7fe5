package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/events"
	"github.com/akriventsev/anchor/framework/metrics"
)

// KafkaConfig конфигурация Kafka адаптера
type KafkaConfig struct {
	Brokers []string
	// Topic единый топик событий; routing key события передается
	// ключом сообщения и заголовком event_type
	Topic             string
	NumPartitions     int
	ReplicationFactor int
	Compression       string // none, gzip, snappy, lz4, zstd
	BatchSize         int
	BatchTimeout      time.Duration
	WriteTimeout      time.Duration
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("Brokers cannot be empty")
	}
	if c.Topic == "" {
		return fmt.Errorf("Topic cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka адаптера по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:           []string{"localhost:9092"},
		Topic:             "anchor-events",
		NumPartitions:     8,
		ReplicationFactor: 1,
		Compression:       "snappy",
		BatchSize:         100,
		BatchTimeout:      10 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
	}
}

// KafkaAdapter публикатор событий через Kafka с подтверждением записи
// всеми репликами. Ключ сообщения - routing key события, поэтому события
// одного типа сохраняют порядок внутри партиции.
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	metrics *metrics.Metrics
	running bool
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		Compression:  kafkaCompression(config.Compression),
	}

	return &KafkaAdapter{
		config: config,
		writer: writer,
	}, nil
}

// kafkaCompression преобразует строку в kafka.Compression
func kafkaCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// WithMetrics добавляет метрики к адаптеру
func (a *KafkaAdapter) WithMetrics(m *metrics.Metrics) *KafkaAdapter {
	a.metrics = m
	return a
}

// Name возвращает имя компонента (реализация core.Component)
func (a *KafkaAdapter) Name() string {
	return "kafka-event-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (a *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Start идемпотентно объявляет топик адаптера (реализация core.Lifecycle)
func (a *KafkaAdapter) Start(ctx context.Context) error {
	if a.running {
		return nil
	}

	conn, err := kafka.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return core.Wrap(err, core.ErrUnavailable, "failed to connect to Kafka")
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             a.config.Topic,
		NumPartitions:     a.config.NumPartitions,
		ReplicationFactor: a.config.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to declare topic %s: %w", a.config.Topic, err)
	}

	a.running = true
	return nil
}

// Stop останавливает адаптер и закрывает writer (реализация core.Lifecycle)
func (a *KafkaAdapter) Stop(ctx context.Context) error {
	a.running = false
	if a.writer != nil {
		return a.writer.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (a *KafkaAdapter) IsRunning() bool {
	return a.running
}

// Publish публикует конверт события с ожиданием подтверждения записи
func (a *KafkaAdapter) Publish(ctx context.Context, env events.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(env.RoutingKey()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "occurred_at", Value: []byte(env.OccurredAt.Format(time.RFC3339))},
		},
	}

	err = a.writer.WriteMessages(ctx, msg)
	if a.metrics != nil {
		a.metrics.RecordPublish(ctx, env.EventType, err == nil)
	}
	if err != nil {
		return core.Wrap(err, core.ErrPublishFailed, "failed to publish event "+env.EventType)
	}
	return nil
}
