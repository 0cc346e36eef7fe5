// Package dlq предоставляет планировщик повторной доставки failed events.
package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/events"
	"github.com/akriventsev/anchor/framework/logging"
	"github.com/akriventsev/anchor/framework/metrics"
)

// SchedulerConfig конфигурация планировщика повторов
type SchedulerConfig struct {
	// Interval период сканирования DLQ
	Interval time.Duration
	// BatchSize ограничивает число записей за один проход
	BatchSize int
}

// Validate проверяет корректность конфигурации
func (c SchedulerConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval must be greater than 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be greater than 0")
	}
	return nil
}

// DefaultSchedulerConfig возвращает конфигурацию планировщика по умолчанию
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  30 * time.Second,
		BatchSize: 100,
	}
}

// RetryScheduler периодический фоновый процесс повторной доставки.
// Каждый инстанс захватывает записи атомарным Claim, поэтому несколько
// планировщиков над одним хранилищем не доставят запись дважды.
type RetryScheduler struct {
	mu        sync.Mutex
	config    SchedulerConfig
	store     Store
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

// NewRetryScheduler создает новый планировщик повторов.
// Publisher должен быть брокерным адаптером напрямую, не ReliablePublisher:
// декоратор поглощает сбой доставки, заводя новую запись DLQ с нулевым
// счетчиком попыток, и предел MaxRetries перестает действовать.
func NewRetryScheduler(store Store, publisher events.EventPublisher, config SchedulerConfig) (*RetryScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	return &RetryScheduler{
		config:    config,
		store:     store,
		publisher: publisher,
	}, nil
}

// WithMetrics добавляет метрики к планировщику
func (s *RetryScheduler) WithMetrics(m *metrics.Metrics) *RetryScheduler {
	s.metrics = m
	return s
}

// Name возвращает имя компонента (реализация core.Component)
func (s *RetryScheduler) Name() string {
	return "dlq-retry-scheduler"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *RetryScheduler) Type() core.ComponentType {
	return core.ComponentTypeScheduler
}

// Start запускает фоновый цикл планировщика (реализация core.Lifecycle)
func (s *RetryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx)
	return nil
}

// Stop останавливает планировщик (реализация core.Lifecycle)
func (s *RetryScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли планировщик (реализация core.Lifecycle)
func (s *RetryScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run основной цикл планировщика
func (s *RetryScheduler) run(ctx context.Context) {
	defer close(s.done)

	log := logging.Ctx(ctx)
	log.Info().Dur("interval", s.config.Interval).Msg("starting dlq retry scheduler")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping dlq retry scheduler")
			return
		case <-ticker.C:
			if err := s.ProcessBatch(ctx); err != nil {
				log.Error().Err(err).Msg("dlq retry pass failed")
			}
		}
	}
}

// ProcessBatch выполняет один проход повторной доставки.
// Вынесен отдельно, чтобы тик можно было вызвать детерминированно в тестах.
func (s *RetryScheduler) ProcessBatch(ctx context.Context) error {
	ready, err := s.store.GetEventsReadyForRetry(ctx, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load events ready for retry: %w", err)
	}

	log := logging.Ctx(ctx)
	for _, event := range ready {
		claimed, err := s.store.Claim(ctx, event.ID)
		if err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("failed to claim dlq event")
			continue
		}
		if !claimed {
			// Запись захвачена другим инстансом планировщика
			continue
		}

		s.redeliver(ctx, event)
	}
	return nil
}

// redeliver пытается повторно опубликовать одно событие
func (s *RetryScheduler) redeliver(ctx context.Context, event FailedEvent) {
	log := logging.Ctx(ctx)

	if s.metrics != nil {
		s.metrics.RecordDLQ(ctx, "retried")
	}

	env := events.NewRawEnvelope(event.EventType, event.Payload)
	if err := s.publisher.Publish(ctx, env); err != nil {
		status, markErr := s.store.MarkAsFailed(ctx, event.ID, err.Error())
		if markErr != nil {
			log.Error().Err(markErr).Str("event_id", event.ID).Msg("failed to record retry failure")
			return
		}
		if status == StatusExhausted {
			log.Warn().
				Str("event_id", event.ID).
				Str("event_type", event.EventType).
				Int("attempts", event.Attempts+1).
				Msg("dlq event exhausted, parked for manual inspection")
			if s.metrics != nil {
				s.metrics.RecordDLQ(ctx, "exhausted")
			}
		}
		return
	}

	if err := s.store.Remove(ctx, event.ID); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("failed to resolve redelivered event")
		return
	}

	if s.metrics != nil {
		s.metrics.RecordDLQ(ctx, "resolved")
	}
	log.Debug().Str("event_id", event.ID).Str("event_type", event.EventType).Msg("dlq event redelivered")
}
