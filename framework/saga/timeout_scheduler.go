package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/logging"
)

// TimeoutSchedulerConfig конфигурация планировщика таймаутов
type TimeoutSchedulerConfig struct {
	// Interval период проверки Running саг на истечение таймаута
	Interval time.Duration
}

// Validate проверяет корректность конфигурации
func (c TimeoutSchedulerConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval must be greater than 0")
	}
	return nil
}

// DefaultTimeoutSchedulerConfig возвращает конфигурацию планировщика по умолчанию
func DefaultTimeoutSchedulerConfig() TimeoutSchedulerConfig {
	return TimeoutSchedulerConfig{
		Interval: 10 * time.Second,
	}
}

// TimeoutScheduler периодический фоновый процесс обнаружения истекших саг.
// Таймаут кооперативный: уже выполняющийся шаг не прерывается, таймаут
// лишь запрещает дальнейший прогресс и запускает компенсацию.
type TimeoutScheduler struct {
	mu           sync.Mutex
	config       TimeoutSchedulerConfig
	orchestrator *Orchestrator
	cancel       context.CancelFunc
	done         chan struct{}
	running      bool
}

// NewTimeoutScheduler создает новый планировщик таймаутов саг
func NewTimeoutScheduler(orchestrator *Orchestrator, config TimeoutSchedulerConfig) (*TimeoutScheduler, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeout scheduler config: %w", err)
	}

	return &TimeoutScheduler{
		config:       config,
		orchestrator: orchestrator,
	}, nil
}

// Name возвращает имя компонента (реализация core.Component)
func (s *TimeoutScheduler) Name() string {
	return "saga-timeout-scheduler"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *TimeoutScheduler) Type() core.ComponentType {
	return core.ComponentTypeScheduler
}

// Start запускает фоновый цикл планировщика (реализация core.Lifecycle)
func (s *TimeoutScheduler) Start(ctx context.Context) error {
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
func (s *TimeoutScheduler) Stop(ctx context.Context) error {
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
func (s *TimeoutScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run основной цикл планировщика
func (s *TimeoutScheduler) run(ctx context.Context) {
	defer close(s.done)

	log := logging.Ctx(ctx)
	log.Info().Dur("interval", s.config.Interval).Msg("starting saga timeout scheduler")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping saga timeout scheduler")
			return
		case <-ticker.C:
			if _, err := s.orchestrator.DetectTimeouts(ctx); err != nil {
				log.Error().Err(err).Msg("saga timeout pass failed")
			}
		}
	}
}
