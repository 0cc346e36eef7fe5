// Package tasks предоставляет ограниченный пул воркеров для фоновой
// работы вне критического пути: отправка не блокирует вызывающую
// сторону, но ошибки выполнения никогда не остаются незамеченными.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/logging"
)

// Task единица фоновой работы
type Task func(ctx context.Context) error

// PoolConfig конфигурация пула воркеров
type PoolConfig struct {
	// Workers число одновременно выполняемых задач
	Workers int
	// QueueSize емкость очереди ожидающих задач
	QueueSize int
}

// Validate проверяет корректность конфигурации
func (c PoolConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("Workers must be greater than 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be greater than 0")
	}
	return nil
}

// DefaultPoolConfig возвращает конфигурацию пула по умолчанию
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   4,
		QueueSize: 256,
	}
}

// Pool ограниченный пул воркеров. Ошибки задач логируются воркером,
// переполнение очереди возвращается вызывающей стороне как ошибка,
// а не приводит к неограниченному росту горутин.
type Pool struct {
	mu      sync.Mutex
	config  PoolConfig
	queue   chan namedTask
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type namedTask struct {
	name string
	task Task
}

// NewPool создает новый пул воркеров
func NewPool(config PoolConfig) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	return &Pool{
		config: config,
	}, nil
}

// Name возвращает имя компонента (реализация core.Component)
func (p *Pool) Name() string {
	return "task-pool"
}

// Type возвращает тип компонента (реализация core.Component)
func (p *Pool) Type() core.ComponentType {
	return core.ComponentTypeScheduler
}

// Start запускает воркеры пула (реализация core.Lifecycle)
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.queue = make(chan namedTask, p.config.QueueSize)
	p.running = true

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(loopCtx)
	}
	return nil
}

// Stop останавливает пул, дожидаясь завершения запущенных задач
// (реализация core.Lifecycle)
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли пул (реализация core.Lifecycle)
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Submit ставит задачу в очередь пула. Возвращает ошибку, если пул
// остановлен или очередь заполнена: вызывающая сторона решает,
// отбросить работу или выполнить ее синхронно.
func (p *Pool) Submit(name string, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return core.NewError(core.ErrUnavailable, "task pool is not running")
	}

	select {
	case p.queue <- namedTask{name: name, task: task}:
		return nil
	default:
		return core.NewError(core.ErrExhausted, "task queue is full")
	}
}

// worker выполняет задачи из очереди до ее закрытия
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for item := range p.queue {
		if err := item.task(ctx); err != nil {
			logging.Ctx(ctx).Error().
				Err(err).
				Str("task", item.name).
				Msg("background task failed")
		}
	}
}
