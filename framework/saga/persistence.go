package saga

import (
	"context"
	"sync"
	"time"

	"github.com/akriventsev/anchor/framework/core"
)

// Persistence durable хранилище саг. Каждая сага хранится одной записью,
// шаги встроены в нее, поэтому любая мутация - атомарная запись одного
// документа без многозаписных транзакций.
type Persistence interface {
	// Save сохраняет сагу целиком. Для новой саги (Version 0) реализация
	// обязана отклонить запись с кодом ALREADY_EXISTS, если другая
	// нетерминальная сага уже удерживает correlation key. Перезапись
	// существующей саги версионируется: если запись в хранилище новее,
	// чем прочитанная вызывающей стороной, Save возвращает код CONFLICT
	// и ничего не меняет. При успехе Version саги обновляется in place.
	Save(ctx context.Context, saga *Saga) error
	// GetByID возвращает сагу по идентификатору
	GetByID(ctx context.Context, id string) (*Saga, error)
	// FindActiveByCorrelationKey возвращает нетерминальную сагу
	// с указанным correlation key, nil если такой нет
	FindActiveByCorrelationKey(ctx context.Context, key string) (*Saga, error)
	// FindExpired возвращает Running саги с настроенным таймаутом,
	// истекшим к моменту now
	FindExpired(ctx context.Context, now time.Time) ([]*Saga, error)
	// CompareAndSwapStatus атомарно переводит сагу из from в to.
	// false означает, что статус уже изменен другим инстансом.
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status) (bool, error)
}

// InMemoryPersistence реализация Persistence в памяти для тестов
// и локальной разработки
type InMemoryPersistence struct {
	mu    sync.Mutex
	sagas map[string]*Saga
}

// NewInMemoryPersistence создает новое in-memory хранилище саг
func NewInMemoryPersistence() *InMemoryPersistence {
	return &InMemoryPersistence{
		sagas: make(map[string]*Saga),
	}
}

func (p *InMemoryPersistence) Save(ctx context.Context, saga *Saga) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, exists := p.sagas[saga.ID]
	if !exists {
		for _, other := range p.sagas {
			if other.CorrelationKey == saga.CorrelationKey && !other.IsTerminal() {
				return core.NewError(core.ErrAlreadyExists,
					"active saga already exists for correlation key "+saga.CorrelationKey)
			}
		}
	} else if stored.Version != saga.Version {
		return core.NewError(core.ErrConflict,
			"saga "+saga.ID+" was modified concurrently")
	}

	clone := saga.Clone()
	clone.Version = saga.Version + 1
	p.sagas[saga.ID] = clone
	saga.Version = clone.Version
	return nil
}

func (p *InMemoryPersistence) GetByID(ctx context.Context, id string) (*Saga, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	saga, ok := p.sagas[id]
	if !ok {
		return nil, core.NewError(core.ErrNotFound, "saga "+id+" not found")
	}
	return saga.Clone(), nil
}

func (p *InMemoryPersistence) FindActiveByCorrelationKey(ctx context.Context, key string) (*Saga, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, saga := range p.sagas {
		if saga.CorrelationKey == key && !saga.IsTerminal() {
			return saga.Clone(), nil
		}
	}
	return nil, nil
}

func (p *InMemoryPersistence) FindExpired(ctx context.Context, now time.Time) ([]*Saga, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*Saga
	for _, saga := range p.sagas {
		if saga.Status == StatusRunning && saga.Expired(now) {
			expired = append(expired, saga.Clone())
		}
	}
	return expired, nil
}

func (p *InMemoryPersistence) CompareAndSwapStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	saga, ok := p.sagas[id]
	if !ok {
		return false, core.NewError(core.ErrNotFound, "saga "+id+" not found")
	}
	if saga.Status != from {
		return false, nil
	}
	saga.Status = to
	saga.Version++
	return true, nil
}
