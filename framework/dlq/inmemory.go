// Package dlq предоставляет in-memory реализацию Store для тестирования.
package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/anchor/framework/core"
)

// InMemoryStore реализация Store в памяти
type InMemoryStore struct {
	mu      sync.Mutex
	config  Config
	backoff Backoff
	events  map[string]*FailedEvent
	now     func() time.Time
}

// NewInMemoryStore создает новое in-memory хранилище DLQ
func NewInMemoryStore(config Config) (*InMemoryStore, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid dlq config")
	}
	return &InMemoryStore{
		config:  config,
		backoff: config.Backoff(),
		events:  make(map[string]*FailedEvent),
		now:     time.Now,
	}, nil
}

// WithClock подменяет источник времени (для тестов планирования)
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) Enqueue(ctx context.Context, eventType string, payload []byte, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	event := &FailedEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		Payload:     payload,
		LastError:   lastError,
		Attempts:    0,
		NextRetryAt: now, // первый повтор - на ближайшем проходе планировщика
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.events[event.ID] = event
	return nil
}

func (s *InMemoryStore) GetEventsReadyForRetry(ctx context.Context, limit int) ([]FailedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ready []FailedEvent
	for _, event := range s.events {
		if event.Status == StatusPending && !event.NextRetryAt.After(now) {
			ready = append(ready, *event)
		}
	}

	// Старейшие первыми
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextRetryAt.Before(ready[j].NextRetryAt)
	})

	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *InMemoryStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok || event.Status != StatusPending {
		return false, nil
	}
	event.Status = StatusRetrying
	event.UpdatedAt = s.now()
	return true, nil
}

func (s *InMemoryStore) MarkAsFailed(ctx context.Context, id string, lastError string) (FailedEventStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return "", core.NewError(core.ErrNotFound, "failed event "+id+" not found")
	}

	event.Attempts++
	event.LastError = lastError
	event.UpdatedAt = s.now()

	if event.Attempts >= s.config.MaxRetries {
		event.Status = StatusExhausted
		return StatusExhausted, nil
	}

	event.Status = StatusPending
	event.NextRetryAt = s.backoff.NextRetryAt(s.now(), event.Attempts)
	return StatusPending, nil
}

func (s *InMemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return core.NewError(core.ErrNotFound, "failed event "+id+" not found")
	}
	event.Status = StatusResolved
	event.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) GetStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := Stats{}
	for _, event := range s.events {
		stats.Total++
		switch event.Status {
		case StatusPending:
			stats.Pending++
			if !event.NextRetryAt.After(now) {
				stats.ReadyForRetry++
			}
		case StatusExhausted:
			stats.Exhausted++
		case StatusResolved:
			stats.Resolved++
		}
	}
	return stats, nil
}

// Get возвращает запись по ID (для тестов и ручной инспекции)
func (s *InMemoryStore) Get(id string) (FailedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return FailedEvent{}, false
	}
	return *event, true
}

// All возвращает все записи (для ручной инспекции Exhausted)
func (s *InMemoryStore) All() []FailedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]FailedEvent, 0, len(s.events))
	for _, event := range s.events {
		result = append(result, *event)
	}
	return result
}
