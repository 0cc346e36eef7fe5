// Package idempotency предоставляет in-memory реализацию Store для тестирования.
package idempotency

import (
	"context"
	"sync"
	"time"
)

type record struct {
	status    ReservationStatus
	result    []byte
	expiresAt time.Time
}

// InMemoryStore реализация Store в памяти.
// Атомарность резервирования обеспечивается мьютексом процесса,
// поэтому подходит только для тестов и одиночных инстансов.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

// NewInMemoryStore создает новое in-memory хранилище
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]record),
		now:     time.Now,
	}
}

// WithClock подменяет источник времени (для тестов истечения срока)
func (s *InMemoryStore) WithClock(now func() time.Time) *InMemoryStore {
	s.now = now
	return s
}

func (s *InMemoryStore) TryReserve(ctx context.Context, fingerprint string, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[fingerprint]
	if ok && s.now().Before(existing.expiresAt) {
		switch existing.status {
		case StatusCompleted:
			return Reservation{Status: StatusCompleted, Result: existing.result}, nil
		default:
			return Reservation{Status: StatusAlreadyReserved}, nil
		}
	}

	// Записи нет или она истекла - резервируем
	s.records[fingerprint] = record{
		status:    StatusReserved,
		expiresAt: s.now().Add(ttl),
	}
	return Reservation{Status: StatusReserved}, nil
}

func (s *InMemoryStore) Complete(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[fingerprint]
	if !ok || existing.status != StatusReserved {
		return errNotReserved(fingerprint)
	}

	s.records[fingerprint] = record{
		status:    StatusCompleted,
		result:    result,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Release(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[fingerprint]
	if !ok {
		return nil
	}
	if existing.status == StatusCompleted {
		// Завершенные записи удаляются только по истечению срока
		return nil
	}
	delete(s.records, fingerprint)
	return nil
}
