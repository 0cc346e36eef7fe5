// Package dlq предоставляет Dead Letter Queue: durable хранилище событий,
// которые не удалось опубликовать, с планированием повторов по
// экспоненциальному backoff и терминальным состоянием Exhausted.
package dlq

import (
	"context"
	"fmt"
	"time"
)

// FailedEventStatus статус записи в DLQ
type FailedEventStatus string

const (
	// StatusPending запись ожидает повторной доставки
	StatusPending FailedEventStatus = "pending"
	// StatusRetrying запись захвачена планировщиком (атомарный claim)
	StatusRetrying FailedEventStatus = "retrying"
	// StatusExhausted лимит повторов исчерпан, требуется ручное вмешательство
	StatusExhausted FailedEventStatus = "exhausted"
	// StatusResolved событие успешно доставлено повторно
	StatusResolved FailedEventStatus = "resolved"
)

// IsTerminal проверяет, является ли статус терминальным
func (s FailedEventStatus) IsTerminal() bool {
	return s == StatusExhausted || s == StatusResolved
}

// FailedEvent запись о событии, которое не удалось опубликовать
type FailedEvent struct {
	ID          string
	EventType   string
	Payload     []byte
	LastError   string
	Attempts    int
	NextRetryAt time.Time
	Status      FailedEventStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stats счетчики DLQ для observability
type Stats struct {
	Total         int64
	Pending       int64
	ReadyForRetry int64
	Exhausted     int64
	Resolved      int64
}

// Store durable хранилище failed events. Все мутации - атомарные
// conditional writes над одной записью, что позволяет безопасно запускать
// несколько планировщиков над одним хранилищем.
type Store interface {
	// Enqueue сохраняет событие с attempts=0 и немедленной готовностью к повтору.
	// Сигнатура совместима с events.DeadLetter.
	Enqueue(ctx context.Context, eventType string, payload []byte, lastError string) error
	// GetEventsReadyForRetry возвращает Pending записи с nextRetryAt <= now,
	// старейшие первыми, не больше limit
	GetEventsReadyForRetry(ctx context.Context, limit int) ([]FailedEvent, error)
	// Claim атомарно переводит Pending -> Retrying; false, если запись
	// уже захвачена другим планировщиком или ушла из Pending
	Claim(ctx context.Context, id string) (bool, error)
	// MarkAsFailed фиксирует неудачный повтор: инкремент attempts,
	// пересчет nextRetryAt по backoff, либо перевод в Exhausted.
	// Возвращает статус записи после обновления.
	MarkAsFailed(ctx context.Context, id string, lastError string) (FailedEventStatus, error)
	// Remove помечает запись доставленной (Resolved) после успешного повтора
	Remove(ctx context.Context, id string) error
	// GetStats возвращает счетчики записей по статусам
	GetStats(ctx context.Context) (Stats, error)
}

// Config конфигурация DLQ
type Config struct {
	// BackoffBase базовая задержка повтора, растет как base * 2^attempts
	BackoffBase time.Duration
	// BackoffMax потолок задержки повтора
	BackoffMax time.Duration
	// MaxRetries число повторов, после которого запись переходит в Exhausted
	MaxRetries int
	// BatchSize ограничивает объем работы за один проход планировщика
	BatchSize int
	// Jitter добавляет случайный разброс к задержке, размазывая
	// retry-штормы при массовых сбоях. По умолчанию выключен:
	// задержка детерминирована.
	Jitter bool
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.BackoffBase <= 0 {
		return fmt.Errorf("BackoffBase must be greater than 0")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BackoffMax must be greater than or equal to BackoffBase")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MaxRetries must be greater than 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be greater than 0")
	}
	return nil
}

// DefaultConfig возвращает конфигурацию DLQ по умолчанию
func DefaultConfig() Config {
	return Config{
		BackoffBase: 5 * time.Second,
		BackoffMax:  10 * time.Minute,
		MaxRetries:  10,
		BatchSize:   100,
	}
}

// Backoff возвращает функцию backoff из конфигурации
func (c Config) Backoff() Backoff {
	return Backoff{
		Base:   c.BackoffBase,
		Max:    c.BackoffMax,
		Jitter: c.Jitter,
	}
}
