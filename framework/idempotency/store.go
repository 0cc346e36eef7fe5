// Package idempotency предоставляет распределенный guard для at-most-once
// выполнения side-effect операций: атомарное резервирование fingerprint
// с истечением срока и кешированием результата.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/akriventsev/anchor/framework/core"
)

// ReservationStatus статус резервирования fingerprint
type ReservationStatus string

const (
	// StatusReserved резервирование получено, вызывающая сторона выполняет операцию
	StatusReserved ReservationStatus = "reserved"
	// StatusAlreadyReserved fingerprint уже зарезервирован другим вызовом
	StatusAlreadyReserved ReservationStatus = "already_reserved"
	// StatusCompleted операция уже выполнена, результат закеширован
	StatusCompleted ReservationStatus = "completed"
)

// Reservation результат попытки резервирования
type Reservation struct {
	Status ReservationStatus
	// Result закешированный результат операции (только для StatusCompleted)
	Result []byte
}

// Store распределенное хранилище резервирований.
// Гарантия: при конкурентных вызовах TryReserve с одним fingerprint
// ровно один вызов получает StatusReserved.
type Store interface {
	// TryReserve атомарно создает запись в состоянии Reserved, если записи
	// нет или она истекла. Возвращает текущее состояние fingerprint.
	TryReserve(ctx context.Context, fingerprint string, ttl time.Duration) (Reservation, error)
	// Complete переводит Reserved в Completed, сохраняя результат на retention TTL
	Complete(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error
	// Release удаляет незавершенное резервирование после частичного сбоя
	Release(ctx context.Context, fingerprint string) error
}

// FailurePolicy политика поведения при недоступности хранилища
type FailurePolicy string

const (
	// FailClosed операция отклоняется, если хранилище недоступно
	FailClosed FailurePolicy = "fail_closed"
	// FailOpen операция выполняется без защиты от дублей
	FailOpen FailurePolicy = "fail_open"
)

// Fingerprint строит ключ резервирования по конвенции
// {serviceName}:{operationName}:{callerSuppliedKey}
func Fingerprint(serviceName, operationName, callerKey string) string {
	return fmt.Sprintf("%s:%s:%s", serviceName, operationName, callerKey)
}

func errNotReserved(fingerprint string) error {
	return core.NewError(core.ErrNotFound, fmt.Sprintf("fingerprint %s is not reserved", fingerprint))
}
