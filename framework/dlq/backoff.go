// Package dlq предоставляет вычисление задержек повтора.
package dlq

import (
	"math/rand"
	"time"
)

// Backoff экспоненциальная задержка повтора с потолком.
// Без Jitter вычисление детерминировано: две записи с одинаковым
// числом попыток всегда получают одинаковую задержку.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay возвращает задержку перед повтором для указанного числа попыток
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	// Сдвиг на 32+ гарантированно превышает любой разумный потолок
	if attempts >= 32 {
		return b.withJitter(b.Max)
	}

	delay := b.Base << uint(attempts)
	if delay > b.Max || delay < b.Base {
		delay = b.Max
	}

	return b.withJitter(delay)
}

// NextRetryAt возвращает момент следующего повтора
func (b Backoff) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}

// withJitter добавляет случайный разброс до половины задержки
func (b Backoff) withJitter(delay time.Duration) time.Duration {
	if !b.Jitter || delay <= 0 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
