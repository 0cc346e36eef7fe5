package saga

import (
	"errors"
	"fmt"

	"github.com/akriventsev/anchor/framework/core"
)

// DuplicateSagaError возвращается из Start, когда нетерминальная сага
// уже удерживает correlation key. Повторная отправка с тем же ключом
// не ошибка бизнес-логики, а сигнал идемпотентности вызывающей стороне.
type DuplicateSagaError struct {
	CorrelationKey string
	ExistingID     string
}

// Error реализует интерфейс error
func (e *DuplicateSagaError) Error() string {
	return fmt.Sprintf("saga with correlation key %q already active (id %s)", e.CorrelationKey, e.ExistingID)
}

// Is позволяет сопоставлять ошибку с кодом DUPLICATE_SAGA через errors.Is
func (e *DuplicateSagaError) Is(target error) bool {
	if t, ok := target.(*core.FrameworkError); ok {
		return t.Code == core.ErrDuplicateSaga
	}
	_, ok := target.(*DuplicateSagaError)
	return ok
}

// IsDuplicateSaga проверяет, является ли ошибка DuplicateSagaError
func IsDuplicateSaga(err error) bool {
	var dup *DuplicateSagaError
	return errors.As(err, &dup)
}

// IsConflict проверяет, что запись саги была изменена конкурентно
// между чтением и записью
func IsConflict(err error) bool {
	var fe *core.FrameworkError
	return errors.As(err, &fe) && fe.Code == core.ErrConflict
}
