// Package saga реализует оркестрацию распределенных транзакций:
// упорядоченные шаги, компенсации в обратном порядке при сбое,
// таймауты и идемпотентная доставка команд шагов.
package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/anchor/framework/fsm"
)

// Status статус саги
type Status string

const (
	// StatusPending сага создана, но выполнение еще не началось
	StatusPending Status = "pending"
	// StatusRunning сага выполняет шаги
	StatusRunning Status = "running"
	// StatusCompleted все шаги завершены успешно
	StatusCompleted Status = "completed"
	// StatusCompensating выполняется откат завершенных шагов
	StatusCompensating Status = "compensating"
	// StatusCompensated все достижимые шаги откачены
	StatusCompensated Status = "compensated"
	// StatusFailed компенсация не удалась, требуется вмешательство оператора
	StatusFailed Status = "failed"
	// StatusTimedOut сага не завершилась за отведенный таймаут
	StatusTimedOut Status = "timed_out"
)

// statusMachine таблица допустимых переходов статуса саги.
// Терминальные статусы никогда не ревизитятся.
var statusMachine = fsm.New[Status]().
	Permit(StatusPending, StatusRunning).
	Permit(StatusRunning, StatusCompleted, StatusCompensating, StatusTimedOut).
	Permit(StatusTimedOut, StatusCompensating).
	Permit(StatusCompensating, StatusCompensated, StatusFailed)

// IsTerminal проверяет, является ли статус терминальным
func (s Status) IsTerminal() bool {
	return statusMachine.IsTerminal(s)
}

// StepStatus статус шага саги
type StepStatus string

const (
	// StepStatusPending шаг ожидает выполнения
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning команда шага опубликована, ожидается результат
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted шаг завершен успешно
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed шаг отклонен исполнителем
	StepStatusFailed StepStatus = "failed"
	// StepStatusCompensated команда компенсации шага опубликована
	StepStatusCompensated StepStatus = "compensated"
)

// Compensation дескриптор действия, откатывающего завершенный шаг
type Compensation struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Step один шаг саги. После создания неизменяем, кроме Status и Output.
type Step struct {
	Index  int             `json:"index"`
	Name   string          `json:"name"`
	Status StepStatus      `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	// Compensation nil означает необратимый шаг: при откате он пропускается
	Compensation *Compensation `json:"compensation,omitempty"`
}

// StepSpec спецификация шага при запуске саги. Имя должно быть
// зарегистрировано в Registry оркестратора.
type StepSpec struct {
	Name  string
	Input json.RawMessage
}

// Saga одна распределенная бизнес-транзакция
type Saga struct {
	ID             string        `json:"id"`
	CorrelationKey string        `json:"correlation_key"`
	Status         Status        `json:"status"`
	Steps          []Step        `json:"steps"`
	Timeout        time.Duration `json:"timeout"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at,omitempty"`
	// Version монотонный счетчик записей для optimistic locking.
	// 0 означает еще не сохраненную сагу, хранилище ведет счетчик само.
	Version int64 `json:"version"`
}

// NewSaga создает новую сагу в статусе Pending
func NewSaga(correlationKey string, steps []Step, timeout time.Duration) *Saga {
	return &Saga{
		ID:             uuid.New().String(),
		CorrelationKey: correlationKey,
		Status:         StatusPending,
		Steps:          steps,
		Timeout:        timeout,
		StartedAt:      time.Now().UTC(),
	}
}

// Transition переводит сагу в новый статус, проверяя переход по таблице
func (s *Saga) Transition(to Status) error {
	if err := statusMachine.Transition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	return nil
}

// IsTerminal проверяет, достигла ли сага терминального статуса
func (s *Saga) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Expired проверяет, истек ли таймаут саги к моменту now
func (s *Saga) Expired(now time.Time) bool {
	if s.Timeout <= 0 {
		return false
	}
	return now.Sub(s.StartedAt) > s.Timeout
}

// Clone возвращает глубокую копию саги
func (s *Saga) Clone() *Saga {
	clone := *s
	clone.Steps = make([]Step, len(s.Steps))
	copy(clone.Steps, s.Steps)
	for i := range clone.Steps {
		if c := s.Steps[i].Compensation; c != nil {
			compCopy := *c
			clone.Steps[i].Compensation = &compCopy
		}
	}
	return &clone
}
