package saga

import "encoding/json"

// Типы событий саги. Тип события совпадает с routing key в брокере.
const (
	// EventTypeStepExecute команда выполнения шага, адресована исполнителю шага
	EventTypeStepExecute = "saga.step.execute"
	// EventTypeStepCompensate команда компенсации завершенного шага
	EventTypeStepCompensate = "saga.step.compensate"
	// EventTypeStepCompleted результат успешного выполнения шага
	EventTypeStepCompleted = "saga.step.completed"
	// EventTypeStepFailed результат отклонения шага исполнителем
	EventTypeStepFailed = "saga.step.failed"

	EventTypeSagaStarted      = "saga.started"
	EventTypeSagaCompleted    = "saga.completed"
	EventTypeSagaCompensating = "saga.compensating"
	EventTypeSagaCompensated  = "saga.compensated"
	EventTypeSagaFailed       = "saga.failed"
	EventTypeSagaTimedOut     = "saga.timed_out"
)

// StepCommand payload команды saga.step.execute
type StepCommand struct {
	SagaID         string          `json:"saga_id"`
	CorrelationKey string          `json:"correlation_key"`
	StepIndex      int             `json:"step_index"`
	StepName       string          `json:"step_name"`
	Input          json.RawMessage `json:"input,omitempty"`
}

// CompensationCommand payload команды saga.step.compensate
type CompensationCommand struct {
	SagaID    string          `json:"saga_id"`
	StepIndex int             `json:"step_index"`
	StepName  string          `json:"step_name"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StepResult payload событий saga.step.completed и saga.step.failed.
// Результат коррелируется с сагой по saga_id и step_index.
type StepResult struct {
	SagaID    string          `json:"saga_id"`
	StepIndex int             `json:"step_index"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// LifecycleEvent payload событий жизненного цикла саги
type LifecycleEvent struct {
	SagaID         string `json:"saga_id"`
	CorrelationKey string `json:"correlation_key"`
	Status         string `json:"status"`
}
