package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/events"
	"github.com/akriventsev/anchor/framework/idempotency"
	"github.com/akriventsev/anchor/framework/logging"
	"github.com/akriventsev/anchor/framework/metrics"
	"github.com/akriventsev/anchor/framework/tasks"
)

// Config конфигурация оркестратора саг
type Config struct {
	// ServiceName входит в fingerprint идемпотентной доставки шагов
	ServiceName string
	// StepReservationTTL время удержания резервирования диспетчеризации
	// шага: повторно доставленная команда в этом окне не вызовет шаг дважды
	StepReservationTTL time.Duration
	// ResultRetentionTTL время хранения результата завершенного шага
	ResultRetentionTTL time.Duration
	// DefaultTimeout таймаут саги, если Start не задал свой. 0 - без таймаута.
	DefaultTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("ServiceName cannot be empty")
	}
	if c.StepReservationTTL <= 0 {
		return fmt.Errorf("StepReservationTTL must be greater than 0")
	}
	if c.ResultRetentionTTL <= 0 {
		return fmt.Errorf("ResultRetentionTTL must be greater than 0")
	}
	return nil
}

// DefaultConfig возвращает конфигурацию оркестратора по умолчанию
func DefaultConfig() Config {
	return Config{
		ServiceName:        "saga",
		StepReservationTTL: 5 * time.Minute,
		ResultRetentionTTL: 24 * time.Hour,
	}
}

// Orchestrator координирует выполнение саг. Шаги вызываются публикацией
// команд через EventPublisher (fire-and-track): результат шага приходит
// асинхронно в HandleStepCompleted / HandleStepFailed, коррелированный
// по идентификатору саги и индексу шага.
type Orchestrator struct {
	config      Config
	persistence Persistence
	publisher   events.EventPublisher
	registry    *Registry
	guard       idempotency.Store
	metrics     *metrics.Metrics
	pool        *tasks.Pool
	now         func() time.Time
}

// NewOrchestrator создает новый оркестратор саг
func NewOrchestrator(
	persistence Persistence,
	publisher events.EventPublisher,
	registry *Registry,
	guard idempotency.Store,
	config Config,
) (*Orchestrator, error) {
	if persistence == nil {
		return nil, fmt.Errorf("persistence is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if guard == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	return &Orchestrator{
		config:      config,
		persistence: persistence,
		publisher:   publisher,
		registry:    registry,
		guard:       guard,
		now:         time.Now,
	}, nil
}

// WithMetrics добавляет метрики к оркестратору
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithClock подменяет источник времени (для тестов таймаутов)
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithPool переносит обработку результатов шагов из горутины подписчика
// шины в пул воркеров: медленная запись в persistence не блокирует consumer
func (o *Orchestrator) WithPool(pool *tasks.Pool) *Orchestrator {
	o.pool = pool
	return o
}

// Name возвращает имя компонента (реализация core.Component)
func (o *Orchestrator) Name() string {
	return "saga-orchestrator"
}

// Type возвращает тип компонента (реализация core.Component)
func (o *Orchestrator) Type() core.ComponentType {
	return core.ComponentTypeModule
}

// Start запускает новую сагу. Если нетерминальная сага уже удерживает
// correlation key, возвращается DuplicateSagaError: повторная отправка
// одной бизнес-операции не создает вторую сагу.
func (o *Orchestrator) Start(ctx context.Context, correlationKey string, specs []StepSpec, timeout time.Duration) (*Saga, error) {
	if correlationKey == "" {
		return nil, fmt.Errorf("correlation key cannot be empty")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("saga requires at least one step")
	}

	// Неизвестные имена шагов отклоняются до каких-либо side effects
	steps, err := o.registry.buildSteps(specs)
	if err != nil {
		return nil, err
	}

	existing, err := o.persistence.FindActiveByCorrelationKey(ctx, correlationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check correlation key: %w", err)
	}
	if existing != nil {
		return nil, &DuplicateSagaError{CorrelationKey: correlationKey, ExistingID: existing.ID}
	}

	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}

	saga := NewSaga(correlationKey, steps, timeout)
	saga.StartedAt = o.now().UTC()
	if err := o.persistence.Save(ctx, saga); err != nil {
		// Гонка двух одновременных Start на одном ключе разрешается
		// уникальностью активного ключа в хранилище
		var fe *core.FrameworkError
		if errors.As(err, &fe) && fe.Code == core.ErrAlreadyExists {
			return nil, &DuplicateSagaError{CorrelationKey: correlationKey}
		}
		return nil, fmt.Errorf("failed to persist saga: %w", err)
	}

	if err := saga.Transition(StatusRunning); err != nil {
		return nil, err
	}
	if err := o.persistence.Save(ctx, saga); err != nil {
		return nil, fmt.Errorf("failed to persist saga: %w", err)
	}

	logging.Ctx(ctx).Info().
		Str("saga_id", saga.ID).
		Str("correlation_key", correlationKey).
		Int("steps", len(steps)).
		Msg("saga started")
	if o.metrics != nil {
		o.metrics.RecordSaga(ctx, "started")
	}
	o.publishLifecycle(ctx, saga, EventTypeSagaStarted)

	if err := o.dispatchStep(ctx, saga, 0); err != nil {
		return nil, err
	}
	return saga, nil
}

// stepFingerprint возвращает fingerprint идемпотентной доставки шага
func (o *Orchestrator) stepFingerprint(sagaID string, stepIndex int) string {
	return idempotency.Fingerprint(o.config.ServiceName, "execute-step",
		fmt.Sprintf("%s:%d", sagaID, stepIndex))
}

// dispatchStep публикует команду выполнения шага. Перед публикацией
// резервируется fingerprint sagaID:stepIndex: повторно доставленная
// команда диспетчеризации находит резервирование и не вызывает шаг дважды.
func (o *Orchestrator) dispatchStep(ctx context.Context, saga *Saga, index int) error {
	log := logging.Ctx(ctx)
	step := &saga.Steps[index]

	fp := o.stepFingerprint(saga.ID, index)
	res, err := o.guard.TryReserve(ctx, fp, o.config.StepReservationTTL)
	if err != nil {
		return fmt.Errorf("failed to reserve step dispatch: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordReservation(ctx, string(res.Status))
	}
	if res.Status != idempotency.StatusReserved {
		log.Debug().
			Str("saga_id", saga.ID).
			Int("step_index", index).
			Str("reservation", string(res.Status)).
			Msg("step dispatch short-circuited by idempotency guard")
		return nil
	}

	step.Status = StepStatusRunning
	if err := o.persistence.Save(ctx, saga); err != nil {
		if IsConflict(err) {
			// Сагу конкурентно изменил другой writer (например, таймаут);
			// резервирование снимается, диспетчеризацию решает новый владелец
			if relErr := o.guard.Release(ctx, fp); relErr != nil {
				log.Error().Err(relErr).Str("fingerprint", fp).Msg("failed to release step reservation")
			}
			log.Debug().Str("saga_id", saga.ID).Int("step_index", index).
				Msg("saga modified concurrently, step dispatch abandoned")
			return nil
		}
		return fmt.Errorf("failed to persist saga: %w", err)
	}

	cmd := StepCommand{
		SagaID:         saga.ID,
		CorrelationKey: saga.CorrelationKey,
		StepIndex:      index,
		StepName:       step.Name,
		Input:          step.Input,
	}
	env, err := events.NewEnvelope(EventTypeStepExecute, cmd)
	if err != nil {
		return err
	}
	if err := o.publisher.Publish(ctx, env); err != nil {
		// Освобождаем fingerprint, чтобы повтор диспетчеризации был возможен
		if relErr := o.guard.Release(ctx, fp); relErr != nil {
			log.Error().Err(relErr).Str("fingerprint", fp).Msg("failed to release step reservation")
		}
		return core.Wrap(err, core.ErrPublishFailed, "failed to dispatch step "+step.Name)
	}

	log.Debug().
		Str("saga_id", saga.ID).
		Int("step_index", index).
		Str("step", step.Name).
		Msg("step dispatched")
	if o.metrics != nil {
		o.metrics.RecordStep(ctx, step.Name, "dispatched")
	}
	return nil
}

// HandleStepCompleted обрабатывает успешное завершение шага: фиксирует
// результат, диспетчеризует следующий шаг либо завершает сагу.
func (o *Orchestrator) HandleStepCompleted(ctx context.Context, sagaID string, stepIndex int, output []byte) error {
	log := logging.Ctx(ctx)

	saga, err := o.persistence.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga.Status != StatusRunning {
		// Запоздавший результат после таймаута или повтора - не ошибка
		log.Debug().
			Str("saga_id", sagaID).
			Str("status", string(saga.Status)).
			Msg("ignoring step result for non-running saga")
		return nil
	}
	if stepIndex < 0 || stepIndex >= len(saga.Steps) {
		return fmt.Errorf("step index %d out of range for saga %s", stepIndex, sagaID)
	}

	step := &saga.Steps[stepIndex]
	if step.Status == StepStatusCompleted {
		// Дубликат результата при at-least-once доставке
		return nil
	}

	step.Status = StepStatusCompleted
	step.Output = output

	fp := o.stepFingerprint(sagaID, stepIndex)
	if err := o.guard.Complete(ctx, fp, output, o.config.ResultRetentionTTL); err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Msg("failed to cache step result")
	}
	if o.metrics != nil {
		o.metrics.RecordStep(ctx, step.Name, "completed")
	}

	if stepIndex == len(saga.Steps)-1 {
		if err := saga.Transition(StatusCompleted); err != nil {
			return err
		}
		saga.CompletedAt = o.now().UTC()
		if err := o.persistence.Save(ctx, saga); err != nil {
			if IsConflict(err) {
				log.Debug().Str("saga_id", sagaID).Msg("saga modified concurrently, step result dropped")
				return nil
			}
			return fmt.Errorf("failed to persist saga: %w", err)
		}

		log.Info().
			Str("saga_id", saga.ID).
			Str("correlation_key", saga.CorrelationKey).
			Msg("saga completed")
		o.recordOutcome(ctx, saga, "completed")
		o.publishLifecycle(ctx, saga, EventTypeSagaCompleted)
		return nil
	}

	if err := o.persistence.Save(ctx, saga); err != nil {
		if IsConflict(err) {
			log.Debug().Str("saga_id", sagaID).Msg("saga modified concurrently, step result dropped")
			return nil
		}
		return fmt.Errorf("failed to persist saga: %w", err)
	}
	return o.dispatchStep(ctx, saga, stepIndex+1)
}

// HandleStepFailed обрабатывает отклонение шага исполнителем.
// Бизнес-отказ шага не повторяется оркестратором: сразу начинается
// компенсация завершенных шагов.
func (o *Orchestrator) HandleStepFailed(ctx context.Context, sagaID string, stepIndex int, reason string) error {
	log := logging.Ctx(ctx)

	saga, err := o.persistence.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga.Status != StatusRunning {
		log.Debug().
			Str("saga_id", sagaID).
			Str("status", string(saga.Status)).
			Msg("ignoring step failure for non-running saga")
		return nil
	}

	if stepIndex >= 0 && stepIndex < len(saga.Steps) {
		step := &saga.Steps[stepIndex]
		step.Status = StepStatusFailed
		log.Warn().
			Str("saga_id", sagaID).
			Int("step_index", stepIndex).
			Str("step", step.Name).
			Str("reason", reason).
			Msg("saga step failed")
		if o.metrics != nil {
			o.metrics.RecordStep(ctx, step.Name, "failed")
		}
	}

	return o.Compensate(ctx, saga)
}

// Compensate откатывает завершенные шаги саги в порядке, обратном
// выполнению. Шаг без дескриптора компенсации пропускается как
// необратимый. Сбой публикации команды компенсации терминален:
// сага переходит в Failed и дальше не откатывается автоматически.
func (o *Orchestrator) Compensate(ctx context.Context, saga *Saga) error {
	log := logging.Ctx(ctx)

	if err := saga.Transition(StatusCompensating); err != nil {
		return err
	}
	if err := o.persistence.Save(ctx, saga); err != nil {
		if IsConflict(err) {
			log.Debug().Str("saga_id", saga.ID).Msg("saga modified concurrently, compensation left to new owner")
			return nil
		}
		return fmt.Errorf("failed to persist saga: %w", err)
	}
	o.publishLifecycle(ctx, saga, EventTypeSagaCompensating)

	for i := len(saga.Steps) - 1; i >= 0; i-- {
		step := &saga.Steps[i]
		if step.Status != StepStatusCompleted {
			continue
		}

		if step.Compensation == nil {
			log.Warn().
				Str("saga_id", saga.ID).
				Int("step_index", i).
				Str("step", step.Name).
				Msg("step has no compensation, skipping as non-reversible")
			continue
		}

		cmd := CompensationCommand{
			SagaID:    saga.ID,
			StepIndex: i,
			StepName:  step.Name,
			Action:    step.Compensation.Action,
			Payload:   step.Compensation.Payload,
		}
		env, err := events.NewEnvelope(EventTypeStepCompensate, cmd)
		if err == nil {
			err = o.publisher.Publish(ctx, env)
		}
		if err != nil {
			log.Error().Err(err).
				Str("saga_id", saga.ID).
				Int("step_index", i).
				Str("step", step.Name).
				Msg("compensation dispatch failed, marking saga failed")

			if terr := saga.Transition(StatusFailed); terr != nil {
				return terr
			}
			saga.CompletedAt = o.now().UTC()
			if serr := o.persistence.Save(ctx, saga); serr != nil {
				return fmt.Errorf("failed to persist saga: %w", serr)
			}
			o.recordOutcome(ctx, saga, "failed")
			o.publishLifecycle(ctx, saga, EventTypeSagaFailed)
			return core.Wrap(err, core.ErrPublishFailed, "failed to compensate step "+step.Name)
		}

		step.Status = StepStatusCompensated
		if o.metrics != nil {
			o.metrics.RecordStep(ctx, step.Name, "compensated")
		}
	}

	if err := saga.Transition(StatusCompensated); err != nil {
		return err
	}
	saga.CompletedAt = o.now().UTC()
	if err := o.persistence.Save(ctx, saga); err != nil {
		return fmt.Errorf("failed to persist saga: %w", err)
	}

	log.Info().
		Str("saga_id", saga.ID).
		Str("correlation_key", saga.CorrelationKey).
		Msg("saga compensated")
	o.recordOutcome(ctx, saga, "compensated")
	o.publishLifecycle(ctx, saga, EventTypeSagaCompensated)
	return nil
}

// DetectTimeouts находит Running саги с истекшим таймаутом, переводит их
// в TimedOut и запускает компенсацию. Перевод выполняется атомарным CAS,
// поэтому несколько планировщиков не компенсируют одну сагу дважды.
// Возвращает число саг, захваченных этим вызовом.
func (o *Orchestrator) DetectTimeouts(ctx context.Context) (int, error) {
	log := logging.Ctx(ctx)

	expired, err := o.persistence.FindExpired(ctx, o.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired sagas: %w", err)
	}

	claimed := 0
	for _, saga := range expired {
		ok, err := o.persistence.CompareAndSwapStatus(ctx, saga.ID, StatusRunning, StatusTimedOut)
		if err != nil {
			log.Error().Err(err).Str("saga_id", saga.ID).Msg("failed to claim timed out saga")
			continue
		}
		if !ok {
			// Сага уже захвачена другим инстансом планировщика
			continue
		}
		claimed++

		// CAS изменил запись в хранилище, локальная копия устарела
		saga, err = o.persistence.GetByID(ctx, saga.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to reload timed out saga")
			continue
		}

		log.Warn().
			Str("saga_id", saga.ID).
			Str("correlation_key", saga.CorrelationKey).
			Dur("timeout", saga.Timeout).
			Msg("saga timed out")
		if o.metrics != nil {
			o.metrics.RecordSaga(ctx, "timed_out")
		}
		o.publishLifecycle(ctx, saga, EventTypeSagaTimedOut)

		if err := o.Compensate(ctx, saga); err != nil {
			log.Error().Err(err).Str("saga_id", saga.ID).Msg("failed to compensate timed out saga")
		}
	}
	return claimed, nil
}

// GetSaga возвращает текущее состояние саги
func (o *Orchestrator) GetSaga(ctx context.Context, id string) (*Saga, error) {
	return o.persistence.GetByID(ctx, id)
}

// SubscribeResults подписывает обработчики результатов шагов на шину
// событий. Если настроен пул воркеров, обработка уходит в него и consumer
// шины освобождается сразу после декодирования результата.
func (o *Orchestrator) SubscribeResults(sub events.EventSubscriber) {
	sub.Subscribe(EventTypeStepCompleted, func(ctx context.Context, env events.Envelope) error {
		var result StepResult
		if err := env.DecodePayload(&result); err != nil {
			return fmt.Errorf("malformed step result: %w", err)
		}
		return o.submit(ctx, "saga-step-completed", func(taskCtx context.Context) error {
			return o.HandleStepCompleted(taskCtx, result.SagaID, result.StepIndex, result.Output)
		})
	})
	sub.Subscribe(EventTypeStepFailed, func(ctx context.Context, env events.Envelope) error {
		var result StepResult
		if err := env.DecodePayload(&result); err != nil {
			return fmt.Errorf("malformed step result: %w", err)
		}
		return o.submit(ctx, "saga-step-failed", func(taskCtx context.Context) error {
			return o.HandleStepFailed(taskCtx, result.SagaID, result.StepIndex, result.Error)
		})
	})
}

// submit выполняет обработчик в пуле воркеров, либо синхронно без пула
func (o *Orchestrator) submit(ctx context.Context, name string, task tasks.Task) error {
	if o.pool == nil {
		return task(ctx)
	}
	return o.pool.Submit(name, task)
}

// recordOutcome записывает терминальный исход саги в метрики
func (o *Orchestrator) recordOutcome(ctx context.Context, saga *Saga, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordSaga(ctx, outcome)
	if !saga.CompletedAt.IsZero() {
		o.metrics.RecordSagaDuration(ctx, saga.CompletedAt.Sub(saga.StartedAt).Seconds(), outcome)
	}
}

// publishLifecycle публикует событие жизненного цикла саги.
// Сбой публикации не влияет на выполнение: доставку гарантирует DLQ
// надежного публикатора, остальное - только лог.
func (o *Orchestrator) publishLifecycle(ctx context.Context, saga *Saga, eventType string) {
	payload := LifecycleEvent{
		SagaID:         saga.ID,
		CorrelationKey: saga.CorrelationKey,
		Status:         string(saga.Status),
	}
	env, err := events.NewEnvelope(eventType, payload)
	if err == nil {
		err = o.publisher.Publish(ctx, env)
	}
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("saga_id", saga.ID).
			Str("event_type", eventType).
			Msg("failed to publish saga lifecycle event")
	}
}
