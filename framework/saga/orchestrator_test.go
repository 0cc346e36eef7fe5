package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/akriventsev/anchor/framework/core"
	"github.com/akriventsev/anchor/framework/events"
	"github.com/akriventsev/anchor/framework/idempotency"
	"github.com/akriventsev/anchor/framework/metrics"
	"github.com/akriventsev/anchor/framework/tasks"
)

// testEnv собирает оркестратор на in-memory зависимостях и перехватывает
// команды шагов и компенсаций, публикуемые в шину
type testEnv struct {
	persistence    *InMemoryPersistence
	publisher      *events.InMemoryPublisher
	orchestrator   *Orchestrator
	executeCmds    []StepCommand
	compensateCmds []CompensationCommand
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := NewRegistry()
	steps := []StepDefinition{
		{Name: "reserve-inventory", Compensation: "release-inventory"},
		{Name: "charge-payment", Compensation: "refund-payment"},
		{Name: "ship-order"},
	}
	for _, def := range steps {
		if err := registry.Register(def); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	env := &testEnv{
		persistence: NewInMemoryPersistence(),
		publisher:   events.NewInMemoryPublisher(),
	}
	env.publisher.Subscribe(EventTypeStepExecute, func(ctx context.Context, e events.Envelope) error {
		var cmd StepCommand
		if err := e.DecodePayload(&cmd); err != nil {
			return err
		}
		env.executeCmds = append(env.executeCmds, cmd)
		return nil
	})
	env.publisher.Subscribe(EventTypeStepCompensate, func(ctx context.Context, e events.Envelope) error {
		var cmd CompensationCommand
		if err := e.DecodePayload(&cmd); err != nil {
			return err
		}
		env.compensateCmds = append(env.compensateCmds, cmd)
		return nil
	})

	orchestrator, err := NewOrchestrator(
		env.persistence, env.publisher, registry, idempotency.NewInMemoryStore(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	env.orchestrator = orchestrator
	return env
}

func TestOrchestrator_StartDispatchesFirstStep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	saga, err := env.orchestrator.Start(ctx, "order-1", []StepSpec{
		{Name: "reserve-inventory", Input: json.RawMessage(`{"sku":"a"}`)},
		{Name: "charge-payment"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if saga.Status != StatusRunning {
		t.Errorf("expected Running, got %s", saga.Status)
	}
	if len(env.executeCmds) != 1 {
		t.Fatalf("expected 1 execute command, got %d", len(env.executeCmds))
	}
	cmd := env.executeCmds[0]
	if cmd.StepIndex != 0 || cmd.StepName != "reserve-inventory" {
		t.Errorf("unexpected first command: %+v", cmd)
	}
	if cmd.SagaID != saga.ID || cmd.CorrelationKey != "order-1" {
		t.Errorf("command not correlated with saga: %+v", cmd)
	}
}

func TestOrchestrator_UnknownStepFailsFast(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orchestrator.Start(context.Background(), "order-2", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "teleport-package"},
	}, 0)
	if err == nil {
		t.Fatal("expected error for unknown step name")
	}
	if len(env.executeCmds) != 0 {
		t.Error("no commands must be published when validation fails")
	}
}

func TestOrchestrator_CompletesWhenAllStepsSucceed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	saga, err := env.orchestrator.Start(ctx, "order-3", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, []byte(`{"reservation":"r-1"}`)); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}
	if len(env.executeCmds) != 2 {
		t.Fatalf("expected step 1 dispatched after step 0 completed, got %d commands", len(env.executeCmds))
	}
	if env.executeCmds[1].StepIndex != 1 {
		t.Errorf("expected step index 1, got %d", env.executeCmds[1].StepIndex)
	}

	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 1, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}

	final, err := env.persistence.GetByID(ctx, saga.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("expected Completed, got %s", final.Status)
	}
	if final.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
	if string(final.Steps[0].Output) != `{"reservation":"r-1"}` {
		t.Errorf("step output not persisted: %s", final.Steps[0].Output)
	}
}

func TestOrchestrator_DuplicateResultDoesNotRedispatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	saga, err := env.orchestrator.Start(ctx, "order-4", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Результат шага 0 доставлен дважды (at-least-once)
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}

	dispatched := 0
	for _, cmd := range env.executeCmds {
		if cmd.StepIndex == 1 {
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Errorf("step 1 must be dispatched exactly once, got %d", dispatched)
	}
}

func TestOrchestrator_CompensationOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	saga, err := env.orchestrator.Start(ctx, "order-5", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
		{Name: "ship-order"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}
	if err := env.orchestrator.HandleStepFailed(ctx, saga.ID, 1, "insufficient funds"); err != nil {
		t.Fatalf("HandleStepFailed failed: %v", err)
	}

	final, err := env.persistence.GetByID(ctx, saga.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.Status != StatusCompensated {
		t.Errorf("expected Compensated, got %s", final.Status)
	}

	// Компенсируется только завершенный шаг 0, ровно один раз
	if len(env.compensateCmds) != 1 {
		t.Fatalf("expected exactly 1 compensation command, got %d", len(env.compensateCmds))
	}
	cmd := env.compensateCmds[0]
	if cmd.StepIndex != 0 || cmd.Action != "release-inventory" {
		t.Errorf("unexpected compensation command: %+v", cmd)
	}

	if final.Steps[0].Status != StepStatusCompensated {
		t.Errorf("expected step 0 compensated, got %s", final.Steps[0].Status)
	}
	if final.Steps[1].Status != StepStatusFailed {
		t.Errorf("expected step 1 failed, got %s", final.Steps[1].Status)
	}
	if final.Steps[2].Status != StepStatusPending {
		t.Errorf("step 2 must never run, got %s", final.Steps[2].Status)
	}
}

func TestOrchestrator_NonReversibleStepSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// ship-order не имеет компенсации
	saga, err := env.orchestrator.Start(ctx, "order-6", []StepSpec{
		{Name: "ship-order"},
		{Name: "charge-payment"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}
	if err := env.orchestrator.HandleStepFailed(ctx, saga.ID, 1, "declined"); err != nil {
		t.Fatalf("HandleStepFailed failed: %v", err)
	}

	final, _ := env.persistence.GetByID(ctx, saga.ID)
	if final.Status != StatusCompensated {
		t.Errorf("expected Compensated, got %s", final.Status)
	}
	if len(env.compensateCmds) != 0 {
		t.Errorf("non-reversible step must be skipped, got %d compensation commands", len(env.compensateCmds))
	}
}

func TestOrchestrator_CompensationPublishFailureMarksSagaFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	saga, err := env.orchestrator.Start(ctx, "order-7", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}

	env.publisher.FailNextMatching(EventTypeStepCompensate, context.DeadlineExceeded)
	if err := env.orchestrator.HandleStepFailed(ctx, saga.ID, 1, "declined"); err == nil {
		t.Fatal("expected compensation dispatch failure to propagate")
	}

	final, _ := env.persistence.GetByID(ctx, saga.ID)
	if final.Status != StatusFailed {
		t.Errorf("expected Failed after compensation publish failure, got %s", final.Status)
	}
}

func TestOrchestrator_EndToEndOrderScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	specs := []StepSpec{
		{Name: "reserve-inventory", Input: json.RawMessage(`{"order_id":"order-123"}`)},
		{Name: "charge-payment", Input: json.RawMessage(`{"order_id":"order-123"}`)},
	}

	saga, err := env.orchestrator.Start(ctx, "order-123", specs, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// reserve-inventory выполняется успешно
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, []byte(`{"reservation":"r-42"}`)); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}

	// Повторный Start до завершения саги отклоняется
	_, err = env.orchestrator.Start(ctx, "order-123", specs, 0)
	if !IsDuplicateSaga(err) {
		t.Fatalf("expected DuplicateSagaError, got %v", err)
	}

	// charge-payment отклоняется
	if err := env.orchestrator.HandleStepFailed(ctx, saga.ID, 1, "card declined"); err != nil {
		t.Fatalf("HandleStepFailed failed: %v", err)
	}

	final, _ := env.persistence.GetByID(ctx, saga.ID)
	if final.Status != StatusCompensated {
		t.Fatalf("expected Compensated, got %s", final.Status)
	}

	released := 0
	for _, cmd := range env.compensateCmds {
		if cmd.Action == "release-inventory" {
			released++
		}
	}
	if released != 1 {
		t.Errorf("release-inventory must be invoked exactly once, got %d", released)
	}

	// Терминальная сага освобождает correlation key для нового запуска
	if _, err := env.orchestrator.Start(ctx, "order-123", specs, 0); err != nil {
		t.Errorf("Start after terminal saga must succeed, got %v", err)
	}
}

func TestOrchestrator_DetectTimeouts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	current := time.Now()
	env.orchestrator.WithClock(func() time.Time { return current })

	saga, err := env.orchestrator.Start(ctx, "order-8", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
	}, time.Second)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}

	// Таймаут еще не истек
	claimed, err := env.orchestrator.DetectTimeouts(ctx)
	if err != nil {
		t.Fatalf("DetectTimeouts failed: %v", err)
	}
	if claimed != 0 {
		t.Fatalf("expected no timed out sagas yet, got %d", claimed)
	}

	current = current.Add(2 * time.Second)

	claimed, err = env.orchestrator.DetectTimeouts(ctx)
	if err != nil {
		t.Fatalf("DetectTimeouts failed: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("expected 1 timed out saga, got %d", claimed)
	}

	final, _ := env.persistence.GetByID(ctx, saga.ID)
	if final.Status != StatusCompensated {
		t.Errorf("expected timed out saga to be compensated, got %s", final.Status)
	}
	if len(env.compensateCmds) != 1 || env.compensateCmds[0].Action != "release-inventory" {
		t.Errorf("unexpected compensation commands: %+v", env.compensateCmds)
	}

	// Повторный проход не захватывает ту же сагу
	claimed, err = env.orchestrator.DetectTimeouts(ctx)
	if err != nil {
		t.Fatalf("DetectTimeouts failed: %v", err)
	}
	if claimed != 0 {
		t.Errorf("terminal saga must not be claimed again, got %d", claimed)
	}

	// Запоздавший результат шага после таймаута игнорируется
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 1, nil); err != nil {
		t.Fatalf("late result must be ignored, got %v", err)
	}
	final, _ = env.persistence.GetByID(ctx, saga.ID)
	if final.Status != StatusCompensated {
		t.Errorf("late result must not change status, got %s", final.Status)
	}
}

func TestOrchestrator_ComponentIdentity(t *testing.T) {
	env := newTestEnv(t)

	var component core.Component = env.orchestrator
	if component.Name() != "saga-orchestrator" {
		t.Errorf("unexpected component name: %s", component.Name())
	}
	if component.Type() != core.ComponentTypeModule {
		t.Errorf("unexpected component type: %s", component.Type())
	}
}

func TestOrchestrator_RecordsStepReservations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := metrics.NewMetricsWithMeter(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsWithMeter failed: %v", err)
	}
	env.orchestrator.WithMetrics(m)

	saga, err := env.orchestrator.Start(ctx, "order-10", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("HandleStepCompleted failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "idempotency_reservations_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected metric data type: %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("expected a reservation per dispatched step, got %d", total)
	}
}

func TestOrchestrator_SubscribeResultsWithPool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pool, err := tasks.NewPool(tasks.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("pool Start failed: %v", err)
	}
	defer pool.Stop(ctx)

	env.orchestrator.WithPool(pool)
	env.orchestrator.SubscribeResults(env.publisher)

	saga, err := env.orchestrator.Start(ctx, "order-11", []StepSpec{
		{Name: "reserve-inventory"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := StepResult{SagaID: saga.ID, StepIndex: 0, Output: json.RawMessage(`{"ok":true}`)}
	resultEnv, err := events.NewEnvelope(EventTypeStepCompleted, result)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := env.publisher.Publish(ctx, resultEnv); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Обработка уходит в воркер пула, ждем завершения саги
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		final, err := env.persistence.GetByID(ctx, saga.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if final.Status == StatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("saga was not completed by pooled result handler")
}

// timeoutInjectingPersistence эмулирует гонку обработчика результата
// с планировщиком таймаутов: сразу после чтения саги обработчиком
// другой инстанс захватывает ее через CAS
type timeoutInjectingPersistence struct {
	Persistence
	armed bool
}

func (p *timeoutInjectingPersistence) GetByID(ctx context.Context, id string) (*Saga, error) {
	saga, err := p.Persistence.GetByID(ctx, id)
	if err == nil && p.armed {
		p.armed = false
		if _, casErr := p.Persistence.CompareAndSwapStatus(ctx, id, StatusRunning, StatusTimedOut); casErr != nil {
			return nil, casErr
		}
	}
	return saga, err
}

func TestOrchestrator_TimeoutClaimWinsOverConcurrentStepResult(t *testing.T) {
	ctx := context.Background()

	registry := NewRegistry()
	if err := registry.Register(StepDefinition{Name: "reserve-inventory", Compensation: "release-inventory"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(StepDefinition{Name: "charge-payment", Compensation: "refund-payment"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	inner := NewInMemoryPersistence()
	persistence := &timeoutInjectingPersistence{Persistence: inner}
	publisher := events.NewInMemoryPublisher()

	var executeCmds []StepCommand
	publisher.Subscribe(EventTypeStepExecute, func(ctx context.Context, e events.Envelope) error {
		var cmd StepCommand
		if err := e.DecodePayload(&cmd); err != nil {
			return err
		}
		executeCmds = append(executeCmds, cmd)
		return nil
	})

	orchestrator, err := NewOrchestrator(persistence, publisher, registry, idempotency.NewInMemoryStore(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	saga, err := orchestrator.Start(ctx, "order-12", []StepSpec{
		{Name: "reserve-inventory"},
		{Name: "charge-payment"},
	}, time.Minute)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Захват таймаута вклинивается между чтением саги обработчиком
	// результата и ее записью
	persistence.armed = true
	if err := orchestrator.HandleStepCompleted(ctx, saga.ID, 0, nil); err != nil {
		t.Fatalf("concurrent claim must be absorbed, got: %v", err)
	}

	final, err := inner.GetByID(ctx, saga.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if final.Status != StatusTimedOut {
		t.Errorf("late step result must not overwrite claimed status, got %s", final.Status)
	}
	if final.Steps[0].Status == StepStatusCompleted {
		t.Error("stale step mutation must not be persisted")
	}
	for _, cmd := range executeCmds {
		if cmd.StepIndex == 1 {
			t.Error("next step must not be dispatched after losing the write race")
		}
	}
}

func TestOrchestrator_SubscribeResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.orchestrator.SubscribeResults(env.publisher)

	saga, err := env.orchestrator.Start(ctx, "order-9", []StepSpec{
		{Name: "reserve-inventory"},
	}, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := StepResult{SagaID: saga.ID, StepIndex: 0, Output: json.RawMessage(`{"ok":true}`)}
	env2, err := events.NewEnvelope(EventTypeStepCompleted, result)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := env.publisher.Publish(ctx, env2); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	final, _ := env.persistence.GetByID(ctx, saga.ID)
	if final.Status != StatusCompleted {
		t.Errorf("expected Completed via subscription, got %s", final.Status)
	}
}
