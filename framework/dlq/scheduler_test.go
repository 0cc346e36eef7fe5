package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akriventsev/anchor/framework/events"
)

func TestRetryScheduler_RedeliversAndResolves(t *testing.T) {
	store := newTestStore(t)
	publisher := events.NewInMemoryPublisher()
	ctx := context.Background()

	var delivered []events.Envelope
	publisher.Subscribe("payment.#", func(ctx context.Context, env events.Envelope) error {
		delivered = append(delivered, env)
		return nil
	})

	if err := store.Enqueue(ctx, "payment.charged", []byte(`{"amount":100}`), "broker down"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	scheduler, err := NewRetryScheduler(store, publisher, DefaultSchedulerConfig())
	if err != nil {
		t.Fatalf("NewRetryScheduler failed: %v", err)
	}

	if err := scheduler.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if len(delivered) != 1 {
		t.Fatalf("expected 1 redelivered event, got %d", len(delivered))
	}
	if delivered[0].EventType != "payment.charged" {
		t.Errorf("unexpected event type: %s", delivered[0].EventType)
	}

	stats, _ := store.GetStats(ctx)
	if stats.Resolved != 1 {
		t.Errorf("expected event to be resolved, stats: %+v", stats)
	}
}

func TestRetryScheduler_FailureReschedules(t *testing.T) {
	store := newTestStore(t)
	publisher := events.NewInMemoryPublisher()
	ctx := context.Background()

	if err := store.Enqueue(ctx, "order.created", []byte(`{}`), "broker down"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	scheduler, err := NewRetryScheduler(store, publisher, DefaultSchedulerConfig())
	if err != nil {
		t.Fatalf("NewRetryScheduler failed: %v", err)
	}

	publisher.FailNext(errors.New("still down"))
	if err := scheduler.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	all := store.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 event, got %d", len(all))
	}
	if all[0].Attempts != 1 {
		t.Errorf("expected attempts=1 after failed redelivery, got %d", all[0].Attempts)
	}
	if all[0].Status != StatusPending {
		t.Errorf("expected event back in Pending, got %s", all[0].Status)
	}
	if all[0].LastError != "still down" {
		t.Errorf("unexpected last error: %s", all[0].LastError)
	}
}

func TestRetryScheduler_ClaimedEventSkipped(t *testing.T) {
	store := newTestStore(t)
	publisher := events.NewInMemoryPublisher()
	ctx := context.Background()

	if err := store.Enqueue(ctx, "order.created", []byte(`{}`), "broker down"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	ready, _ := store.GetEventsReadyForRetry(ctx, 10)

	// Другой инстанс планировщика уже захватил запись
	if claimed, _ := store.Claim(ctx, ready[0].ID); !claimed {
		t.Fatal("precondition: claim must succeed")
	}

	var delivered int
	publisher.Subscribe("#", func(ctx context.Context, env events.Envelope) error {
		delivered++
		return nil
	})

	scheduler, err := NewRetryScheduler(store, publisher, DefaultSchedulerConfig())
	if err != nil {
		t.Fatalf("NewRetryScheduler failed: %v", err)
	}
	if err := scheduler.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if delivered != 0 {
		t.Errorf("claimed event must not be redelivered again, got %d deliveries", delivered)
	}
}

func TestRetryScheduler_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	publisher := events.NewInMemoryPublisher()

	config := SchedulerConfig{Interval: 10 * time.Millisecond, BatchSize: 10}
	scheduler, err := NewRetryScheduler(store, publisher, config)
	if err != nil {
		t.Fatalf("NewRetryScheduler failed: %v", err)
	}

	ctx := context.Background()
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !scheduler.IsRunning() {
		t.Error("scheduler must report running after Start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if scheduler.IsRunning() {
		t.Error("scheduler must report stopped after Stop")
	}
}
