package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startPool(t *testing.T, config PoolConfig) *Pool {
	t.Helper()
	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return pool
}

func stopPool(t *testing.T, pool *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestPool_ExecutesSubmittedTasks(t *testing.T) {
	pool := startPool(t, DefaultPoolConfig())

	var executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		if err := pool.Submit("count", func(ctx context.Context) error {
			defer wg.Done()
			executed.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()
	stopPool(t, pool)

	if executed.Load() != 20 {
		t.Errorf("expected 20 executed tasks, got %d", executed.Load())
	}
}

func TestPool_FullQueueRejectsSubmission(t *testing.T) {
	pool := startPool(t, PoolConfig{Workers: 1, QueueSize: 1})
	defer stopPool(t, pool)

	release := make(chan struct{})
	// Первая задача занимает единственный воркер
	if err := pool.Submit("block", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Заполняем очередь, пока воркер занят
	deadline := time.Now().Add(time.Second)
	queued := false
	for time.Now().Before(deadline) {
		if err := pool.Submit("fill", func(ctx context.Context) error { return nil }); err != nil {
			queued = true
			break
		}
	}
	close(release)

	if !queued {
		t.Error("expected submission to be rejected once the queue is full")
	}
}

func TestPool_SubmitAfterStopFails(t *testing.T) {
	pool := startPool(t, DefaultPoolConfig())
	stopPool(t, pool)

	err := pool.Submit("late", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error when submitting to a stopped pool")
	}
}

func TestPool_TaskErrorDoesNotStopWorkers(t *testing.T) {
	pool := startPool(t, PoolConfig{Workers: 1, QueueSize: 8})

	var wg sync.WaitGroup
	wg.Add(2)
	_ = pool.Submit("failing", func(ctx context.Context) error {
		defer wg.Done()
		return errors.New("boom")
	})

	var succeeded atomic.Bool
	_ = pool.Submit("following", func(ctx context.Context) error {
		defer wg.Done()
		succeeded.Store(true)
		return nil
	})

	wg.Wait()
	stopPool(t, pool)

	if !succeeded.Load() {
		t.Error("worker must survive a failing task")
	}
}
