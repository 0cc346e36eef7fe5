// Package framework предоставляет слой надежности для асинхронных
// микросервисов: координацию распределенных транзакций без 2PC,
// гарантированную доставку событий и защиту от повторного выполнения
// side-effect операций.
//
// Основные возможности:
//   - Saga-оркестрация с компенсациями и таймаутами (framework/saga)
//   - Dead Letter Queue с экспоненциальным backoff (framework/dlq)
//   - Idempotency store с атомарным резервированием (framework/idempotency)
//   - Контракт публикации событий с маршрутизацией сбоев в DLQ (framework/events)
//   - Метрики на основе OpenTelemetry (framework/metrics)
//
// Пример использования:
//
//	store, _ := dlq.NewInMemoryStore(dlq.DefaultConfig())
//	publisher, _ := events.NewReliablePublisher(broker, store, events.DefaultReliableConfig())
//	orchestrator, _ := saga.NewOrchestrator(persistence, publisher, registry, guard, saga.DefaultConfig())
package framework

// Version представляет версию фреймворка
const (
	Version = "1.0.0"
	Major   = 1
	Minor   = 0
	Patch   = 0
)
