// Package sagakit предоставляет ядро координации распределенных
// транзакций (SAGA) и event sourcing для микросервисов.
//
// Основные возможности:
//   - Оркестрация саг: последовательное выполнение шагов с участниками,
//     компенсация в обратном порядке при сбоях, восстановление после
//     падения оркестратора
//   - Event store с оптимистичной конкурентностью и снапшотами
//   - Конечный автомат для контроля статусов саг
//   - Адаптеры брокеров сообщений (NATS, Kafka, Redis)
//   - Метрики на основе OpenTelemetry
//
// Пример использования:
//
//	registry := saga.NewRegistry().
//	    Register(saga.Registration{ServiceName: "payment", IsActive: true}, paymentSvc)
//	orch := sagakit.NewOrchestrator(store, registry, bus, nil)
//	if err := orch.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	sagaID, err := orch.Submit(ctx, "order", txID, data)
package sagakit

import (
	"log/slog"

	"github.com/frankenstein/sagakit/framework/events"
	"github.com/frankenstein/sagakit/framework/eventsourcing"
	"github.com/frankenstein/sagakit/framework/saga"
)

// Version представляет версию библиотеки
const (
	Version = "1.0.0"
	Major   = 1
	Minor   = 0
	Patch   = 0
)

// NewOrchestrator создает оркестратор саг с конфигурацией по умолчанию
func NewOrchestrator(store saga.Store, registry *saga.Registry, bus events.EventPublisher, logger *slog.Logger) *saga.Orchestrator {
	return saga.NewOrchestrator(store, registry, bus, saga.DefaultOrchestratorConfig(), logger)
}

// NewInMemoryStack собирает полный in-memory набор зависимостей для
// тестирования и локальной разработки
func NewInMemoryStack() (saga.Store, eventsourcing.EventStore, eventsourcing.SnapshotStore, *events.InMemoryEventBus) {
	return saga.NewInMemoryStore(),
		eventsourcing.NewInMemoryEventStore(),
		eventsourcing.NewInMemorySnapshotStore(),
		events.NewInMemoryEventBus()
}
