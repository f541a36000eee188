package eventsourcing

import (
	"encoding/json"
	"fmt"

	"github.com/frankenstein/sagakit/framework/events"
)

// AggregateInterface интерфейс агрегата для event sourcing.
// Состояние агрегата детерминированно выводится из его событий.
type AggregateInterface interface {
	// ID возвращает идентификатор агрегата
	ID() string

	// Type возвращает тип агрегата
	Type() string

	// Version возвращает текущую версию агрегата
	Version() int64

	// UncommittedEvents возвращает несохраненные события
	UncommittedEvents() []events.Event

	// MarkEventsAsCommitted помечает события как сохраненные
	MarkEventsAsCommitted()

	// ApplyEvent применяет событие к состоянию агрегата
	ApplyEvent(event events.Event) error

	// LoadFromHistory восстанавливает состояние из истории событий
	LoadFromHistory(history []events.Event) error
}

// EventApplier применяет доменное событие к конкретному агрегату
type EventApplier interface {
	Apply(event events.Event) error
}

// BaseAggregate базовая реализация агрегата
type BaseAggregate struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []events.Event
	applier           EventApplier
}

// NewBaseAggregate создает новый базовый агрегат
func NewBaseAggregate(id, aggregateType string) *BaseAggregate {
	return &BaseAggregate{
		id:                id,
		aggregateType:     aggregateType,
		uncommittedEvents: make([]events.Event, 0),
	}
}

// SetApplier устанавливает обработчик применения событий.
// Конкретный агрегат регистрирует себя как applier после встраивания.
func (a *BaseAggregate) SetApplier(applier EventApplier) {
	a.applier = applier
}

// ID возвращает идентификатор агрегата
func (a *BaseAggregate) ID() string {
	return a.id
}

// Type возвращает тип агрегата
func (a *BaseAggregate) Type() string {
	return a.aggregateType
}

// Version возвращает текущую версию агрегата
func (a *BaseAggregate) Version() int64 {
	return a.version
}

// UncommittedEvents возвращает несохраненные события
func (a *BaseAggregate) UncommittedEvents() []events.Event {
	return a.uncommittedEvents
}

// MarkEventsAsCommitted помечает события как сохраненные
func (a *BaseAggregate) MarkEventsAsCommitted() {
	a.uncommittedEvents = a.uncommittedEvents[:0]
}

// ApplyEvent применяет новое событие: мутирует состояние, инкрементирует
// версию и добавляет событие в список несохраненных
func (a *BaseAggregate) ApplyEvent(event events.Event) error {
	if err := a.applyToState(event); err != nil {
		return err
	}
	a.version++
	a.uncommittedEvents = append(a.uncommittedEvents, event)
	return nil
}

// LoadFromHistory восстанавливает состояние из истории без накопления
// несохраненных событий
func (a *BaseAggregate) LoadFromHistory(history []events.Event) error {
	for _, event := range history {
		if err := a.applyToState(event); err != nil {
			return fmt.Errorf("failed to replay event %s: %w", event.EventType(), err)
		}
		a.version++
	}
	return nil
}

func (a *BaseAggregate) applyToState(event events.Event) error {
	if a.applier == nil {
		return nil
	}
	return a.applier.Apply(event)
}

// RestoreVersion устанавливает версию агрегата при восстановлении из снапшота
func (a *BaseAggregate) RestoreVersion(version int64) {
	a.version = version
}

// ReplayEventFromStored восстанавливает доменное событие из сохраненного
func ReplayEventFromStored(stored StoredEvent) (events.Event, error) {
	var payload map[string]interface{}
	if len(stored.Payload) > 0 {
		if err := json.Unmarshal(stored.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored payload: %w", err)
		}
	}

	metadata := make(events.EventMetadata)
	for k, v := range stored.Metadata {
		metadata[k] = v
	}

	return events.RestoreEvent(stored.ID, stored.EventType, stored.AggregateID, stored.OccurredAt, payload, metadata), nil
}
