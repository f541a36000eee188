package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frankenstein/sagakit/framework/events"
	"github.com/frankenstein/sagakit/framework/metrics"
)

// Repository интерфейс репозитория агрегатов
type Repository[T AggregateInterface] interface {
	// Save сохраняет несохраненные события агрегата
	Save(ctx context.Context, aggregate T) error

	// GetByID восстанавливает агрегат по идентификатору
	GetByID(ctx context.Context, id string) (T, error)

	// Exists проверяет существование агрегата
	Exists(ctx context.Context, id string) (bool, error)
}

// AggregateFactory создает пустой агрегат для восстановления
type AggregateFactory[T AggregateInterface] func(id string) T

// RepositoryConfig конфигурация репозитория
type RepositoryConfig struct {
	SnapshotFrequency int
	UseSnapshots      bool
	Serializer        SnapshotSerializer
	Strategy          SnapshotStrategy
}

// DefaultRepositoryConfig возвращает конфигурацию по умолчанию
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		SnapshotFrequency: 100,
		UseSnapshots:      true,
		Serializer:        &JSONSnapshotSerializer{},
	}
}

// EventSourcedRepository репозиторий агрегатов поверх event store.
// Восстановление: снапшот (если есть) плюс replay событий с версией
// выше версии снапшота. Результат идентичен полному replay с нуля.
type EventSourcedRepository[T AggregateInterface] struct {
	eventStore    EventStore
	snapshotStore SnapshotStore
	factory       AggregateFactory[T]
	config        RepositoryConfig
	metrics       *metrics.Metrics
}

// NewEventSourcedRepository создает новый репозиторий
func NewEventSourcedRepository[T AggregateInterface](
	eventStore EventStore,
	snapshotStore SnapshotStore,
	factory AggregateFactory[T],
	config RepositoryConfig,
) *EventSourcedRepository[T] {
	if config.Serializer == nil {
		config.Serializer = &JSONSnapshotSerializer{}
	}
	if config.Strategy == nil && config.UseSnapshots {
		config.Strategy = &FrequencySnapshotStrategy{Frequency: config.SnapshotFrequency}
	}
	return &EventSourcedRepository[T]{
		eventStore:    eventStore,
		snapshotStore: snapshotStore,
		factory:       factory,
		config:        config,
	}
}

// WithMetrics подключает сборщик метрик хранилища событий
func (r *EventSourcedRepository[T]) WithMetrics(m *metrics.Metrics) *EventSourcedRepository[T] {
	r.metrics = m
	return r
}

// Save сохраняет несохраненные события агрегата с оптимистичной
// проверкой версии
func (r *EventSourcedRepository[T]) Save(ctx context.Context, aggregate T) error {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))
	_, err := r.eventStore.AppendEvents(ctx, aggregate.ID(), aggregate.Type(), expectedVersion, uncommitted)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.metrics.RecordConcurrencyConflict(ctx, aggregate.Type())
		}
		return fmt.Errorf("failed to save aggregate %s: %w", aggregate.ID(), err)
	}
	aggregate.MarkEventsAsCommitted()
	r.metrics.RecordEventsAppended(ctx, aggregate.Type(), len(uncommitted))

	if r.config.UseSnapshots && r.snapshotStore != nil && r.config.Strategy != nil {
		if r.config.Strategy.ShouldCreateSnapshot(aggregate.Version(), len(uncommitted)) {
			if err := r.createSnapshot(ctx, aggregate); err != nil {
				// снапшот - кэш, его отсутствие не ломает сохранение
				return nil
			}
		}
	}
	return nil
}

// GetByID восстанавливает агрегат из снапшота и событий
func (r *EventSourcedRepository[T]) GetByID(ctx context.Context, id string) (T, error) {
	aggregate := r.factory(id)
	fromVersion := int64(1)

	if r.config.UseSnapshots && r.snapshotStore != nil {
		snapshot, err := r.snapshotStore.GetSnapshot(ctx, id)
		if err == nil {
			if err := r.config.Serializer.Deserialize(snapshot.Data, aggregate); err != nil {
				return aggregate, fmt.Errorf("failed to deserialize snapshot for %s: %w", id, err)
			}
			if base, ok := any(aggregate).(interface{ RestoreVersion(int64) }); ok {
				base.RestoreVersion(snapshot.Version)
			}
			fromVersion = snapshot.Version + 1
		} else if !errors.Is(err, ErrSnapshotNotFound) {
			return aggregate, fmt.Errorf("failed to load snapshot for %s: %w", id, err)
		}
	}

	stored, err := r.eventStore.GetEvents(ctx, id, fromVersion)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) && fromVersion > 1 {
			// все события за снапшотом могли отсутствовать, агрегат валиден
			return aggregate, nil
		}
		return aggregate, fmt.Errorf("failed to load events for %s: %w", id, err)
	}

	history := make([]events.Event, 0, len(stored))
	for _, storedEvent := range stored {
		event, err := ReplayEventFromStored(storedEvent)
		if err != nil {
			return aggregate, err
		}
		history = append(history, event)
	}
	if err := aggregate.LoadFromHistory(history); err != nil {
		return aggregate, fmt.Errorf("failed to replay aggregate %s: %w", id, err)
	}

	return aggregate, nil
}

// Exists проверяет существование агрегата
func (r *EventSourcedRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.CurrentVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return version > 0, nil
}

func (r *EventSourcedRepository[T]) createSnapshot(ctx context.Context, aggregate T) error {
	data, err := r.config.Serializer.Serialize(aggregate)
	if err != nil {
		return fmt.Errorf("failed to serialize aggregate %s: %w", aggregate.ID(), err)
	}
	return r.snapshotStore.SaveSnapshot(ctx, Snapshot{
		AggregateID:   aggregate.ID(),
		AggregateType: aggregate.Type(),
		Version:       aggregate.Version(),
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	})
}
