// Package eventsourcing предоставляет append-only журнал доменных событий
// с оптимистичной конкурентностью и снапшотами.
package eventsourcing

import (
	"context"
	"errors"
	"time"

	"github.com/frankenstein/sagakit/framework/events"
)

var (
	// ErrConcurrencyConflict возникает при конфликте версий при сохранении событий
	ErrConcurrencyConflict = errors.New("concurrency conflict: expected version does not match current version")
	// ErrStreamNotFound возникает когда поток событий агрегата не найден
	ErrStreamNotFound = errors.New("event stream not found")
	// ErrInvalidVersion возникает при некорректной версии события
	ErrInvalidVersion = errors.New("invalid event version")
)

// StoredEvent представляет сохраненное событие с метаданными.
// Версии внутри агрегата непрерывны и начинаются с 1.
type StoredEvent struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	Metadata      map[string]interface{}
	Version       int64
	Position      int64
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// EventStore интерфейс для хранения событий
type EventStore interface {
	// AppendEvents добавляет события в поток агрегата с проверкой версии для
	// оптимистичной конкурентности. При несовпадении expectedVersion с текущей
	// головой потока возвращает ErrConcurrencyConflict, поток не изменяется.
	// Возвращает сохраненные события с присвоенными версиями expectedVersion+1..N.
	AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evs []events.Event) ([]StoredEvent, error)

	// GetEvents возвращает события агрегата начиная с указанной версии,
	// отсортированные по версии по возрастанию
	GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error)

	// GetEventsByType возвращает события определенного типа начиная с указанного времени
	GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time) ([]StoredEvent, error)

	// GetAllEvents возвращает все события начиная с указанной позиции для replay
	GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error)

	// CurrentVersion возвращает версию головы потока агрегата (0 если поток пуст)
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
}

func convertMetadata(metadata events.EventMetadata) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range metadata {
		result[k] = v
	}
	return result
}
