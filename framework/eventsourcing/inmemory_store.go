package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/frankenstein/sagakit/framework/events"
)

// InMemoryEventStore реализация EventStore в памяти для тестирования и разработки
type InMemoryEventStore struct {
	mutex    sync.RWMutex
	streams  map[string][]StoredEvent
	position int64
}

// NewInMemoryEventStore создает новый event store в памяти
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		streams: make(map[string][]StoredEvent),
	}
}

// AppendEvents добавляет события в поток с проверкой версии.
// Запись атомарна: либо все события добавлены, либо ни одного.
func (s *InMemoryEventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evs []events.Event) ([]StoredEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	if expectedVersion < 0 {
		return nil, ErrInvalidVersion
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	stream := s.streams[aggregateID]
	currentVersion := int64(len(stream))
	if currentVersion != expectedVersion {
		return nil, fmt.Errorf("%w: aggregate %s expected %d, actual %d",
			ErrConcurrencyConflict, aggregateID, expectedVersion, currentVersion)
	}

	stored := make([]StoredEvent, 0, len(evs))
	now := time.Now().UTC()
	for i, event := range evs {
		payload, err := json.Marshal(event.Payload())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}

		s.position++
		stored = append(stored, StoredEvent{
			ID:            event.EventID(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     event.EventType(),
			Payload:       payload,
			Metadata:      convertMetadata(event.Metadata()),
			Version:       expectedVersion + int64(i) + 1,
			Position:      s.position,
			OccurredAt:    event.OccurredAt(),
			CreatedAt:     now,
		})
	}

	s.streams[aggregateID] = append(stream, stored...)
	return stored, nil
}

// GetEvents возвращает события агрегата начиная с указанной версии
func (s *InMemoryEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stream, exists := s.streams[aggregateID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, aggregateID)
	}

	var result []StoredEvent
	for _, event := range stream {
		if event.Version >= fromVersion {
			result = append(result, event)
		}
	}
	return result, nil
}

// GetEventsByType возвращает события определенного типа
func (s *InMemoryEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time) ([]StoredEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []StoredEvent
	for _, stream := range s.streams {
		for _, event := range stream {
			if event.EventType == eventType && !event.OccurredAt.Before(fromTimestamp) {
				result = append(result, event)
			}
		}
	}
	return result, nil
}

// GetAllEvents возвращает канал всех событий начиная с позиции
func (s *InMemoryEventStore) GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error) {
	s.mutex.RLock()
	var all []StoredEvent
	for _, stream := range s.streams {
		for _, event := range stream {
			if event.Position >= fromPosition {
				all = append(all, event)
			}
		}
	}
	s.mutex.RUnlock()

	// сортировка по глобальной позиции
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Position < all[j-1].Position; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}

	ch := make(chan StoredEvent)
	go func() {
		defer close(ch)
		for _, event := range all {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CurrentVersion возвращает текущую версию потока агрегата
func (s *InMemoryEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return int64(len(s.streams[aggregateID])), nil
}
