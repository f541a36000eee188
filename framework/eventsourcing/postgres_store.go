package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frankenstein/sagakit/framework/events"
)

// PostgreSQLEventStore реализация EventStore на PostgreSQL.
// Уникальный индекс (aggregate_id, version) гарантирует обнаружение
// конфликтов версий при конкурентной записи.
type PostgreSQLEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLEventStore создает event store поверх пула соединений
func NewPostgreSQLEventStore(pool *pgxpool.Pool) *PostgreSQLEventStore {
	return &PostgreSQLEventStore{pool: pool}
}

// AppendEvents добавляет события в рамках одной транзакции
func (s *PostgreSQLEventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, evs []events.Event) ([]StoredEvent, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	if expectedVersion < 0 {
		return nil, ErrInvalidVersion
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentVersion int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM event_store WHERE aggregate_id = $1`,
		aggregateID).Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read current version: %w", err)
	}
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
		metadata, err := json.Marshal(convertMetadata(event.Metadata()))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
		}

		version := expectedVersion + int64(i) + 1
		var position int64
		err = tx.QueryRow(ctx, `
			INSERT INTO event_store (event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, occurred_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING position`,
			event.EventID(), aggregateID, aggregateType, event.EventType(),
			payload, metadata, version, event.OccurredAt(), now).Scan(&position)
		if err != nil {
			var pgErr *pgconn.PgError
			// 23505 - нарушение уникальности (aggregate_id, version)
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return nil, fmt.Errorf("%w: aggregate %s version %d", ErrConcurrencyConflict, aggregateID, version)
			}
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}

		stored = append(stored, StoredEvent{
			ID:            event.EventID(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     event.EventType(),
			Payload:       payload,
			Metadata:      convertMetadata(event.Metadata()),
			Version:       version,
			Position:      position,
			OccurredAt:    event.OccurredAt(),
			CreatedAt:     now,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stored, nil
}

// GetEvents возвращает события агрегата начиная с указанной версии
func (s *PostgreSQLEventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, position, occurred_at, created_at
		FROM event_store
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version ASC`,
		aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	result, err := scanStoredEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM event_store WHERE aggregate_id = $1)`,
			aggregateID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check stream existence: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, aggregateID)
		}
	}
	return result, nil
}

// GetEventsByType возвращает события определенного типа
func (s *PostgreSQLEventStore) GetEventsByType(ctx context.Context, eventType string, fromTimestamp time.Time) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, position, occurred_at, created_at
		FROM event_store
		WHERE event_type = $1 AND occurred_at >= $2
		ORDER BY position ASC`,
		eventType, fromTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by type: %w", err)
	}
	defer rows.Close()
	return scanStoredEvents(rows)
}

// GetAllEvents возвращает канал всех событий для replay
func (s *PostgreSQLEventStore) GetAllEvents(ctx context.Context, fromPosition int64) (<-chan StoredEvent, error) {
	ch := make(chan StoredEvent)
	go func() {
		defer close(ch)
		rows, err := s.pool.Query(ctx, `
			SELECT event_id, aggregate_id, aggregate_type, event_type, payload, metadata, version, position, occurred_at, created_at
			FROM event_store
			WHERE position >= $1
			ORDER BY position ASC`,
			fromPosition)
		if err != nil {
			return
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanStoredEvent(rows)
			if err != nil {
				return
			}
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
func (s *PostgreSQLEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM event_store WHERE aggregate_id = $1`,
		aggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return version, nil
}

func scanStoredEvent(rows pgx.Rows) (StoredEvent, error) {
	var event StoredEvent
	var metadata []byte
	err := rows.Scan(&event.ID, &event.AggregateID, &event.AggregateType, &event.EventType,
		&event.Payload, &metadata, &event.Version, &event.Position, &event.OccurredAt, &event.CreatedAt)
	if err != nil {
		return event, fmt.Errorf("failed to scan event: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return event, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}
	return event, nil
}

func scanStoredEvents(rows pgx.Rows) ([]StoredEvent, error) {
	var result []StoredEvent
	for rows.Next() {
		event, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}
