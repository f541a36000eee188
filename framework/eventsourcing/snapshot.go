package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSnapshotNotFound возникает когда снапшот агрегата не найден
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot представляет сериализованное состояние агрегата на определенной версии.
// Снапшот - чистый кэш: его потеря не влияет на корректность восстановления.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          []byte
	CreatedAt     time.Time
}

// SnapshotStore интерфейс для хранения снапшотов
type SnapshotStore interface {
	// SaveSnapshot сохраняет снапшот. Снапшот с версией не выше уже
	// сохраненной молча игнорируется - версия снапшота только растет.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error

	// GetSnapshot возвращает последний снапшот агрегата
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// DeleteSnapshot удаляет снапшот агрегата
	DeleteSnapshot(ctx context.Context, aggregateID string) error
}

// SnapshotSerializer сериализует состояние агрегата
type SnapshotSerializer interface {
	Serialize(aggregate interface{}) ([]byte, error)
	Deserialize(data []byte, aggregate interface{}) error
}

// JSONSnapshotSerializer реализация сериализатора на JSON
type JSONSnapshotSerializer struct{}

func (s *JSONSnapshotSerializer) Serialize(aggregate interface{}) ([]byte, error) {
	return json.Marshal(aggregate)
}

func (s *JSONSnapshotSerializer) Deserialize(data []byte, aggregate interface{}) error {
	return json.Unmarshal(data, aggregate)
}

// SnapshotStrategy определяет когда создавать снапшот
type SnapshotStrategy interface {
	ShouldCreateSnapshot(version int64, eventsSinceSnapshot int) bool
}

// FrequencySnapshotStrategy создает снапшот каждые N событий
type FrequencySnapshotStrategy struct {
	Frequency int
}

func (s *FrequencySnapshotStrategy) ShouldCreateSnapshot(version int64, eventsSinceSnapshot int) bool {
	return s.Frequency > 0 && eventsSinceSnapshot >= s.Frequency
}

// InMemorySnapshotStore реализация SnapshotStore в памяти
type InMemorySnapshotStore struct {
	mutex     sync.RWMutex
	snapshots map[string]Snapshot
}

// NewInMemorySnapshotStore создает новый snapshot store в памяти
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[string]Snapshot),
	}
}

func (s *InMemorySnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.snapshots[snapshot.AggregateID]
	if exists && existing.Version >= snapshot.Version {
		return nil
	}
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (s *InMemorySnapshotStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snapshot, exists := s.snapshots[aggregateID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, aggregateID)
	}
	return &snapshot, nil
}

func (s *InMemorySnapshotStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.snapshots, aggregateID)
	return nil
}

// PostgreSQLSnapshotStore реализация SnapshotStore на PostgreSQL
type PostgreSQLSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLSnapshotStore создает snapshot store поверх пула соединений
func NewPostgreSQLSnapshotStore(pool *pgxpool.Pool) *PostgreSQLSnapshotStore {
	return &PostgreSQLSnapshotStore{pool: pool}
}

func (s *PostgreSQLSnapshotStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	// upsert только если версия выше уже сохраненной
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET aggregate_type = EXCLUDED.aggregate_type,
		    version = EXCLUDED.version,
		    data = EXCLUDED.data,
		    created_at = EXCLUDED.created_at
		WHERE snapshots.version < EXCLUDED.version`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, snapshot.Data, snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgreSQLSnapshotStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var snapshot Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_type, version, data, created_at
		FROM snapshots WHERE aggregate_id = $1`,
		aggregateID).Scan(&snapshot.AggregateID, &snapshot.AggregateType, &snapshot.Version, &snapshot.Data, &snapshot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, aggregateID)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *PostgreSQLSnapshotStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
