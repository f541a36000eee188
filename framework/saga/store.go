package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store интерфейс хранилища саг, журнала выполнения и компенсаций.
// Оркестратор не держит состояния, которое нельзя восстановить
// из хранилища.
type Store interface {
	// SaveSaga сохраняет новую сагу
	SaveSaga(ctx context.Context, s *Saga) error

	// GetSaga возвращает сагу по идентификатору
	GetSaga(ctx context.Context, sagaID string) (*Saga, error)

	// UpdateSaga сохраняет измененное состояние саги
	UpdateSaga(ctx context.Context, s *Saga) error

	// AcquireLease захватывает сагу для эксклюзивной обработки воркером.
	// Возвращает ErrSagaLocked если лизинг держит другой воркер.
	AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error

	// ReleaseLease освобождает лизинг
	ReleaseLease(ctx context.Context, sagaID, owner string) error

	// AppendLogEntry добавляет запись журнала выполнения
	AppendLogEntry(ctx context.Context, entry *ExecutionLogEntry) error

	// UpdateLogEntry обновляет запись журнала
	UpdateLogEntry(ctx context.Context, entry *ExecutionLogEntry) error

	// GetExecutionLog возвращает журнал саги в порядке выполнения
	GetExecutionLog(ctx context.Context, sagaID string) ([]ExecutionLogEntry, error)

	// SaveCompensationAction регистрирует компенсирующее действие
	SaveCompensationAction(ctx context.Context, action *CompensationAction) error

	// UpdateCompensationAction обновляет статус компенсирующего действия
	UpdateCompensationAction(ctx context.Context, action *CompensationAction) error

	// GetCompensationActions возвращает действия саги по убыванию
	// executionOrder
	GetCompensationActions(ctx context.Context, sagaID string) ([]CompensationAction, error)

	// FindResumable возвращает идентификаторы саг в нетерминальном
	// статусе с истекшим дедлайном либо не обновлявшихся дольше
	// staleAfter (кандидаты на восстановление после падения воркера)
	FindResumable(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error)
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore реализация Store в памяти для тестирования и разработки
type InMemoryStore struct {
	mutex         sync.RWMutex
	sagas         map[string]*Saga
	logs          map[string][]*ExecutionLogEntry
	compensations map[string][]*CompensationAction
	leases        map[string]lease
}

// NewInMemoryStore создает хранилище в памяти
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sagas:         make(map[string]*Saga),
		logs:          make(map[string][]*ExecutionLogEntry),
		compensations: make(map[string][]*CompensationAction),
		leases:        make(map[string]lease),
	}
}

func (s *InMemoryStore) SaveSaga(ctx context.Context, saga *Saga) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.sagas[saga.SagaID]; exists {
		return fmt.Errorf("saga %s already exists", saga.SagaID)
	}
	s.sagas[saga.SagaID] = saga.Clone()
	return nil
}

func (s *InMemoryStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	saga, exists := s.sagas[sagaID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return saga.Clone(), nil
}

func (s *InMemoryStore) UpdateSaga(ctx context.Context, saga *Saga) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.sagas[saga.SagaID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, saga.SagaID)
	}
	clone := saga.Clone()
	// запрос отмены липкий: запись воркера, загрузившего сагу до
	// отмены, не должна затереть уже сохраненный флаг
	clone.CancelRequested = clone.CancelRequested || existing.CancelRequested
	s.sagas[saga.SagaID] = clone
	return nil
}

func (s *InMemoryStore) AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	current, held := s.leases[sagaID]
	if held && current.owner != owner && now.Before(current.expiresAt) {
		return fmt.Errorf("%w: %s held by %s", ErrSagaLocked, sagaID, current.owner)
	}
	s.leases[sagaID] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, sagaID, owner string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, held := s.leases[sagaID]
	if held && current.owner == owner {
		delete(s.leases, sagaID)
	}
	return nil
}

func (s *InMemoryStore) AppendLogEntry(ctx context.Context, entry *ExecutionLogEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	clone := *entry
	s.logs[entry.SagaID] = append(s.logs[entry.SagaID], &clone)
	return nil
}

func (s *InMemoryStore) UpdateLogEntry(ctx context.Context, entry *ExecutionLogEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, existing := range s.logs[entry.SagaID] {
		if existing.EntryID == entry.EntryID {
			clone := *entry
			s.logs[entry.SagaID][i] = &clone
			return nil
		}
	}
	return fmt.Errorf("log entry %s not found", entry.EntryID)
}

func (s *InMemoryStore) GetExecutionLog(ctx context.Context, sagaID string) ([]ExecutionLogEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entries := s.logs[sagaID]
	result := make([]ExecutionLogEntry, 0, len(entries))
	for _, entry := range entries {
		result = append(result, *entry)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *InMemoryStore) SaveCompensationAction(ctx context.Context, action *CompensationAction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	clone := *action
	s.compensations[action.SagaID] = append(s.compensations[action.SagaID], &clone)
	return nil
}

func (s *InMemoryStore) UpdateCompensationAction(ctx context.Context, action *CompensationAction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, existing := range s.compensations[action.SagaID] {
		if existing.ActionID == action.ActionID {
			clone := *action
			s.compensations[action.SagaID][i] = &clone
			return nil
		}
	}
	return fmt.Errorf("compensation action %s not found", action.ActionID)
}

func (s *InMemoryStore) GetCompensationActions(ctx context.Context, sagaID string) ([]CompensationAction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	actions := s.compensations[sagaID]
	result := make([]CompensationAction, 0, len(actions))
	for _, action := range actions {
		result = append(result, *action)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExecutionOrder > result[j].ExecutionOrder
	})
	return result, nil
}

func (s *InMemoryStore) FindResumable(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var ids []string
	for id, saga := range s.sagas {
		if saga.Status.IsTerminal() {
			continue
		}
		if current, held := s.leases[id]; held && now.Before(current.expiresAt) {
			continue
		}
		if saga.IsExpired(now) || now.Sub(saga.UpdatedAt) >= staleAfter {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}
