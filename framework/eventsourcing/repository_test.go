package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/frankenstein/sagakit/framework/events"
	"github.com/frankenstein/sagakit/framework/metrics"
)

// тестовый агрегат: счет с балансом
type account struct {
	*BaseAggregate
	Balance int `json:"balance"`
}

func newAccount(id string) *account {
	a := &account{BaseAggregate: NewBaseAggregate(id, "Account")}
	a.SetApplier(a)
	return a
}

func (a *account) Apply(event events.Event) error {
	switch event.EventType() {
	case "AccountOpened":
		a.Balance = 0
	case "MoneyDeposited":
		a.Balance += payloadAmount(event)
	case "MoneyWithdrawn":
		a.Balance -= payloadAmount(event)
	default:
		return fmt.Errorf("unknown event type: %s", event.EventType())
	}
	return nil
}

func payloadAmount(event events.Event) int {
	val, ok := event.Payload()["amount"]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int:
		return v
	case float64: // после JSON roundtrip числа приходят как float64
		return int(v)
	}
	return 0
}

func (a *account) deposit(amount int) error {
	return a.ApplyEvent(events.NewBaseEvent("MoneyDeposited", a.ID()).WithPayload("amount", amount))
}

func (a *account) withdraw(amount int) error {
	return a.ApplyEvent(events.NewBaseEvent("MoneyWithdrawn", a.ID()).WithPayload("amount", amount))
}

func (a *account) open() error {
	return a.ApplyEvent(events.NewBaseEvent("AccountOpened", a.ID()))
}

func newAccountRepository(config RepositoryConfig) *EventSourcedRepository[*account] {
	return NewEventSourcedRepository(
		NewInMemoryEventStore(),
		NewInMemorySnapshotStore(),
		func(id string) *account { return newAccount(id) },
		config,
	)
}

func TestRepository_SaveAndRebuild(t *testing.T) {
	repo := newAccountRepository(RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	acc := newAccount("acc-1")
	if err := acc.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := acc.deposit(100); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := acc.withdraw(30); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if err := repo.Save(ctx, acc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(acc.UncommittedEvents()) != 0 {
		t.Errorf("expected no uncommitted events after save, got %d", len(acc.UncommittedEvents()))
	}

	rebuilt, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rebuilt.Balance != 70 {
		t.Errorf("expected balance 70, got %d", rebuilt.Balance)
	}
	if rebuilt.Version() != 3 {
		t.Errorf("expected version 3, got %d", rebuilt.Version())
	}
}

func TestRepository_SnapshotEquivalence(t *testing.T) {
	// восстановление через снапшот должно давать то же состояние,
	// что и полный replay с нуля
	withSnapshots := newAccountRepository(RepositoryConfig{
		UseSnapshots:      true,
		SnapshotFrequency: 1,
	})
	ctx := context.Background()

	acc := newAccount("acc-1")
	if err := acc.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := acc.deposit(10); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}
		if err := withSnapshots.Save(ctx, acc); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	fromSnapshot, err := withSnapshots.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID with snapshots failed: %v", err)
	}

	fullReplay := NewEventSourcedRepository(
		withSnapshots.eventStore,
		nil,
		func(id string) *account { return newAccount(id) },
		RepositoryConfig{UseSnapshots: false},
	)
	fromEvents, err := fullReplay.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID with full replay failed: %v", err)
	}

	if fromSnapshot.Balance != fromEvents.Balance {
		t.Errorf("snapshot rebuild balance %d differs from full replay %d", fromSnapshot.Balance, fromEvents.Balance)
	}
	if fromSnapshot.Version() != fromEvents.Version() {
		t.Errorf("snapshot rebuild version %d differs from full replay %d", fromSnapshot.Version(), fromEvents.Version())
	}
	if fromSnapshot.Balance != 100 {
		t.Errorf("expected balance 100, got %d", fromSnapshot.Balance)
	}
}

func TestRepository_OptimisticConcurrency(t *testing.T) {
	repo := newAccountRepository(RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	acc := newAccount("acc-1")
	if err := acc.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := repo.Save(ctx, acc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	first, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	second, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if err := first.deposit(10); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("Save of first copy failed: %v", err)
	}

	if err := second.deposit(20); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := repo.Save(ctx, second); err == nil {
		t.Fatal("expected concurrency conflict for stale copy, got nil")
	}
}

func TestRepository_Exists(t *testing.T) {
	repo := newAccountRepository(RepositoryConfig{UseSnapshots: false})
	ctx := context.Background()

	exists, err := repo.Exists(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected aggregate to not exist")
	}

	acc := newAccount("acc-1")
	if err := acc.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := repo.Save(ctx, acc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	exists, err = repo.Exists(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected aggregate to exist after save")
	}
}

// репозиторий с подключенными метриками ведет себя так же, как без
// них: и при успешной записи, и при конфликте версий
func TestRepository_WithMetrics(t *testing.T) {
	m, err := metrics.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	repo := newAccountRepository(RepositoryConfig{UseSnapshots: false}).WithMetrics(m)
	ctx := context.Background()

	acc := newAccount("acc-1")
	if err := acc.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := acc.deposit(10); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := repo.Save(ctx, acc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stale, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	fresh, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if err := fresh.deposit(5); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := repo.Save(ctx, fresh); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := stale.deposit(7); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := repo.Save(ctx, stale); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	rebuilt, err := repo.GetByID(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rebuilt.Balance != 15 {
		t.Errorf("expected balance 15, got %d", rebuilt.Balance)
	}
}
