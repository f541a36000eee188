package fsm

import (
	"context"
	"errors"
	"testing"
)

func buildOrderMachine() *Machine {
	return NewBuilder("created").
		Permit("created", "paid", "pay").
		Permit("paid", "shipped", "ship").
		Permit("created", "cancelled", "cancel").
		Permit("paid", "cancelled", "cancel").
		Build()
}

func TestMachine_Fire(t *testing.T) {
	m := buildOrderMachine()
	ctx := context.Background()

	state, err := m.Fire(ctx, "pay")
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if state != "paid" {
		t.Errorf("expected state paid, got %s", state)
	}

	state, err = m.Fire(ctx, "ship")
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if state != "shipped" {
		t.Errorf("expected state shipped, got %s", state)
	}
}

func TestMachine_InvalidTransition(t *testing.T) {
	m := buildOrderMachine()
	ctx := context.Background()

	// из created нельзя сразу отгрузить
	_, err := m.Fire(ctx, "ship")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.Current() != "created" {
		t.Errorf("state must not change on invalid transition, got %s", m.Current())
	}
}

func TestMachine_Guard(t *testing.T) {
	allowed := false
	m := NewBuilder("created").
		PermitWithGuard("created", "paid", "pay", func(ctx context.Context, from, to string) (bool, error) {
			return allowed, nil
		}).
		Build()
	ctx := context.Background()

	can, err := m.Can(ctx, "pay")
	if err != nil {
		t.Fatalf("Can failed: %v", err)
	}
	if can {
		t.Error("expected transition to be rejected by guard")
	}

	if _, err := m.Fire(ctx, "pay"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	allowed = true
	state, err := m.Fire(ctx, "pay")
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if state != "paid" {
		t.Errorf("expected state paid, got %s", state)
	}
}

func TestMachine_ActionFailureKeepsState(t *testing.T) {
	m := NewBuilder("created").
		PermitWithAction("created", "paid", "pay", func(ctx context.Context, from, to string) error {
			return errors.New("payment gateway down")
		}).
		Build()

	if _, err := m.Fire(context.Background(), "pay"); err == nil {
		t.Fatal("expected action error")
	}
	if m.Current() != "created" {
		t.Errorf("state must not change on action failure, got %s", m.Current())
	}
}

func TestMachine_BuildAt(t *testing.T) {
	m := NewBuilder("created").
		Permit("created", "paid", "pay").
		Permit("paid", "shipped", "ship").
		BuildAt("paid")

	if m.Current() != "paid" {
		t.Fatalf("expected restored state paid, got %s", m.Current())
	}
	state, err := m.Fire(context.Background(), "ship")
	if err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if state != "shipped" {
		t.Errorf("expected state shipped, got %s", state)
	}
}

func TestMachine_HistoryAndTerminal(t *testing.T) {
	m := buildOrderMachine()
	ctx := context.Background()

	if m.IsTerminal() {
		t.Error("created must not be terminal")
	}

	if _, err := m.Fire(ctx, "pay"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if _, err := m.Fire(ctx, "ship"); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	if !m.IsTerminal() {
		t.Error("shipped must be terminal")
	}

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	if history[0].From != "created" || history[0].To != "paid" {
		t.Errorf("unexpected first record: %+v", history[0])
	}
}
