package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStore_SaveGetUpdate(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	s := NewSaga("order", "tx-1", 2, nil, time.Minute)
	if err := store.SaveSaga(ctx, s); err != nil {
		t.Fatalf("SaveSaga failed: %v", err)
	}
	if err := store.SaveSaga(ctx, s); err == nil {
		t.Fatal("expected error on duplicate save")
	}

	loaded, err := store.GetSaga(ctx, s.SagaID)
	if err != nil {
		t.Fatalf("GetSaga failed: %v", err)
	}
	if loaded.SagaType != "order" || loaded.Status != StatusStarted {
		t.Errorf("unexpected saga: %+v", loaded)
	}

	// хранилище отдает копию, мутация не протекает внутрь
	loaded.SagaData["leak"] = true
	again, _ := store.GetSaga(ctx, s.SagaID)
	if _, ok := again.SagaData["leak"]; ok {
		t.Error("store must not share saga data with callers")
	}

	loaded.Status = StatusInProgress
	if err := store.UpdateSaga(ctx, loaded); err != nil {
		t.Fatalf("UpdateSaga failed: %v", err)
	}
	again, _ = store.GetSaga(ctx, s.SagaID)
	if again.Status != StatusInProgress {
		t.Errorf("expected in_progress after update, got %s", again.Status)
	}

	if _, err := store.GetSaga(ctx, "missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestInMemoryStore_Lease(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.AcquireLease(ctx, "saga-1", "worker-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	// другой воркер получает отказ
	if err := store.AcquireLease(ctx, "saga-1", "worker-b", time.Minute); !errors.Is(err, ErrSagaLocked) {
		t.Fatalf("expected ErrSagaLocked, got %v", err)
	}

	// владелец может продлить
	if err := store.AcquireLease(ctx, "saga-1", "worker-a", time.Minute); err != nil {
		t.Fatalf("lease renewal failed: %v", err)
	}

	if err := store.ReleaseLease(ctx, "saga-1", "worker-a"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if err := store.AcquireLease(ctx, "saga-1", "worker-b", time.Minute); err != nil {
		t.Fatalf("AcquireLease after release failed: %v", err)
	}
}

func TestInMemoryStore_ExpiredLeaseIsReacquirable(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	if err := store.AcquireLease(ctx, "saga-1", "worker-a", -time.Second); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if err := store.AcquireLease(ctx, "saga-1", "worker-b", time.Minute); err != nil {
		t.Fatalf("expected expired lease to be reacquirable, got %v", err)
	}
}

func TestInMemoryStore_CompensationOrdering(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	for _, stepNumber := range []int{1, 3, 2} {
		step := StepDefinition{StepNumber: stepNumber, ServiceName: "svc", OperationName: "op"}
		if err := store.SaveCompensationAction(ctx, NewCompensationAction("saga-1", step, nil)); err != nil {
			t.Fatalf("SaveCompensationAction failed: %v", err)
		}
	}

	actions, err := store.GetCompensationActions(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetCompensationActions failed: %v", err)
	}
	want := []int{3, 2, 1}
	for i, action := range actions {
		if action.ExecutionOrder != want[i] {
			t.Errorf("position %d: expected order %d, got %d", i, want[i], action.ExecutionOrder)
		}
	}
}

func TestInMemoryStore_FindResumable(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := NewSaga("order", "tx-1", 2, nil, -time.Minute)
	if err := store.SaveSaga(ctx, expired); err != nil {
		t.Fatalf("SaveSaga failed: %v", err)
	}

	fresh := NewSaga("order", "tx-2", 2, nil, time.Hour)
	if err := store.SaveSaga(ctx, fresh); err != nil {
		t.Fatalf("SaveSaga failed: %v", err)
	}

	done := NewSaga("order", "tx-3", 1, nil, -time.Minute)
	if err := done.AdvanceStep(ctx, nil); err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if err := store.SaveSaga(ctx, done); err != nil {
		t.Fatalf("SaveSaga failed: %v", err)
	}

	ids, err := store.FindResumable(ctx, now, time.Hour, 10)
	if err != nil {
		t.Fatalf("FindResumable failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != expired.SagaID {
		t.Errorf("expected only expired saga, got %v", ids)
	}

	// сага под активным лизингом не подбирается
	if err := store.AcquireLease(ctx, expired.SagaID, "worker-a", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	ids, err = store.FindResumable(ctx, now, time.Hour, 10)
	if err != nil {
		t.Fatalf("FindResumable failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("leased saga must not be resumable, got %v", ids)
	}
}

func TestInMemoryStore_ExecutionLogOrdering(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	step := StepDefinition{StepNumber: 1, ServiceName: "svc", OperationName: "op"}

	first := NewExecutionLogEntry("saga-1", step, 1, nil)
	first.StartedAt = time.Now().UTC().Add(-time.Second)
	second := NewExecutionLogEntry("saga-1", step, 2, nil)

	if err := store.AppendLogEntry(ctx, second); err != nil {
		t.Fatalf("AppendLogEntry failed: %v", err)
	}
	if err := store.AppendLogEntry(ctx, first); err != nil {
		t.Fatalf("AppendLogEntry failed: %v", err)
	}

	entries, err := store.GetExecutionLog(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetExecutionLog failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Attempt != 1 || entries[1].Attempt != 2 {
		t.Errorf("expected entries ordered by start time, got attempts %d, %d",
			entries[0].Attempt, entries[1].Attempt)
	}
}
