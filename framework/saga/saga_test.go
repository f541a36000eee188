package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/frankenstein/sagakit/framework/fsm"
)

func TestSaga_HappyPathTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewSaga("order", "tx-1", 3, map[string]interface{}{"order_id": "o-1"}, time.Minute)

	if s.Status != StatusStarted {
		t.Fatalf("expected status started, got %s", s.Status)
	}

	if err := s.AdvanceStep(ctx, map[string]interface{}{"step1": true}); err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if s.Status != StatusInProgress || s.CurrentStep != 1 {
		t.Errorf("expected in_progress/1, got %s/%d", s.Status, s.CurrentStep)
	}

	if err := s.AdvanceStep(ctx, nil); err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if err := s.AdvanceStep(ctx, nil); err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if s.Status != StatusCompleted || s.CurrentStep != 3 {
		t.Errorf("expected completed/3, got %s/%d", s.Status, s.CurrentStep)
	}

	// результаты шагов сливаются в sagaData
	if s.SagaData["step1"] != true || s.SagaData["order_id"] != "o-1" {
		t.Errorf("unexpected saga data: %v", s.SagaData)
	}
}

func TestSaga_CompensationPath(t *testing.T) {
	ctx := context.Background()
	s := NewSaga("order", "tx-1", 3, nil, time.Minute)

	if err := s.AdvanceStep(ctx, nil); err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if err := s.FailStep(ctx, errors.New("payment declined")); err != nil {
		t.Fatalf("FailStep failed: %v", err)
	}
	if s.Status != StatusCompensating {
		t.Errorf("expected compensating, got %s", s.Status)
	}
	if s.LastError != "payment declined" {
		t.Errorf("expected last error recorded, got %q", s.LastError)
	}

	if err := s.MarkCompensated(ctx); err != nil {
		t.Fatalf("MarkCompensated failed: %v", err)
	}
	if s.Status != StatusCompensated {
		t.Errorf("expected compensated, got %s", s.Status)
	}
}

func TestSaga_CompensationFailurePath(t *testing.T) {
	ctx := context.Background()
	s := NewSaga("order", "tx-1", 2, nil, time.Minute)

	if err := s.FailStep(ctx, errors.New("boom")); err != nil {
		t.Fatalf("FailStep failed: %v", err)
	}
	if err := s.MarkFailed(ctx, errors.New("compensation exhausted")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if s.Status != StatusFailed {
		t.Errorf("expected failed, got %s", s.Status)
	}
}

func TestSaga_TerminalImmutability(t *testing.T) {
	ctx := context.Background()
	s := NewSaga("order", "tx-1", 1, nil, time.Minute)

	if err := s.AdvanceStep(ctx, nil); err != nil {
		t.Fatalf("AdvanceStep failed: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}

	if err := s.AdvanceStep(ctx, nil); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState on advance, got %v", err)
	}
	if err := s.FailStep(ctx, errors.New("late")); !errors.Is(err, ErrTerminalState) {
		t.Errorf("expected ErrTerminalState on fail, got %v", err)
	}
	if s.CurrentStep != 1 {
		t.Errorf("current step must not change in terminal state, got %d", s.CurrentStep)
	}
}

func TestSaga_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := NewSaga("order", "tx-1", 2, nil, time.Minute)

	// из started нельзя сразу в compensated
	if err := s.MarkCompensated(ctx); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.Status != StatusStarted {
		t.Errorf("status must not change on invalid transition, got %s", s.Status)
	}
}

func TestSaga_Expiry(t *testing.T) {
	s := NewSaga("order", "tx-1", 2, nil, time.Minute)
	now := time.Now().UTC()

	if s.IsExpired(now) {
		t.Error("fresh saga must not be expired")
	}
	if !s.IsExpired(now.Add(2 * time.Minute)) {
		t.Error("saga past timeoutAt must be expired")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDefinition_NormalizesSteps(t *testing.T) {
	def := NewDefinition("order", []StepDefinition{
		{StepNumber: 3, ServiceName: "delivery", OperationName: "schedule"},
		{StepNumber: 1, ServiceName: "inventory", OperationName: "reserve"},
		{StepNumber: 2, ServiceName: "payment", OperationName: "charge"},
	}, 0)

	for i, step := range def.Steps {
		if step.StepNumber != i+1 {
			t.Errorf("expected step %d in position %d, got %d", i+1, i, step.StepNumber)
		}
		if step.Retry.MaxAttempts != 3 {
			t.Errorf("expected default retry policy, got %d attempts", step.Retry.MaxAttempts)
		}
		if step.Timeout == 0 {
			t.Error("expected default timeout to be applied")
		}
	}
	if def.SagaTimeout == 0 {
		t.Error("expected default saga timeout")
	}

	step, ok := def.StepAt(2)
	if !ok || step.ServiceName != "payment" {
		t.Errorf("StepAt(2) = %+v, %v", step, ok)
	}
	if _, ok := def.StepAt(9); ok {
		t.Error("StepAt(9) must not resolve")
	}
}
