// Package saga реализует оркестрацию распределенных транзакций:
// пошаговое выполнение с участниками, компенсацию в обратном порядке
// при сбоях и восстановление после падения оркестратора.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frankenstein/sagakit/framework/fsm"
)

// Status статус саги
type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// IsTerminal сообщает, является ли статус терминальным.
// Из терминального статуса сага никогда не возобновляется.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// события переходов статусной машины саги
const (
	eventAdvance            = "advance"
	eventComplete           = "complete"
	eventFail               = "fail"
	eventCompensated        = "compensated"
	eventCompensationFailed = "compensation_failed"
)

// newStatusMachine собирает статусную машину саги в указанном статусе
func newStatusMachine(current Status) *fsm.Machine {
	return fsm.NewBuilder(string(StatusStarted)).
		Permit(string(StatusStarted), string(StatusInProgress), eventAdvance).
		Permit(string(StatusInProgress), string(StatusInProgress), eventAdvance).
		Permit(string(StatusStarted), string(StatusCompleted), eventComplete).
		Permit(string(StatusInProgress), string(StatusCompleted), eventComplete).
		Permit(string(StatusStarted), string(StatusCompensating), eventFail).
		Permit(string(StatusInProgress), string(StatusCompensating), eventFail).
		Permit(string(StatusCompensating), string(StatusCompensated), eventCompensated).
		Permit(string(StatusCompensating), string(StatusFailed), eventCompensationFailed).
		BuildAt(string(current))
}

// Saga экземпляр распределенной транзакции.
// Владеет сагой исключительно оркестратор, состояние меняется
// только через операции переходов.
type Saga struct {
	SagaID                string                 `json:"saga_id"`
	SagaType              string                 `json:"saga_type"`
	BusinessTransactionID string                 `json:"business_transaction_id"`
	CurrentStep           int                    `json:"current_step"`
	TotalSteps            int                    `json:"total_steps"`
	SagaData              map[string]interface{} `json:"saga_data"`
	CompensationData      map[string]interface{} `json:"compensation_data"`
	Status                Status                 `json:"status"`
	CancelRequested       bool                   `json:"cancel_requested,omitempty"`
	LastError             string                 `json:"last_error,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	TimeoutAt             time.Time              `json:"timeout_at"`
}

// NewSaga создает новую сагу в статусе started
func NewSaga(sagaType, businessTransactionID string, totalSteps int, initialData map[string]interface{}, timeout time.Duration) *Saga {
	if initialData == nil {
		initialData = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Saga{
		SagaID:                uuid.New().String(),
		SagaType:              sagaType,
		BusinessTransactionID: businessTransactionID,
		CurrentStep:           0,
		TotalSteps:            totalSteps,
		SagaData:              initialData,
		CompensationData:      make(map[string]interface{}),
		Status:                StatusStarted,
		CreatedAt:             now,
		UpdatedAt:             now,
		TimeoutAt:             now.Add(timeout),
	}
}

// IsExpired сообщает, истек ли дедлайн саги
func (s *Saga) IsExpired(now time.Time) bool {
	return !s.TimeoutAt.IsZero() && now.After(s.TimeoutAt)
}

// transition выполняет переход статуса через статусную машину
func (s *Saga) transition(ctx context.Context, event string) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: saga %s in status %s", ErrTerminalState, s.SagaID, s.Status)
	}
	machine := newStatusMachine(s.Status)
	next, err := machine.Fire(ctx, event)
	if err != nil {
		return fmt.Errorf("saga %s: %w", s.SagaID, err)
	}
	s.Status = Status(next)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvanceStep фиксирует успешное завершение шага: сливает результат
// в sagaData, инкрементирует currentStep и переводит статус.
// Когда завершен последний шаг, сага переходит в completed.
func (s *Saga) AdvanceStep(ctx context.Context, stepResult map[string]interface{}) error {
	event := eventAdvance
	if s.CurrentStep+1 >= s.TotalSteps {
		event = eventComplete
	}
	if err := s.transition(ctx, event); err != nil {
		return err
	}
	s.CurrentStep++
	for k, v := range stepResult {
		s.SagaData[k] = v
	}
	return nil
}

// FailStep переводит сагу в compensating после сбоя шага
func (s *Saga) FailStep(ctx context.Context, cause error) error {
	if err := s.transition(ctx, eventFail); err != nil {
		return err
	}
	if cause != nil {
		s.LastError = cause.Error()
	}
	return nil
}

// MarkCompensated переводит сагу в терминальный compensated
func (s *Saga) MarkCompensated(ctx context.Context) error {
	return s.transition(ctx, eventCompensated)
}

// MarkFailed переводит сагу в терминальный failed после провала компенсации
func (s *Saga) MarkFailed(ctx context.Context, cause error) error {
	if err := s.transition(ctx, eventCompensationFailed); err != nil {
		return err
	}
	if cause != nil {
		s.LastError = cause.Error()
	}
	return nil
}

// Clone возвращает глубокую копию саги
func (s *Saga) Clone() *Saga {
	clone := *s
	clone.SagaData = make(map[string]interface{}, len(s.SagaData))
	for k, v := range s.SagaData {
		clone.SagaData[k] = v
	}
	clone.CompensationData = make(map[string]interface{}, len(s.CompensationData))
	for k, v := range s.CompensationData {
		clone.CompensationData[k] = v
	}
	return &clone
}
