package saga

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus статус записи журнала выполнения
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCompensated StepStatus = "compensated"
)

// ExecutionLogEntry запись аудита одной попытки шага.
// Журнал append-only: повтор шага создает новую запись.
type ExecutionLogEntry struct {
	EntryID                 string                 `json:"entry_id"`
	SagaID                  string                 `json:"saga_id"`
	StepNumber              int                    `json:"step_number"`
	ServiceName             string                 `json:"service_name"`
	OperationName           string                 `json:"operation_name"`
	Attempt                 int                    `json:"attempt"`
	Status                  StepStatus             `json:"status"`
	RequestPayload          map[string]interface{} `json:"request_payload,omitempty"`
	ResponsePayload         map[string]interface{} `json:"response_payload,omitempty"`
	ErrorMessage            string                 `json:"error_message,omitempty"`
	StartedAt               time.Time              `json:"started_at"`
	CompletedAt             *time.Time             `json:"completed_at,omitempty"`
	CompensationCompletedAt *time.Time             `json:"compensation_completed_at,omitempty"`
}

// NewExecutionLogEntry создает запись о начале попытки шага
func NewExecutionLogEntry(sagaID string, step StepDefinition, attempt int, request map[string]interface{}) *ExecutionLogEntry {
	return &ExecutionLogEntry{
		EntryID:        uuid.New().String(),
		SagaID:         sagaID,
		StepNumber:     step.StepNumber,
		ServiceName:    step.ServiceName,
		OperationName:  step.OperationName,
		Attempt:        attempt,
		Status:         StepStatusPending,
		RequestPayload: request,
		StartedAt:      time.Now().UTC(),
	}
}

// MarkCompleted помечает попытку успешной
func (e *ExecutionLogEntry) MarkCompleted(response map[string]interface{}) {
	now := time.Now().UTC()
	e.Status = StepStatusCompleted
	e.ResponsePayload = response
	e.CompletedAt = &now
}

// MarkFailed помечает попытку проваленной
func (e *ExecutionLogEntry) MarkFailed(err error) {
	now := time.Now().UTC()
	e.Status = StepStatusFailed
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	e.CompletedAt = &now
}

// MarkCompensated помечает шаг компенсированным
func (e *ExecutionLogEntry) MarkCompensated() {
	now := time.Now().UTC()
	e.Status = StepStatusCompensated
	e.CompensationCompletedAt = &now
}

// CompensationStatus статус компенсирующего действия
type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "pending"
	CompensationCompleted CompensationStatus = "completed"
	CompensationFailed    CompensationStatus = "failed"
)

// CompensationAction зарегистрированная инструкция отката завершенного
// шага. Создается в тот же момент, когда прямой шаг завершился, до
// продвижения саги: путь отката записан раньше, чем сага пойдет дальше.
type CompensationAction struct {
	ActionID            string                 `json:"action_id"`
	SagaID              string                 `json:"saga_id"`
	StepNumber          int                    `json:"step_number"`
	ServiceName         string                 `json:"service_name"`
	OperationName       string                 `json:"operation_name"`
	CompensationPayload map[string]interface{} `json:"compensation_payload,omitempty"`
	ExecutionOrder      int                    `json:"execution_order"`
	Status              CompensationStatus     `json:"status"`
	Attempts            int                    `json:"attempts"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// NewCompensationAction создает компенсирующее действие для шага.
// ExecutionOrder равен номеру шага: компенсация идет по убыванию.
func NewCompensationAction(sagaID string, step StepDefinition, payload map[string]interface{}) *CompensationAction {
	now := time.Now().UTC()
	return &CompensationAction{
		ActionID:            uuid.New().String(),
		SagaID:              sagaID,
		StepNumber:          step.StepNumber,
		ServiceName:         step.ServiceName,
		OperationName:       step.OperationName,
		CompensationPayload: payload,
		ExecutionOrder:      step.StepNumber,
		Status:              CompensationPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
