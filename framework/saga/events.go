package saga

import (
	"github.com/frankenstein/sagakit/framework/events"
)

// типы событий жизненного цикла саги
const (
	EventSagaStarted       = "saga.started"
	EventSagaStepCompleted = "saga.step_completed"
	EventSagaStepFailed    = "saga.step_failed"
	EventSagaCompleted     = "saga.completed"
	EventSagaCompensating  = "saga.compensating"
	EventSagaCompensated   = "saga.compensated"
	EventSagaFailed        = "saga.failed"
)

// NewSagaStartedEvent создает событие запуска саги
func NewSagaStartedEvent(s *Saga) events.Event {
	return events.NewBaseEvent(EventSagaStarted, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithPayload("total_steps", s.TotalSteps).
		WithCorrelationID(s.BusinessTransactionID)
}

// NewStepCompletedEvent создает событие успешного завершения шага
func NewStepCompletedEvent(s *Saga, step StepDefinition) events.Event {
	return events.NewBaseEvent(EventSagaStepCompleted, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithPayload("step_number", step.StepNumber).
		WithPayload("service_name", step.ServiceName).
		WithPayload("operation_name", step.OperationName).
		WithCorrelationID(s.BusinessTransactionID)
}

// NewStepFailedEvent создает событие сбоя шага
func NewStepFailedEvent(s *Saga, step StepDefinition, cause error) events.Event {
	event := events.NewBaseEvent(EventSagaStepFailed, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithPayload("step_number", step.StepNumber).
		WithPayload("service_name", step.ServiceName).
		WithCorrelationID(s.BusinessTransactionID)
	if cause != nil {
		event.WithPayload("error", cause.Error())
	}
	return event
}

// NewSagaCompletedEvent создает событие успешного завершения саги
func NewSagaCompletedEvent(s *Saga) events.Event {
	return events.NewBaseEvent(EventSagaCompleted, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithPayload("current_step", s.CurrentStep).
		WithCorrelationID(s.BusinessTransactionID)
}

// NewSagaCompensatingEvent создает событие начала отката
func NewSagaCompensatingEvent(s *Saga) events.Event {
	return events.NewBaseEvent(EventSagaCompensating, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithPayload("failed_at_step", s.CurrentStep+1).
		WithPayload("error", s.LastError).
		WithCorrelationID(s.BusinessTransactionID)
}

// NewSagaCompensatedEvent создает событие завершенного отката
func NewSagaCompensatedEvent(s *Saga) events.Event {
	return events.NewBaseEvent(EventSagaCompensated, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithCorrelationID(s.BusinessTransactionID)
}

// NewSagaFailedEvent создает событие провала саги, требующего
// вмешательства оператора
func NewSagaFailedEvent(s *Saga, failedAction *CompensationAction) events.Event {
	event := events.NewBaseEvent(EventSagaFailed, s.SagaID).
		WithPayload("saga_type", s.SagaType).
		WithPayload("error", s.LastError).
		WithCorrelationID(s.BusinessTransactionID)
	if failedAction != nil {
		event.WithPayload("failed_compensation_step", failedAction.StepNumber).
			WithPayload("failed_compensation_service", failedAction.ServiceName)
	}
	return event
}
