package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CompensationResult итог прогона компенсации саги
type CompensationResult struct {
	SagaID    string
	Executed  []CompensationAction
	Failed    *CompensationAction
	Completed bool
}

// CompensationEngine выполняет откат завершенных шагов саги.
// Действия выполняются строго по убыванию executionOrder: откат шага N
// идет раньше отката шага N-1 и никогда не зависит от уже отмененного
// состояния.
type CompensationEngine struct {
	store    Store
	registry *Registry
	retry    RetryPolicy
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCompensationEngine создает движок компенсации
func NewCompensationEngine(store Store, registry *Registry, logger *slog.Logger) *CompensationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompensationEngine{
		store:    store,
		registry: registry,
		retry:    DefaultRetryPolicy(),
		logger:   logger,
		sleep:    sleepContext,
	}
}

// WithRetryPolicy переопределяет политику повторов компенсаций
func (e *CompensationEngine) WithRetryPolicy(policy RetryPolicy) *CompensationEngine {
	e.retry = policy
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compensate выполняет все ожидающие компенсирующие действия саги.
// Каждое действие независимо повторяется с ограниченным backoff;
// исчерпание попыток помечает действие failed и прерывает прогон -
// сага завершится в failed для ручного вмешательства оператора.
func (e *CompensationEngine) Compensate(ctx context.Context, sagaID string) (*CompensationResult, error) {
	actions, err := e.store.GetCompensationActions(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load compensation actions: %w", err)
	}

	result := &CompensationResult{SagaID: sagaID, Completed: true}
	for i := range actions {
		action := actions[i]
		if action.Status == CompensationCompleted {
			continue
		}

		if err := e.executeAction(ctx, &action); err != nil {
			action.Status = CompensationFailed
			action.ErrorMessage = err.Error()
			action.UpdatedAt = time.Now().UTC()
			if updateErr := e.store.UpdateCompensationAction(ctx, &action); updateErr != nil {
				e.logger.Error("failed to persist compensation failure",
					"saga_id", sagaID, "step", action.StepNumber, "error", updateErr)
			}
			result.Failed = &action
			result.Completed = false
			return result, fmt.Errorf("%w: saga %s step %d (%s/%s): %v",
				ErrCompensationFailed, sagaID, action.StepNumber,
				action.ServiceName, action.OperationName, err)
		}

		action.Status = CompensationCompleted
		action.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateCompensationAction(ctx, &action); err != nil {
			return nil, fmt.Errorf("failed to persist compensation result: %w", err)
		}
		result.Executed = append(result.Executed, action)

		e.markStepCompensated(ctx, sagaID, action.StepNumber)
	}
	return result, nil
}

func (e *CompensationEngine) executeAction(ctx context.Context, action *CompensationAction) error {
	participant, _, err := e.registry.Get(action.ServiceName)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		action.Attempts++
		err := participant.Compensate(ctx, action.OperationName, action.CompensationPayload)
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Warn("compensation attempt failed",
			"saga_id", action.SagaID, "step", action.StepNumber,
			"attempt", attempt, "error", err)

		if attempt < e.retry.MaxAttempts {
			if err := e.sleep(ctx, e.retry.Backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (e *CompensationEngine) markStepCompensated(ctx context.Context, sagaID string, stepNumber int) {
	entries, err := e.store.GetExecutionLog(ctx, sagaID)
	if err != nil {
		return
	}
	for i := range entries {
		entry := entries[i]
		if entry.StepNumber == stepNumber && entry.Status == StepStatusCompleted {
			entry.MarkCompensated()
			if err := e.store.UpdateLogEntry(ctx, &entry); err != nil {
				e.logger.Error("failed to mark log entry compensated",
					"saga_id", sagaID, "step", stepNumber, "error", err)
			}
		}
	}
}
