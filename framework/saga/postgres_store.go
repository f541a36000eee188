package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore реализация Store на PostgreSQL.
// Лизинг реализован условным обновлением колонок locked_by и
// lock_expires_at в строке саги: строка саги служит единицей блокировки.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore создает хранилище саг поверх пула соединений
func NewPostgreSQLStore(pool *pgxpool.Pool) *PostgreSQLStore {
	return &PostgreSQLStore{pool: pool}
}

func (s *PostgreSQLStore) SaveSaga(ctx context.Context, saga *Saga) error {
	sagaData, compensationData, err := marshalSagaPayloads(saga)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sagas (saga_id, saga_type, business_transaction_id, current_step, total_steps,
			saga_data, compensation_data, status, cancel_requested, last_error, created_at, updated_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		saga.SagaID, saga.SagaType, saga.BusinessTransactionID, saga.CurrentStep, saga.TotalSteps,
		sagaData, compensationData, string(saga.Status), saga.CancelRequested, saga.LastError,
		saga.CreatedAt, saga.UpdatedAt, saga.TimeoutAt)
	if err != nil {
		return fmt.Errorf("failed to insert saga: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	var saga Saga
	var status string
	var sagaData, compensationData []byte
	err := s.pool.QueryRow(ctx, `
		SELECT saga_id, saga_type, business_transaction_id, current_step, total_steps,
			saga_data, compensation_data, status, cancel_requested, last_error, created_at, updated_at, timeout_at
		FROM sagas WHERE saga_id = $1`,
		sagaID).Scan(&saga.SagaID, &saga.SagaType, &saga.BusinessTransactionID, &saga.CurrentStep,
		&saga.TotalSteps, &sagaData, &compensationData, &status, &saga.CancelRequested,
		&saga.LastError, &saga.CreatedAt, &saga.UpdatedAt, &saga.TimeoutAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
		}
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	saga.Status = Status(status)
	if err := unmarshalSagaPayloads(&saga, sagaData, compensationData); err != nil {
		return nil, err
	}
	return &saga, nil
}

func (s *PostgreSQLStore) UpdateSaga(ctx context.Context, saga *Saga) error {
	sagaData, compensationData, err := marshalSagaPayloads(saga)
	if err != nil {
		return err
	}
	// cancel_requested липкий: одиночная запись устанавливает флаг,
	// но никогда не сбрасывает уже сохраненный запрос отмены
	tag, err := s.pool.Exec(ctx, `
		UPDATE sagas
		SET current_step = $2, saga_data = $3, compensation_data = $4, status = $5,
			cancel_requested = sagas.cancel_requested OR $6,
			last_error = $7, updated_at = $8, timeout_at = $9
		WHERE saga_id = $1`,
		saga.SagaID, saga.CurrentStep, sagaData, compensationData, string(saga.Status),
		saga.CancelRequested, saga.LastError, saga.UpdatedAt, saga.TimeoutAt)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, saga.SagaID)
	}
	return nil
}

func (s *PostgreSQLStore) AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sagas
		SET locked_by = $2, lock_expires_at = $3
		WHERE saga_id = $1
		  AND (locked_by IS NULL OR locked_by = $2 OR lock_expires_at < $4)`,
		sagaID, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSagaLocked, sagaID)
	}
	return nil
}

func (s *PostgreSQLStore) ReleaseLease(ctx context.Context, sagaID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sagas SET locked_by = NULL, lock_expires_at = NULL
		WHERE saga_id = $1 AND locked_by = $2`,
		sagaID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) AppendLogEntry(ctx context.Context, entry *ExecutionLogEntry) error {
	request, err := json.Marshal(entry.RequestPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}
	response, err := json.Marshal(entry.ResponsePayload)
	if err != nil {
		return fmt.Errorf("failed to marshal response payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO saga_execution_log (entry_id, saga_id, step_number, service_name, operation_name,
			attempt, status, request_payload, response_payload, error_message,
			started_at, completed_at, compensation_completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.EntryID, entry.SagaID, entry.StepNumber, entry.ServiceName, entry.OperationName,
		entry.Attempt, string(entry.Status), request, response, entry.ErrorMessage,
		entry.StartedAt, entry.CompletedAt, entry.CompensationCompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution log entry: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) UpdateLogEntry(ctx context.Context, entry *ExecutionLogEntry) error {
	response, err := json.Marshal(entry.ResponsePayload)
	if err != nil {
		return fmt.Errorf("failed to marshal response payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_execution_log
		SET status = $2, response_payload = $3, error_message = $4,
			completed_at = $5, compensation_completed_at = $6
		WHERE entry_id = $1`,
		entry.EntryID, string(entry.Status), response, entry.ErrorMessage,
		entry.CompletedAt, entry.CompensationCompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution log entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("log entry %s not found", entry.EntryID)
	}
	return nil
}

func (s *PostgreSQLStore) GetExecutionLog(ctx context.Context, sagaID string) ([]ExecutionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, saga_id, step_number, service_name, operation_name, attempt, status,
			request_payload, response_payload, error_message, started_at, completed_at, compensation_completed_at
		FROM saga_execution_log
		WHERE saga_id = $1
		ORDER BY started_at ASC`,
		sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var result []ExecutionLogEntry
	for rows.Next() {
		var entry ExecutionLogEntry
		var status string
		var request, response []byte
		err := rows.Scan(&entry.EntryID, &entry.SagaID, &entry.StepNumber, &entry.ServiceName,
			&entry.OperationName, &entry.Attempt, &status, &request, &response,
			&entry.ErrorMessage, &entry.StartedAt, &entry.CompletedAt, &entry.CompensationCompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log entry: %w", err)
		}
		entry.Status = StepStatus(status)
		if err := unmarshalJSONMap(request, &entry.RequestPayload); err != nil {
			return nil, err
		}
		if err := unmarshalJSONMap(response, &entry.ResponsePayload); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *PostgreSQLStore) SaveCompensationAction(ctx context.Context, action *CompensationAction) error {
	payload, err := json.Marshal(action.CompensationPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal compensation payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO compensation_actions (action_id, saga_id, step_number, service_name, operation_name,
			compensation_payload, execution_order, status, attempts, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		action.ActionID, action.SagaID, action.StepNumber, action.ServiceName, action.OperationName,
		payload, action.ExecutionOrder, string(action.Status), action.Attempts, action.ErrorMessage,
		action.CreatedAt, action.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert compensation action: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) UpdateCompensationAction(ctx context.Context, action *CompensationAction) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE compensation_actions
		SET status = $2, attempts = $3, error_message = $4, updated_at = $5
		WHERE action_id = $1`,
		action.ActionID, string(action.Status), action.Attempts, action.ErrorMessage, action.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update compensation action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("compensation action %s not found", action.ActionID)
	}
	return nil
}

func (s *PostgreSQLStore) GetCompensationActions(ctx context.Context, sagaID string) ([]CompensationAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action_id, saga_id, step_number, service_name, operation_name,
			compensation_payload, execution_order, status, attempts, error_message, created_at, updated_at
		FROM compensation_actions
		WHERE saga_id = $1
		ORDER BY execution_order DESC`,
		sagaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensation actions: %w", err)
	}
	defer rows.Close()

	var result []CompensationAction
	for rows.Next() {
		var action CompensationAction
		var status string
		var payload []byte
		err := rows.Scan(&action.ActionID, &action.SagaID, &action.StepNumber, &action.ServiceName,
			&action.OperationName, &payload, &action.ExecutionOrder, &status, &action.Attempts,
			&action.ErrorMessage, &action.CreatedAt, &action.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compensation action: %w", err)
		}
		action.Status = CompensationStatus(status)
		if err := unmarshalJSONMap(payload, &action.CompensationPayload); err != nil {
			return nil, err
		}
		result = append(result, action)
	}
	return result, rows.Err()
}

func (s *PostgreSQLStore) FindResumable(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT saga_id FROM sagas
		WHERE status NOT IN ('completed', 'compensated', 'failed')
		  AND (lock_expires_at IS NULL OR lock_expires_at < $1)
		  AND (timeout_at < $1 OR updated_at < $2)
		ORDER BY updated_at ASC
		LIMIT $3`,
		now, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resumable sagas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveParticipantRegistration сохраняет запись реестра участников
func (s *PostgreSQLStore) SaveParticipantRegistration(ctx context.Context, reg Registration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participant_registry (service_name, service_url, health_check_url, timeout_seconds, retry_attempts, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (service_name) DO UPDATE
		SET service_url = EXCLUDED.service_url,
		    health_check_url = EXCLUDED.health_check_url,
		    timeout_seconds = EXCLUDED.timeout_seconds,
		    retry_attempts = EXCLUDED.retry_attempts,
		    is_active = EXCLUDED.is_active,
		    updated_at = now()`,
		reg.ServiceName, reg.ServiceURL, reg.HealthCheckURL,
		int(reg.Timeout/time.Second), reg.RetryAttempts, reg.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save participant registration: %w", err)
	}
	return nil
}

// LoadParticipantRegistrations читает реестр участников
func (s *PostgreSQLStore) LoadParticipantRegistrations(ctx context.Context) ([]Registration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_name, service_url, health_check_url, timeout_seconds, retry_attempts, is_active
		FROM participant_registry
		ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query participant registry: %w", err)
	}
	defer rows.Close()

	var result []Registration
	for rows.Next() {
		var reg Registration
		var timeoutSeconds int
		err := rows.Scan(&reg.ServiceName, &reg.ServiceURL, &reg.HealthCheckURL,
			&timeoutSeconds, &reg.RetryAttempts, &reg.IsActive)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant registration: %w", err)
		}
		reg.Timeout = time.Duration(timeoutSeconds) * time.Second
		result = append(result, reg)
	}
	return result, rows.Err()
}

func marshalSagaPayloads(saga *Saga) ([]byte, []byte, error) {
	sagaData, err := json.Marshal(saga.SagaData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal saga data: %w", err)
	}
	compensationData, err := json.Marshal(saga.CompensationData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal compensation data: %w", err)
	}
	return sagaData, compensationData, nil
}

func unmarshalSagaPayloads(saga *Saga, sagaData, compensationData []byte) error {
	if err := unmarshalJSONMap(sagaData, &saga.SagaData); err != nil {
		return err
	}
	if err := unmarshalJSONMap(compensationData, &saga.CompensationData); err != nil {
		return err
	}
	if saga.SagaData == nil {
		saga.SagaData = make(map[string]interface{})
	}
	if saga.CompensationData == nil {
		saga.CompensationData = make(map[string]interface{})
	}
	return nil
}

func unmarshalJSONMap(data []byte, target *map[string]interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal json payload: %w", err)
	}
	return nil
}
