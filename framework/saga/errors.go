package saga

import "errors"

var (
	// ErrSagaNotFound возникает когда сага не найдена в хранилище
	ErrSagaNotFound = errors.New("saga not found")
	// ErrTerminalState возникает при попытке изменить сагу в терминальном статусе
	ErrTerminalState = errors.New("saga is in terminal state")
	// ErrParticipantNotFound возникает когда участник не зарегистрирован
	ErrParticipantNotFound = errors.New("participant not found in registry")
	// ErrParticipantUnavailable возникает при недоступности участника
	ErrParticipantUnavailable = errors.New("participant unavailable")
	// ErrParticipantTimeout возникает при превышении таймаута вызова участника
	ErrParticipantTimeout = errors.New("participant invocation timed out")
	// ErrCompensationFailed возникает когда компенсация исчерпала все попытки
	ErrCompensationFailed = errors.New("compensation action failed after all retries")
	// ErrSagaLocked возникает когда сага уже обрабатывается другим воркером
	ErrSagaLocked = errors.New("saga is locked by another worker")
	// ErrSagaTimeout возникает когда сага превысила свой дедлайн
	ErrSagaTimeout = errors.New("saga deadline exceeded")
)
