package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frankenstein/sagakit/framework/core"
	"github.com/frankenstein/sagakit/framework/events"
	"github.com/frankenstein/sagakit/framework/metrics"
)

// OrchestratorConfig конфигурация оркестратора
type OrchestratorConfig struct {
	WorkerCount      int
	QueueSize        int
	LeaseTTL         time.Duration
	RecoveryInterval time.Duration
	StaleAfter       time.Duration
}

// DefaultOrchestratorConfig возвращает конфигурацию по умолчанию
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		WorkerCount:      4,
		QueueSize:        256,
		LeaseTTL:         time.Minute,
		RecoveryInterval: 15 * time.Second,
		StaleAfter:       time.Minute,
	}
}

// Orchestrator координатор саг: принимает заявки, гонит шаги через
// пул воркеров, компенсирует при сбоях и подбирает брошенные саги
// после рестарта. Ни одна сага не обрабатывается двумя воркерами
// одновременно - перед работой воркер захватывает лизинг.
type Orchestrator struct {
	mu          sync.RWMutex
	store       Store
	registry    *Registry
	engine      *CompensationEngine
	bus         events.EventPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	definitions map[string]Definition
	config      OrchestratorConfig
	queue       chan string
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
	workerID    string
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator создает оркестратор
func NewOrchestrator(store Store, registry *Registry, bus events.EventPublisher, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultOrchestratorConfig().WorkerCount
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultOrchestratorConfig().QueueSize
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultOrchestratorConfig().LeaseTTL
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = DefaultOrchestratorConfig().RecoveryInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultOrchestratorConfig().StaleAfter
	}

	return &Orchestrator{
		store:       store,
		registry:    registry,
		engine:      NewCompensationEngine(store, registry, logger),
		bus:         bus,
		logger:      logger,
		definitions: make(map[string]Definition),
		config:      config,
		queue:       make(chan string, config.QueueSize),
		stopCh:      make(chan struct{}),
		workerID:    uuid.New().String(),
		sleep:       sleepContext,
	}
}

// WithMetrics подключает сборщик метрик
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// Name возвращает имя компонента
func (o *Orchestrator) Name() string {
	return "saga-orchestrator"
}

// Type возвращает тип компонента
func (o *Orchestrator) Type() core.ComponentType {
	return core.ComponentTypeOrchestrator
}

// RegisterDefinition регистрирует описание типа саги.
// Вызывается на этапе сборки, до Start.
func (o *Orchestrator) RegisterDefinition(def Definition) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.definitions[def.SagaType]; exists {
		return fmt.Errorf("saga type %s already registered", def.SagaType)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("saga type %s has no steps", def.SagaType)
	}
	o.definitions[def.SagaType] = def
	return nil
}

func (o *Orchestrator) definition(sagaType string) (Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.definitions[sagaType]
	return def, ok
}

// Start запускает пул воркеров и цикл восстановления
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	o.mu.Unlock()

	for i := 0; i < o.config.WorkerCount; i++ {
		o.wg.Add(1)
		go o.worker(stopCh)
	}
	o.wg.Add(1)
	go o.recoveryLoop(stopCh)

	o.logger.Info("saga orchestrator started",
		"workers", o.config.WorkerCount, "worker_id", o.workerID)
	return nil
}

// Stop останавливает оркестратор, дожидаясь завершения воркеров.
// Саги, оставшиеся в полете, подберет цикл восстановления после
// следующего запуска.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	stopCh := o.stopCh
	o.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.logger.Info("saga orchestrator stopped")
	return nil
}

// IsRunning сообщает, запущен ли оркестратор
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Submit создает сагу и ставит ее в очередь на исполнение.
// Возвращает идентификатор немедленно, исполнение асинхронное:
// итог наблюдается через GetStatus или терминальные события.
func (o *Orchestrator) Submit(ctx context.Context, sagaType, businessTransactionID string, initialData map[string]interface{}) (string, error) {
	def, ok := o.definition(sagaType)
	if !ok {
		return "", fmt.Errorf("unknown saga type: %s", sagaType)
	}

	s := NewSaga(sagaType, businessTransactionID, len(def.Steps), initialData, def.SagaTimeout)
	if err := o.store.SaveSaga(ctx, s); err != nil {
		return "", fmt.Errorf("failed to persist saga: %w", err)
	}

	o.publish(ctx, NewSagaStartedEvent(s))
	o.metrics.RecordSagaStarted(ctx, sagaType)

	select {
	case o.queue <- s.SagaID:
	default:
		// очередь заполнена: сагу подберет цикл восстановления
		o.logger.Warn("saga queue full, deferring to recovery loop", "saga_id", s.SagaID)
	}
	return s.SagaID, nil
}

// Resume ставит сагу в очередь на продолжение обработки
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) error {
	s, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: saga %s in status %s", ErrTerminalState, sagaID, s.Status)
	}
	select {
	case o.queue <- sagaID:
		return nil
	default:
		return fmt.Errorf("saga queue full")
	}
}

// Cancel запрашивает отмену саги. Отмена моделируется как
// инжектированный сбой на текущем шаге: шаг в полете не прерывается,
// после его исхода сага уходит в компенсацию.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	s, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: saga %s in status %s", ErrTerminalState, sagaID, s.Status)
	}
	s.CancelRequested = true
	s.UpdatedAt = time.Now().UTC()
	return o.store.UpdateSaga(ctx, s)
}

// GetStatus возвращает текущее состояние саги
func (o *Orchestrator) GetStatus(ctx context.Context, sagaID string) (*Saga, error) {
	return o.store.GetSaga(ctx, sagaID)
}

// GetExecutionLog возвращает журнал выполнения саги
func (o *Orchestrator) GetExecutionLog(ctx context.Context, sagaID string) ([]ExecutionLogEntry, error) {
	return o.store.GetExecutionLog(ctx, sagaID)
}

func (o *Orchestrator) worker(stopCh <-chan struct{}) {
	defer o.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case sagaID := <-o.queue:
			o.drive(sagaID)
		}
	}
}

func (o *Orchestrator) recoveryLoop(stopCh <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			o.recoverySweep(stopCh)
		}
	}
}

func (o *Orchestrator) recoverySweep(stopCh <-chan struct{}) {
	ctx := context.Background()
	ids, err := o.store.FindResumable(ctx, time.Now().UTC(), o.config.StaleAfter, o.config.QueueSize)
	if err != nil {
		o.logger.Error("recovery sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		select {
		case o.queue <- id:
		case <-stopCh:
			return
		default:
			return
		}
	}
}

// drive обрабатывает одну сагу под эксклюзивным лизингом: продолжает
// прямое исполнение с persisted currentStep либо возобновляет
// компенсацию. Все решения выводятся из сохраненного состояния.
func (o *Orchestrator) drive(sagaID string) {
	ctx := context.Background()

	if err := o.store.AcquireLease(ctx, sagaID, o.workerID, o.config.LeaseTTL); err != nil {
		if !errors.Is(err, ErrSagaLocked) {
			o.logger.Error("failed to acquire saga lease", "saga_id", sagaID, "error", err)
		}
		return
	}
	defer func() {
		if err := o.store.ReleaseLease(ctx, sagaID, o.workerID); err != nil {
			o.logger.Error("failed to release saga lease", "saga_id", sagaID, "error", err)
		}
	}()

	s, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		o.logger.Error("failed to load saga", "saga_id", sagaID, "error", err)
		return
	}
	if s.Status.IsTerminal() {
		return
	}

	def, ok := o.definition(s.SagaType)
	if !ok {
		o.logger.Error("no definition for saga type", "saga_id", sagaID, "saga_type", s.SagaType)
		return
	}

	if s.Status == StatusCompensating {
		o.runCompensation(ctx, s)
		return
	}
	o.runForward(ctx, s, def)
}

func (o *Orchestrator) runForward(ctx context.Context, s *Saga, def Definition) {
	for s.CurrentStep < s.TotalSteps {
		// лизинг продлевается перед каждым шагом: долгая сага не
		// должна попасть в recovery sweep, пока ее держит воркер
		if err := o.store.AcquireLease(ctx, s.SagaID, o.workerID, o.config.LeaseTTL); err != nil {
			o.logger.Warn("saga lease lost, abandoning",
				"saga_id", s.SagaID, "error", err)
			return
		}
		if s.CancelRequested {
			o.failAndCompensate(ctx, s, def, s.CurrentStep+1, errors.New("saga cancelled"))
			return
		}
		if s.IsExpired(time.Now().UTC()) {
			o.failAndCompensate(ctx, s, def, s.CurrentStep+1, ErrSagaTimeout)
			return
		}

		stepNumber := s.CurrentStep + 1
		step, ok := def.StepAt(stepNumber)
		if !ok {
			o.failAndCompensate(ctx, s, def, stepNumber,
				fmt.Errorf("step %d not defined for saga type %s", stepNumber, s.SagaType))
			return
		}

		result, err := o.executeStep(ctx, s, step)
		if err != nil {
			if errors.Is(err, ErrSagaLocked) {
				o.logger.Warn("saga lease lost during step, abandoning",
					"saga_id", s.SagaID, "error", err)
				return
			}
			o.failAndCompensate(ctx, s, def, stepNumber, err)
			return
		}

		// компенсация регистрируется до продвижения: падение между
		// шагами никогда не оставляет некомпенсируемый разрыв
		action := NewCompensationAction(s.SagaID, step, mergePayload(s.SagaData, result))
		if err := o.store.SaveCompensationAction(ctx, action); err != nil {
			o.logger.Error("failed to persist compensation action",
				"saga_id", s.SagaID, "step", stepNumber, "error", err)
			return
		}

		if err := s.AdvanceStep(ctx, result); err != nil {
			o.logger.Error("failed to advance saga", "saga_id", s.SagaID, "error", err)
			return
		}
		if err := o.store.UpdateSaga(ctx, s); err != nil {
			o.logger.Error("failed to persist saga progress", "saga_id", s.SagaID, "error", err)
			return
		}

		o.publish(ctx, NewStepCompletedEvent(s, step))

		// перечитываем сагу: между шагами мог прийти запрос отмены
		refreshed, err := o.store.GetSaga(ctx, s.SagaID)
		if err == nil {
			s = refreshed
		}
	}

	o.publish(ctx, NewSagaCompletedEvent(s))
	o.metrics.RecordSagaFinished(ctx, s.SagaType, string(s.Status))
	o.logger.Info("saga completed", "saga_id", s.SagaID, "saga_type", s.SagaType)
}

// executeStep выполняет один шаг с повторами по политике.
// Транзиентные ошибки (таймаут, недоступность) повторяются с backoff,
// доменный отказ участника сразу уходит в компенсацию.
func (o *Orchestrator) executeStep(ctx context.Context, s *Saga, step StepDefinition) (map[string]interface{}, error) {
	participant, registration, err := o.registry.Get(step.ServiceName)
	if err != nil {
		return nil, err
	}

	timeout := step.Timeout
	if registration.Timeout > 0 {
		timeout = registration.Timeout
	}
	retry := step.Retry
	if registration.RetryAttempts > 0 {
		retry.MaxAttempts = registration.RetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		entry := NewExecutionLogEntry(s.SagaID, step, attempt, s.SagaData)
		if err := o.store.AppendLogEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to append execution log: %w", err)
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		started := time.Now()
		result, err := participant.Execute(stepCtx, step.OperationName, s.SagaData)
		cancel()

		o.metrics.RecordStep(ctx, s.SagaType, step.ServiceName, time.Since(started), err == nil)

		if err == nil {
			entry.MarkCompleted(result)
			if err := o.store.UpdateLogEntry(ctx, entry); err != nil {
				o.logger.Error("failed to update execution log", "saga_id", s.SagaID, "error", err)
			}
			return result, nil
		}

		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s/%s", ErrParticipantTimeout, step.ServiceName, step.OperationName)
		}
		entry.MarkFailed(err)
		if updateErr := o.store.UpdateLogEntry(ctx, entry); updateErr != nil {
			o.logger.Error("failed to update execution log", "saga_id", s.SagaID, "error", updateErr)
		}
		lastErr = err

		if !isTransient(err) {
			// доменный отказ: без повторов
			return nil, err
		}

		o.logger.Warn("saga step attempt failed",
			"saga_id", s.SagaID, "step", step.StepNumber, "attempt", attempt, "error", err)
		if attempt < retry.MaxAttempts {
			o.metrics.RecordStepRetry(ctx, s.SagaType, step.ServiceName)
			// backoff с повторами способен пережить LeaseTTL,
			// поэтому лизинг продлевается между попытками
			if err := o.store.AcquireLease(ctx, s.SagaID, o.workerID, o.config.LeaseTTL); err != nil {
				return nil, err
			}
			if err := o.sleep(ctx, retry.Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	return errors.Is(err, ErrParticipantTimeout) ||
		errors.Is(err, ErrParticipantUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) failAndCompensate(ctx context.Context, s *Saga, def Definition, stepNumber int, cause error) {
	if step, ok := def.StepAt(stepNumber); ok {
		o.publish(ctx, NewStepFailedEvent(s, step, cause))
	}

	if err := s.FailStep(ctx, cause); err != nil {
		o.logger.Error("failed to transition saga to compensating",
			"saga_id", s.SagaID, "error", err)
		return
	}
	if err := o.store.UpdateSaga(ctx, s); err != nil {
		o.logger.Error("failed to persist saga failure", "saga_id", s.SagaID, "error", err)
		return
	}
	o.publish(ctx, NewSagaCompensatingEvent(s))
	o.runCompensation(ctx, s)
}

func (o *Orchestrator) runCompensation(ctx context.Context, s *Saga) {
	started := time.Now()
	result, err := o.engine.Compensate(ctx, s.SagaID)
	if err != nil && result == nil {
		o.logger.Error("compensation run failed", "saga_id", s.SagaID, "error", err)
		return
	}

	o.metrics.RecordCompensation(ctx, s.SagaType, time.Since(started), result.Completed)

	if result.Completed {
		if err := s.MarkCompensated(ctx); err != nil {
			o.logger.Error("failed to mark saga compensated", "saga_id", s.SagaID, "error", err)
			return
		}
		if err := o.store.UpdateSaga(ctx, s); err != nil {
			o.logger.Error("failed to persist saga state", "saga_id", s.SagaID, "error", err)
			return
		}
		o.publish(ctx, NewSagaCompensatedEvent(s))
		o.metrics.RecordSagaFinished(ctx, s.SagaType, string(s.Status))
		o.logger.Info("saga compensated", "saga_id", s.SagaID, "saga_type", s.SagaType)
		return
	}

	// компенсация исчерпала попытки: сага в failed, действие помечено
	// для вмешательства оператора
	if markErr := s.MarkFailed(ctx, err); markErr != nil {
		o.logger.Error("failed to mark saga failed", "saga_id", s.SagaID, "error", markErr)
		return
	}
	if err := o.store.UpdateSaga(ctx, s); err != nil {
		o.logger.Error("failed to persist saga state", "saga_id", s.SagaID, "error", err)
		return
	}
	o.publish(ctx, NewSagaFailedEvent(s, result.Failed))
	o.metrics.RecordSagaFinished(ctx, s.SagaType, string(s.Status))
	o.logger.Error("saga failed, operator intervention required",
		"saga_id", s.SagaID, "saga_type", s.SagaType, "error", s.LastError)
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Error("failed to publish saga event",
			"event_type", event.EventType(), "error", err)
	}
}

func mergePayload(base, overlay map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
