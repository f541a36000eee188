package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Participant интерфейс участника саги. Одна реализация на сервис,
// оркестратор вызывает операции синхронно в рамках шага.
// Compensate обязана быть идемпотентной: после рестарта оркестратора
// действие может быть вызвано повторно.
type Participant interface {
	// Execute выполняет прямую операцию шага
	Execute(ctx context.Context, operationName string, payload map[string]interface{}) (map[string]interface{}, error)

	// Compensate откатывает ранее выполненную операцию
	Compensate(ctx context.Context, operationName string, payload map[string]interface{}) error
}

// Registration запись реестра участников
type Registration struct {
	ServiceName    string
	ServiceURL     string
	HealthCheckURL string
	Timeout        time.Duration
	RetryAttempts  int
	IsActive       bool
}

// Registry неизменяемый реестр участников, внедряется в оркестратор
// при создании. Глобального состояния нет.
type Registry struct {
	participants  map[string]Participant
	registrations map[string]Registration
}

// NewRegistry создает реестр из набора участников
func NewRegistry() *Registry {
	return &Registry{
		participants:  make(map[string]Participant),
		registrations: make(map[string]Registration),
	}
}

// Register добавляет участника. Вызывается только на этапе сборки
// оркестратора, после Start реестр не меняется.
func (r *Registry) Register(registration Registration, participant Participant) *Registry {
	r.participants[registration.ServiceName] = participant
	r.registrations[registration.ServiceName] = registration
	return r
}

// Get возвращает активного участника по имени сервиса
func (r *Registry) Get(serviceName string) (Participant, Registration, error) {
	participant, ok := r.participants[serviceName]
	if !ok {
		return nil, Registration{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, serviceName)
	}
	registration := r.registrations[serviceName]
	if !registration.IsActive {
		return nil, Registration{}, fmt.Errorf("%w: %s is not active", ErrParticipantUnavailable, serviceName)
	}
	return participant, registration, nil
}

// Services возвращает имена зарегистрированных сервисов
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.participants))
	for name := range r.participants {
		names = append(names, name)
	}
	return names
}

// RegistryFromRegistrations собирает реестр HTTP-участников из
// записей, загруженных из participant_registry
func RegistryFromRegistrations(registrations []Registration) *Registry {
	registry := NewRegistry()
	for _, reg := range registrations {
		registry.Register(reg, NewHTTPParticipant(reg.ServiceURL, reg.Timeout))
	}
	return registry
}

// HTTPParticipant участник, вызываемый по HTTP.
// Контракт: POST {serviceURL}/execute/{operation} и
// POST {serviceURL}/compensate/{operation} с JSON-телом payload.
type HTTPParticipant struct {
	serviceURL string
	client     *http.Client
}

// NewHTTPParticipant создает HTTP-участника
func NewHTTPParticipant(serviceURL string, timeout time.Duration) *HTTPParticipant {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPParticipant{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Execute выполняет прямую операцию по HTTP
func (p *HTTPParticipant) Execute(ctx context.Context, operationName string, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := p.post(ctx, fmt.Sprintf("%s/execute/%s", p.serviceURL, operationName), payload)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode participant response: %w", err)
		}
	}
	return result, nil
}

// Compensate откатывает операцию по HTTP
func (p *HTTPParticipant) Compensate(ctx context.Context, operationName string, payload map[string]interface{}) error {
	_, err := p.post(ctx, fmt.Sprintf("%s/compensate/%s", p.serviceURL, operationName), payload)
	return err
}

func (p *HTTPParticipant) post(ctx context.Context, url string, payload map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrParticipantTimeout, url)
		}
		return nil, fmt.Errorf("%w: %v", ErrParticipantUnavailable, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read participant response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrParticipantUnavailable, url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// доменная ошибка участника: без повторов, сразу компенсация
		return nil, fmt.Errorf("participant rejected operation: %s returned %d: %s", url, resp.StatusCode, buf.String())
	}
	return buf.Bytes(), nil
}

// CheckHealth проверяет доступность участника по его health check URL.
// Регистрация без URL считается здоровой. Недоступность отображается
// в ErrParticipantUnavailable, как и отказ по таймауту.
func CheckHealth(ctx context.Context, reg Registration) error {
	if reg.HealthCheckURL == "" {
		return nil
	}

	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reg.HealthCheckURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check %s: %v", ErrParticipantUnavailable, reg.ServiceName, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: health check %s returned %d",
			ErrParticipantUnavailable, reg.ServiceName, resp.StatusCode)
	}
	return nil
}
