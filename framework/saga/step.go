package saga

import (
	"time"
)

// RetryPolicy политика повторов с ограниченным экспоненциальным backoff
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy возвращает политику по умолчанию: 3 попытки
// с экспоненциальным backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Backoff возвращает задержку перед попыткой attempt (начиная с 1)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialBackoff
	}
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.Multiplier
		if backoff >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// StepDefinition описание одного шага саги.
// Шаги выполняются строго последовательно по возрастанию StepNumber,
// компенсация идет в обратном порядке.
type StepDefinition struct {
	StepNumber    int
	ServiceName   string
	OperationName string
	Timeout       time.Duration
	Retry         RetryPolicy
}

// Definition описание типа саги: упорядоченный набор шагов
type Definition struct {
	SagaType    string
	Steps       []StepDefinition
	SagaTimeout time.Duration
}

// NewDefinition создает описание саги, нормализуя порядок шагов
func NewDefinition(sagaType string, steps []StepDefinition, sagaTimeout time.Duration) Definition {
	ordered := make([]StepDefinition, len(steps))
	copy(ordered, steps)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].StepNumber < ordered[j-1].StepNumber; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for i := range ordered {
		if ordered[i].Retry.MaxAttempts == 0 {
			ordered[i].Retry = DefaultRetryPolicy()
		}
		if ordered[i].Timeout == 0 {
			ordered[i].Timeout = 30 * time.Second
		}
	}
	if sagaTimeout == 0 {
		sagaTimeout = 5 * time.Minute
	}
	return Definition{
		SagaType:    sagaType,
		Steps:       ordered,
		SagaTimeout: sagaTimeout,
	}
}

// StepAt возвращает шаг по номеру (нумерация с 1)
func (d Definition) StepAt(stepNumber int) (StepDefinition, bool) {
	for _, step := range d.Steps {
		if step.StepNumber == stepNumber {
			return step, true
		}
	}
	return StepDefinition{}, false
}
