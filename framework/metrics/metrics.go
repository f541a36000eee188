// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик оркестрации саг и event store
type Metrics struct {
	meter                metric.Meter
	sagasStarted         metric.Int64Counter
	sagasCompleted       metric.Int64Counter
	sagasFailed          metric.Int64Counter
	sagasCompensated     metric.Int64Counter
	activeSagas          metric.Int64UpDownCounter
	stepDuration         metric.Float64Histogram
	stepRetries          metric.Int64Counter
	compensationDuration metric.Float64Histogram
	eventsAppended       metric.Int64Counter
	concurrencyConflicts metric.Int64Counter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("sagakit")

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagasCompleted, err := meter.Int64Counter(
		"sagas_completed_total",
		metric.WithDescription("Total number of sagas completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	sagasFailed, err := meter.Int64Counter(
		"sagas_failed_total",
		metric.WithDescription("Total number of sagas that terminated in failed state"),
	)
	if err != nil {
		return nil, err
	}

	sagasCompensated, err := meter.Int64Counter(
		"sagas_compensated_total",
		metric.WithDescription("Total number of sagas fully rolled back"),
	)
	if err != nil {
		return nil, err
	}

	activeSagas, err := meter.Int64UpDownCounter(
		"active_sagas",
		metric.WithDescription("Number of sagas currently being driven"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"saga_step_duration_seconds",
		metric.WithDescription("Forward step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepRetries, err := meter.Int64Counter(
		"saga_step_retries_total",
		metric.WithDescription("Total number of step retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	compensationDuration, err := meter.Float64Histogram(
		"saga_compensation_duration_seconds",
		metric.WithDescription("Compensation run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	eventsAppended, err := meter.Int64Counter(
		"events_appended_total",
		metric.WithDescription("Total number of events appended to the event store"),
	)
	if err != nil {
		return nil, err
	}

	concurrencyConflicts, err := meter.Int64Counter(
		"concurrency_conflicts_total",
		metric.WithDescription("Total number of optimistic concurrency conflicts"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:                meter,
		sagasStarted:         sagasStarted,
		sagasCompleted:       sagasCompleted,
		sagasFailed:          sagasFailed,
		sagasCompensated:     sagasCompensated,
		activeSagas:          activeSagas,
		stepDuration:         stepDuration,
		stepRetries:          stepRetries,
		compensationDuration: compensationDuration,
		eventsAppended:       eventsAppended,
		concurrencyConflicts: concurrencyConflicts,
	}, nil
}

// RecordSagaStarted записывает запуск саги
func (m *Metrics) RecordSagaStarted(ctx context.Context, sagaType string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("saga_type", sagaType))
	m.sagasStarted.Add(ctx, 1, attrs)
	m.activeSagas.Add(ctx, 1, attrs)
}

// RecordSagaFinished записывает терминальный исход саги
func (m *Metrics) RecordSagaFinished(ctx context.Context, sagaType, status string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("saga_type", sagaType))
	m.activeSagas.Add(ctx, -1, attrs)

	switch status {
	case "completed":
		m.sagasCompleted.Add(ctx, 1, attrs)
	case "compensated":
		m.sagasCompensated.Add(ctx, 1, attrs)
	case "failed":
		m.sagasFailed.Add(ctx, 1, attrs)
	}
}

// RecordStep записывает длительность и исход шага
func (m *Metrics) RecordStep(ctx context.Context, sagaType, serviceName string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("service", serviceName),
		attribute.Bool("success", success),
	))
}

// RecordStepRetry записывает повторную попытку шага
func (m *Metrics) RecordStepRetry(ctx context.Context, sagaType, serviceName string) {
	if m == nil {
		return
	}
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("service", serviceName),
	))
}

// RecordCompensation записывает прогон компенсации
func (m *Metrics) RecordCompensation(ctx context.Context, sagaType string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.compensationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.Bool("success", success),
	))
}

// RecordEventsAppended записывает успешную запись событий
func (m *Metrics) RecordEventsAppended(ctx context.Context, aggregateType string, count int) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
	))
}

// RecordConcurrencyConflict записывает конфликт версий
func (m *Metrics) RecordConcurrencyConflict(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.concurrencyConflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
	))
}
