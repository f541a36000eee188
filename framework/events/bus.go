// Package events предоставляет реализацию EventBus.
package events

import (
	"context"
	"fmt"
	"sync"
)

// EventMiddleware middleware для событий
type EventMiddleware func(ctx context.Context, event Event, next func(ctx context.Context, event Event) error) error

// DeadLetterQueue интерфейс для dead letter queue
type DeadLetterQueue interface {
	Publish(ctx context.Context, event Event, reason string) error
}

// InMemoryEventBus реализация шины событий в памяти
type InMemoryEventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]EventHandler
	middleware []EventMiddleware
	dlq        DeadLetterQueue
	stopped    bool
}

// NewInMemoryEventBus создает новую шину событий
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		handlers:   make(map[string][]EventHandler),
		middleware: make([]EventMiddleware, 0),
	}
}

// WithMiddleware добавляет middleware к шине
func (b *InMemoryEventBus) WithMiddleware(middleware EventMiddleware) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
	return b
}

// WithDeadLetterQueue устанавливает DLQ
func (b *InMemoryEventBus) WithDeadLetterQueue(dlq DeadLetterQueue) *InMemoryEventBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = dlq
	return b
}

// Publish публикует событие всем подписчикам его типа
func (b *InMemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is stopped")
	}
	handlers := make([]EventHandler, len(b.handlers[event.EventType()]))
	copy(handlers, b.handlers[event.EventType()])
	middleware := b.middleware
	dlq := b.dlq
	b.mu.RUnlock()

	next := func(ctx context.Context, event Event) error {
		for _, handler := range handlers {
			if err := handler.Handle(ctx, event); err != nil {
				return fmt.Errorf("handler for %s failed: %w", event.EventType(), err)
			}
		}
		return nil
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		prevNext := next
		next = func(ctx context.Context, event Event) error {
			return mw(ctx, event, prevNext)
		}
	}

	err := next(ctx, event)
	if err != nil && dlq != nil {
		_ = dlq.Publish(ctx, event, err.Error())
	}

	return err
}

// Subscribe подписывается на тип события
func (b *InMemoryEventBus) Subscribe(eventType string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Unsubscribe отписывается от типа события
func (b *InMemoryEventBus) Unsubscribe(eventType string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if h == handler {
			b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not subscribed to %s", eventType)
}

// Stop останавливает шину событий
func (b *InMemoryEventBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}
