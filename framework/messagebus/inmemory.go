package messagebus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/frankenstein/sagakit/framework/core"
)

// InMemoryConfig конфигурация in-memory брокера
type InMemoryConfig struct {
	BufferSize int
}

// DefaultInMemoryConfig возвращает конфигурацию по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{BufferSize: 256}
}

// InMemoryBus брокер в памяти для тестирования и разработки.
// Поддерживает wildcard-подписки в стиле NATS: * для одного токена,
// > для хвоста subject.
type InMemoryBus struct {
	mu          sync.RWMutex
	config      InMemoryConfig
	subscribers map[string][]MessageHandler
	running     bool
}

// NewInMemoryBus создает брокер в памяти
func NewInMemoryBus(config InMemoryConfig) *InMemoryBus {
	if config.BufferSize <= 0 {
		config = DefaultInMemoryConfig()
	}
	return &InMemoryBus{
		config:      config,
		subscribers: make(map[string][]MessageHandler),
	}
}

// Name возвращает имя компонента
func (b *InMemoryBus) Name() string {
	return "inmemory-messagebus"
}

// Type возвращает тип компонента
func (b *InMemoryBus) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Start запускает брокер
func (b *InMemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
	return nil
}

// Stop останавливает брокер
func (b *InMemoryBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.subscribers = make(map[string][]MessageHandler)
	return nil
}

// IsRunning сообщает, запущен ли брокер
func (b *InMemoryBus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish синхронно доставляет сообщение всем подходящим подписчикам
func (b *InMemoryBus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return fmt.Errorf("%s: bus is not running", b.Name())
	}
	var handlers []MessageHandler
	for pattern, subs := range b.subscribers {
		if matchSubject(subject, pattern) {
			handlers = append(handlers, subs...)
		}
	}
	b.mu.RUnlock()

	msg := &Message{
		Subject:   subject,
		Data:      data,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			return fmt.Errorf("handler failed for subject %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe подписывает обработчик на subject или wildcard-паттерн
func (b *InMemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[subject] = append(b.subscribers[subject], handler)
	return nil
}

// Unsubscribe снимает все подписки с subject
func (b *InMemoryBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, subject)
	return nil
}

// matchSubject сопоставляет subject с паттерном в стиле NATS
func matchSubject(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	subjectTokens := strings.Split(subject, ".")
	patternTokens := strings.Split(pattern, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return true
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}
	return len(subjectTokens) == len(patternTokens)
}
