package messagebus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/frankenstein/sagakit/framework/core"
)

// NATSConfig конфигурация NATS адаптера
type NATSConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConnectionTimeout time.Duration
	DrainTimeout      time.Duration
	Username          string
	Password          string
	Token             string
}

// DefaultNATSConfig возвращает конфигурацию по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		DrainTimeout:      30 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("NATS URL must start with nats:// or tls://")
	}
	return nil
}

// NATSBus реализация MessageBus через NATS
type NATSBus struct {
	mu      sync.RWMutex
	config  NATSConfig
	conn    *nats.Conn
	subs    map[string]*nats.Subscription
	running bool
}

// NewNATSBus создает NATS адаптер
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid NATS config: %w", err)
	}
	return &NATSBus{
		config: config,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Name возвращает имя компонента
func (b *NATSBus) Name() string {
	return "nats-messagebus"
}

// Type возвращает тип компонента
func (b *NATSBus) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Start открывает соединение с NATS
func (b *NATSBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.Timeout(b.config.ConnectionTimeout),
		nats.DrainTimeout(b.config.DrainTimeout),
	}
	if b.config.Token != "" {
		opts = append(opts, nats.Token(b.config.Token))
	} else if b.config.Username != "" {
		opts = append(opts, nats.UserInfo(b.config.Username, b.config.Password))
	}

	conn, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", b.config.URL, err)
	}
	b.conn = conn
	b.running = true
	return nil
}

// Stop дренирует подписки и закрывает соединение
func (b *NATSBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	b.subs = make(map[string]*nats.Subscription)
	b.running = false
	return nil
}

// IsRunning сообщает, запущен ли адаптер
func (b *NATSBus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish публикует сообщение в subject с заголовками
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.RLock()
	conn := b.conn
	running := b.running
	b.mu.RUnlock()
	if !running {
		return fmt.Errorf("%s: bus is not running", b.Name())
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe подписывает обработчик на subject
func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("%s: bus is not running", b.Name())
	}
	if _, exists := b.subs[subject]; exists {
		return fmt.Errorf("subscription for %s already exists", subject)
	}

	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		msg := &Message{
			Subject:   m.Subject,
			Data:      m.Data,
			Headers:   flattenHeader(m.Header),
			Timestamp: time.Now().UTC(),
		}
		_ = handler(context.Background(), msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.subs[subject] = sub
	return nil
}

// Unsubscribe снимает подписку с subject
func (b *NATSBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, exists := b.subs[subject]
	if !exists {
		return nil
	}
	delete(b.subs, subject)
	return sub.Unsubscribe()
}

func flattenHeader(header nats.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	result := make(map[string]string, len(header))
	for k := range header {
		result[k] = header.Get(k)
	}
	return result
}
