package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/frankenstein/sagakit/framework/core"
)

// RedisConfig конфигурация Redis Pub/Sub адаптера
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		PoolSize: 10,
	}
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Redis addr cannot be empty")
	}
	return nil
}

// redisEnvelope переносит заголовки через текстовый канал Redis
type redisEnvelope struct {
	Data    []byte            `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RedisBus реализация MessageBus через Redis Pub/Sub
type RedisBus struct {
	mu      sync.RWMutex
	config  RedisConfig
	client  *redis.Client
	pubsubs map[string]*redis.PubSub
	wg      sync.WaitGroup
	running bool
}

// NewRedisBus создает Redis адаптер
func NewRedisBus(config RedisConfig) (*RedisBus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Redis config: %w", err)
	}
	return &RedisBus{
		config:  config,
		pubsubs: make(map[string]*redis.PubSub),
	}, nil
}

// Name возвращает имя компонента
func (b *RedisBus) Name() string {
	return "redis-messagebus"
}

// Type возвращает тип компонента
func (b *RedisBus) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Start открывает соединение с Redis
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     b.config.Addr,
		Password: b.config.Password,
		DB:       b.config.DB,
		PoolSize: b.config.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", b.config.Addr, err)
	}
	b.client = client
	b.running = true
	return nil
}

// Stop закрывает подписки и соединение
func (b *RedisBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	pubsubs := b.pubsubs
	b.pubsubs = make(map[string]*redis.PubSub)
	client := b.client
	b.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	b.wg.Wait()
	return client.Close()
}

// IsRunning сообщает, запущен ли адаптер
func (b *RedisBus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish публикует сообщение в канал
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.RLock()
	client := b.client
	running := b.running
	b.mu.RUnlock()
	if !running {
		return fmt.Errorf("%s: bus is not running", b.Name())
	}

	payload, err := json.Marshal(redisEnvelope{Data: data, Headers: headers})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", subject, err)
	}
	return nil
}

// Subscribe подписывает обработчик на канал
func (b *RedisBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("%s: bus is not running", b.Name())
	}
	if _, exists := b.pubsubs[subject]; exists {
		return fmt.Errorf("subscription for %s already exists", subject)
	}

	ps := b.client.Subscribe(context.Background(), subject)
	b.pubsubs[subject] = ps

	b.wg.Add(1)
	go b.consume(ps, handler)
	return nil
}

func (b *RedisBus) consume(ps *redis.PubSub, handler MessageHandler) {
	defer b.wg.Done()
	for redisMsg := range ps.Channel() {
		var envelope redisEnvelope
		if err := json.Unmarshal([]byte(redisMsg.Payload), &envelope); err != nil {
			// сообщение не от этого адаптера, передаем как есть
			envelope = redisEnvelope{Data: []byte(redisMsg.Payload)}
		}
		msg := &Message{
			Subject:   redisMsg.Channel,
			Data:      envelope.Data,
			Headers:   envelope.Headers,
			Timestamp: time.Now().UTC(),
		}
		_ = handler(context.Background(), msg)
	}
}

// Unsubscribe снимает подписку с канала
func (b *RedisBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, exists := b.pubsubs[subject]
	if !exists {
		return nil
	}
	delete(b.pubsubs, subject)
	return ps.Close()
}
