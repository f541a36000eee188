// Package messagebus предоставляет адаптеры внешних брокеров сообщений
// для публикации уведомлений о жизненном цикле саг.
package messagebus

import (
	"context"
	"fmt"
	"time"

	"github.com/frankenstein/sagakit/framework/core"
)

// Message сообщение брокера
type Message struct {
	Subject   string
	Data      []byte
	Headers   map[string]string
	Timestamp time.Time
}

// MessageHandler обработчик входящих сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// MessageBus интерфейс брокера сообщений
type MessageBus interface {
	core.Component
	core.Lifecycle

	// Publish публикует сообщение в subject
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error

	// Subscribe подписывает обработчик на subject
	Subscribe(ctx context.Context, subject string, handler MessageHandler) error

	// Unsubscribe снимает подписку с subject
	Unsubscribe(subject string) error
}

// BusType тип брокера
type BusType string

const (
	BusTypeInMemory BusType = "inmemory"
	BusTypeNATS     BusType = "nats"
	BusTypeKafka    BusType = "kafka"
	BusTypeRedis    BusType = "redis"
)

// FactoryConfig конфигурация фабрики брокеров
type FactoryConfig struct {
	Type     BusType
	NATS     NATSConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	InMemory InMemoryConfig
}

// New создает брокер указанного типа
func New(config FactoryConfig) (MessageBus, error) {
	switch config.Type {
	case BusTypeInMemory, "":
		return NewInMemoryBus(config.InMemory), nil
	case BusTypeNATS:
		return NewNATSBus(config.NATS)
	case BusTypeKafka:
		return NewKafkaBus(config.Kafka)
	case BusTypeRedis:
		return NewRedisBus(config.Redis)
	default:
		return nil, core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown message bus type: %s", config.Type))
	}
}
