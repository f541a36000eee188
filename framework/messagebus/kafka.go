package messagebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/frankenstein/sagakit/framework/core"
)

// KafkaConfig конфигурация Kafka адаптера
type KafkaConfig struct {
	Brokers      []string
	GroupID      string
	BatchTimeout time.Duration
	MinBytes     int
	MaxBytes     int
}

// DefaultKafkaConfig возвращает конфигурацию по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		GroupID:      "sagakit",
		BatchTimeout: 10 * time.Millisecond,
		MinBytes:     1,
		MaxBytes:     10e6,
	}
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("Kafka brokers cannot be empty")
	}
	return nil
}

// KafkaBus реализация MessageBus через Kafka.
// Subject отображается на топик один к одному.
type KafkaBus struct {
	mu      sync.RWMutex
	config  KafkaConfig
	writer  *kafka.Writer
	readers map[string]*kafka.Reader
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewKafkaBus создает Kafka адаптер
func NewKafkaBus(config KafkaConfig) (*KafkaBus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Kafka config: %w", err)
	}
	return &KafkaBus{
		config:  config,
		readers: make(map[string]*kafka.Reader),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Name возвращает имя компонента
func (b *KafkaBus) Name() string {
	return "kafka-messagebus"
}

// Type возвращает тип компонента
func (b *KafkaBus) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Start создает writer
func (b *KafkaBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(b.config.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: b.config.BatchTimeout,
	}
	b.running = true
	return nil
}

// Stop останавливает reader-циклы и закрывает writer
func (b *KafkaBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	for _, cancel := range b.cancels {
		cancel()
	}
	readers := b.readers
	b.readers = make(map[string]*kafka.Reader)
	b.cancels = make(map[string]context.CancelFunc)
	writer := b.writer
	b.mu.Unlock()

	b.wg.Wait()
	for _, reader := range readers {
		_ = reader.Close()
	}
	if writer != nil {
		return writer.Close()
	}
	return nil
}

// IsRunning сообщает, запущен ли адаптер
func (b *KafkaBus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Publish публикует сообщение в топик
func (b *KafkaBus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.RLock()
	writer := b.writer
	running := b.running
	b.mu.RUnlock()
	if !running {
		return fmt.Errorf("%s: bus is not running", b.Name())
	}

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}
	err := writer.WriteMessages(ctx, kafka.Message{
		Topic:   subject,
		Value:   data,
		Headers: kafkaHeaders,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", subject, err)
	}
	return nil
}

// Subscribe запускает consumer-цикл для топика
func (b *KafkaBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("%s: bus is not running", b.Name())
	}
	if _, exists := b.readers[subject]; exists {
		return fmt.Errorf("subscription for %s already exists", subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		GroupID:  b.config.GroupID,
		Topic:    subject,
		MinBytes: b.config.MinBytes,
		MaxBytes: b.config.MaxBytes,
	})
	loopCtx, cancel := context.WithCancel(context.Background())
	b.readers[subject] = reader
	b.cancels[subject] = cancel

	b.wg.Add(1)
	go b.consume(loopCtx, reader, handler)
	return nil
}

func (b *KafkaBus) consume(ctx context.Context, reader *kafka.Reader, handler MessageHandler) {
	defer b.wg.Done()
	for {
		kafkaMsg, err := reader.FetchMessage(ctx)
		if err != nil {
			return
		}
		headers := make(map[string]string, len(kafkaMsg.Headers))
		for _, h := range kafkaMsg.Headers {
			headers[h.Key] = string(h.Value)
		}
		msg := &Message{
			Subject:   kafkaMsg.Topic,
			Data:      kafkaMsg.Value,
			Headers:   headers,
			Timestamp: kafkaMsg.Time,
		}
		if err := handler(ctx, msg); err != nil {
			// сообщение не коммитится, будет доставлено повторно
			continue
		}
		if err := reader.CommitMessages(ctx, kafkaMsg); err != nil {
			return
		}
	}
}

// Unsubscribe останавливает consumer-цикл топика
func (b *KafkaBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	reader, exists := b.readers[subject]
	if !exists {
		return nil
	}
	b.cancels[subject]()
	delete(b.cancels, subject)
	delete(b.readers, subject)
	return reader.Close()
}
