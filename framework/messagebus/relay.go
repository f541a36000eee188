package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/frankenstein/sagakit/framework/events"
)

// Relay пересылает события внутренней шины во внешний брокер.
// Subject сообщения совпадает с типом события, тело - JSON-конверт
// с идентификаторами и payload.
type Relay struct {
	bus       MessageBus
	source    events.EventSubscriber
	logger    *slog.Logger
	forwarded []string
}

// relayEnvelope внешнее представление события
type relayEnvelope struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewRelay создает мост между внутренней шиной и брокером
func NewRelay(source events.EventSubscriber, bus MessageBus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{bus: bus, source: source, logger: logger}
}

// Forward подписывает мост на указанные типы событий
func (r *Relay) Forward(eventTypes ...string) error {
	for _, eventType := range eventTypes {
		if err := r.source.Subscribe(eventType, &events.EventHandlerFunc{Type: eventType, Fn: r.handle}); err != nil {
			return fmt.Errorf("failed to subscribe relay to %s: %w", eventType, err)
		}
		r.forwarded = append(r.forwarded, eventType)
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, event events.Event) error {
	metadata := make(map[string]interface{}, len(event.Metadata()))
	for k, v := range event.Metadata() {
		metadata[k] = v
	}
	data, err := json.Marshal(relayEnvelope{
		EventID:     event.EventID(),
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventID(), err)
	}

	headers := map[string]string{
		"event-id":   event.EventID(),
		"event-type": event.EventType(),
	}
	if err := r.bus.Publish(ctx, event.EventType(), data, headers); err != nil {
		r.logger.Error("failed to relay event",
			"event_type", event.EventType(), "event_id", event.EventID(), "error", err)
		return err
	}
	return nil
}
