package messagebus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/frankenstein/sagakit/framework/events"
)

func startedBus(t *testing.T) *InMemoryBus {
	t.Helper()
	bus := NewInMemoryBus(DefaultInMemoryConfig())
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return bus
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	bus := startedBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []*Message
	err := bus.Subscribe(ctx, "saga.completed", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "saga.completed", []byte(`{"saga_id":"s-1"}`), map[string]string{"event-id": "e-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Subject != "saga.completed" || got[0].Headers["event-id"] != "e-1" {
		t.Errorf("unexpected message: %+v", got[0])
	}
}

func TestInMemoryBus_WildcardSubscription(t *testing.T) {
	bus := startedBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	counts := make(map[string]int)
	record := func(pattern string) MessageHandler {
		return func(ctx context.Context, msg *Message) error {
			mu.Lock()
			defer mu.Unlock()
			counts[pattern]++
			return nil
		}
	}

	if err := bus.Subscribe(ctx, "saga.*", record("saga.*")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Subscribe(ctx, "saga.>", record("saga.>")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Subscribe(ctx, "other.topic", record("other.topic")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "saga.completed", nil, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "saga.step.completed", nil, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if counts["saga.*"] != 1 {
		t.Errorf("saga.* must match single token only, got %d", counts["saga.*"])
	}
	if counts["saga.>"] != 2 {
		t.Errorf("saga.> must match both subjects, got %d", counts["saga.>"])
	}
	if counts["other.topic"] != 0 {
		t.Errorf("other.topic must not match, got %d", counts["other.topic"])
	}
}

func TestInMemoryBus_PublishWhenStopped(t *testing.T) {
	bus := NewInMemoryBus(DefaultInMemoryConfig())
	if err := bus.Publish(context.Background(), "saga.completed", nil, nil); err == nil {
		t.Fatal("expected error when bus is not running")
	}
}

func TestRelay_ForwardsEvents(t *testing.T) {
	bus := startedBus(t)
	source := events.NewInMemoryEventBus()
	relay := NewRelay(source, bus, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got []*Message
	if err := bus.Subscribe(ctx, "saga.completed", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := relay.Forward("saga.completed"); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	event := events.NewBaseEvent("saga.completed", "saga-1").
		WithPayload("saga_type", "order").
		WithCorrelationID("tx-1")
	if err := source.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 relayed message, got %d", len(got))
	}

	var envelope relayEnvelope
	if err := json.Unmarshal(got[0].Data, &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if envelope.AggregateID != "saga-1" || envelope.EventType != "saga.completed" {
		t.Errorf("unexpected envelope: %+v", envelope)
	}
	if envelope.Payload["saga_type"] != "order" {
		t.Errorf("payload lost in relay: %v", envelope.Payload)
	}
	if got[0].Headers["event-type"] != "saga.completed" {
		t.Errorf("unexpected headers: %v", got[0].Headers)
	}
}
