package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDLQ struct {
	events  []Event
	reasons []string
}

func (d *recordingDLQ) Publish(ctx context.Context, event Event, reason string) error {
	d.events = append(d.events, event)
	d.reasons = append(d.reasons, reason)
	return nil
}

func TestInMemoryEventBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := NewInMemoryEventBus()

	received := make([]Event, 0)
	handler := &EventHandlerFunc{
		Type: "order.created",
		Fn: func(ctx context.Context, event Event) error {
			received = append(received, event)
			return nil
		},
	}
	require.NoError(t, bus.Subscribe("order.created", handler))

	event := NewBaseEvent("order.created", "order-1").
		WithPayload("amount", 100).
		WithCorrelationID("txn-42")
	require.NoError(t, bus.Publish(context.Background(), event))

	require.Len(t, received, 1)
	assert.Equal(t, event.EventID(), received[0].EventID())
	assert.Equal(t, "order-1", received[0].AggregateID())
	assert.Equal(t, 100, received[0].Payload()["amount"])
	assert.Equal(t, "txn-42", received[0].Metadata().CorrelationID())
}

func TestInMemoryEventBus_PublishIgnoresOtherTypes(t *testing.T) {
	bus := NewInMemoryEventBus()

	called := 0
	handler := &EventHandlerFunc{
		Type: "order.created",
		Fn: func(ctx context.Context, event Event) error {
			called++
			return nil
		},
	}
	require.NoError(t, bus.Subscribe("order.created", handler))

	require.NoError(t, bus.Publish(context.Background(), NewBaseEvent("order.cancelled", "order-1")))
	assert.Equal(t, 0, called)
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus()

	called := 0
	handler := &EventHandlerFunc{
		Type: "order.created",
		Fn: func(ctx context.Context, event Event) error {
			called++
			return nil
		},
	}
	require.NoError(t, bus.Subscribe("order.created", handler))
	require.NoError(t, bus.Unsubscribe("order.created", handler))

	require.NoError(t, bus.Publish(context.Background(), NewBaseEvent("order.created", "order-1")))
	assert.Equal(t, 0, called)

	err := bus.Unsubscribe("order.created", handler)
	assert.Error(t, err)
}

func TestInMemoryEventBus_MiddlewareOrder(t *testing.T) {
	bus := NewInMemoryEventBus()

	calls := make([]string, 0)
	bus.WithMiddleware(func(ctx context.Context, event Event, next func(ctx context.Context, event Event) error) error {
		calls = append(calls, "first")
		return next(ctx, event)
	})
	bus.WithMiddleware(func(ctx context.Context, event Event, next func(ctx context.Context, event Event) error) error {
		calls = append(calls, "second")
		return next(ctx, event)
	})

	handler := &EventHandlerFunc{
		Type: "order.created",
		Fn: func(ctx context.Context, event Event) error {
			calls = append(calls, "handler")
			return nil
		},
	}
	require.NoError(t, bus.Subscribe("order.created", handler))

	require.NoError(t, bus.Publish(context.Background(), NewBaseEvent("order.created", "order-1")))
	assert.Equal(t, []string{"first", "second", "handler"}, calls)
}

func TestInMemoryEventBus_FailedEventGoesToDLQ(t *testing.T) {
	bus := NewInMemoryEventBus()
	dlq := &recordingDLQ{}
	bus.WithDeadLetterQueue(dlq)

	handler := &EventHandlerFunc{
		Type: "order.created",
		Fn: func(ctx context.Context, event Event) error {
			return errors.New("handler broken")
		},
	}
	require.NoError(t, bus.Subscribe("order.created", handler))

	event := NewBaseEvent("order.created", "order-1")
	err := bus.Publish(context.Background(), event)
	require.Error(t, err)

	require.Len(t, dlq.events, 1)
	assert.Equal(t, event.EventID(), dlq.events[0].EventID())
	assert.Contains(t, dlq.reasons[0], "handler broken")
}

func TestInMemoryEventBus_PublishAfterStop(t *testing.T) {
	bus := NewInMemoryEventBus()
	bus.Stop()

	err := bus.Publish(context.Background(), NewBaseEvent("order.created", "order-1"))
	assert.Error(t, err)
}
