package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBusRecoversHandlerPanic(t *testing.T) {
	bus := NewEventBus(0)
	var got []string
	bus.Subscribe(func(ctx context.Context, event Event) {
		panic("boom")
	})
	bus.Subscribe(func(ctx context.Context, event Event) {
		got = append(got, event.Type)
	})

	bus.Publish(context.Background(), Event{Type: EventChargeSucceeded, EntityID: "c1"})
	require.Equal(t, []string{EventChargeSucceeded}, got)
}

func TestEventBusSinkAndClose(t *testing.T) {
	bus := NewEventBus(1)
	ctx := context.Background()

	bus.Publish(ctx, Event{Type: EventRefundSucceeded, EntityID: "r1"})
	// 缓冲已满时丢弃
	bus.Publish(ctx, Event{Type: EventRefundFailed, EntityID: "r2"})

	event := <-bus.Events()
	require.Equal(t, EventRefundSucceeded, event.Type)
	require.NotEmpty(t, event.ID)
	require.False(t, event.OccurredAt.IsZero())

	bus.Close()
	bus.Close()
	bus.Publish(ctx, Event{Type: EventRefundClosed})
	_, open := <-bus.Events()
	require.False(t, open)
}

func TestNilEventBusIsNoop(t *testing.T) {
	var bus *EventBus
	bus.Subscribe(func(ctx context.Context, event Event) {})
	bus.Publish(context.Background(), Event{Type: EventTransferFailed})
	bus.Close()
	require.Nil(t, bus.Events())
}
