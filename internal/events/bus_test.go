package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"comm-service/internal/protocol"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return Event{}
	}
}

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), 0)
	bus.Start(context.Background())
	defer bus.Close()

	errorsOnly := bus.Subscribe(TypeAdapterError)
	all := bus.SubscribeAll()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.AdapterCreated("plc", protocol.TypeModbusTCP)
	bus.ObserveAdapter("plc", protocol.Event{
		Kind:     protocol.EventError,
		Protocol: protocol.TypeModbusTCP,
		State:    protocol.StateError,
		Err:      protocol.ErrTimeout,
	})

	created := receive(t, all)
	assert.Equal(t, TypeAdapterCreated, created.Type)
	assert.Equal(t, "plc", created.Source)
	assert.False(t, created.Timestamp.IsZero())

	ev := receive(t, all)
	assert.Equal(t, TypeAdapterError, ev.Type)

	ev = receive(t, errorsOnly)
	assert.Equal(t, TypeAdapterError, ev.Type)
	assert.Equal(t, "timeout", ev.Data["kind"])
	assert.Equal(t, "error", ev.Data["state"])

	select {
	case extra := <-errorsOnly.C:
		t.Fatalf("unexpected event %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSkipsTransferEvents(t *testing.T) {
	bus := NewBus(nil, 0)
	bus.Start(context.Background())
	defer bus.Close()

	sub := bus.SubscribeAll()
	bus.ObserveAdapter("x", protocol.Event{Kind: protocol.EventSent, Bytes: 10})
	bus.ObserveAdapter("x", protocol.Event{Kind: protocol.EventStateChanged, State: protocol.StateConnected})

	ev := receive(t, sub)
	assert.Equal(t, TypeAdapterStateChanged, ev.Type)
	assert.Equal(t, "connected", ev.Data["state"])
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(nil, 1)
	sub := bus.SubscribeAll()

	// not started, so the second publish overflows
	bus.AdapterCreated("a", protocol.TypeHTTP)
	bus.AdapterCreated("b", protocol.TypeHTTP)

	bus.Start(context.Background())
	defer bus.Close()

	ev := receive(t, sub)
	assert.Equal(t, "a", ev.Source)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected event from %s", extra.Source)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil, 0)
	bus.Start(context.Background())

	sub := bus.SubscribeAll()
	sub.Unsubscribe()
	assert.Zero(t, bus.SubscriberCount())

	bus.AdapterRemoved("a", protocol.TypeSerial)
	select {
	case <-sub.C:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	bus.Close()
	bus.Close()
}

func TestBusCloseWithoutStart(t *testing.T) {
	bus := NewBus(nil, 0)
	done := make(chan struct{})
	go func() {
		bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
	require.Zero(t, bus.SubscriberCount())
}
