// internal/events/bus.go
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"comm-service/internal/protocol"
)

// Event types published by the registry
const (
	TypeAdapterCreated      = "adapter.created"
	TypeAdapterRemoved      = "adapter.removed"
	TypeAdapterStateChanged = "adapter.state_changed"
	TypeAdapterError        = "adapter.error"
)

const (
	defaultCapacity    = 1000
	subscriberCapacity = 100
)

// Event represents a system event
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription receives the events matching its type filter on C
type Subscription struct {
	ID string
	C  <-chan Event

	ch    chan Event
	types map[string]bool
	bus   *Bus
}

func (s *Subscription) accepts(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Unsubscribe stops delivery. C is left open.
func (s *Subscription) Unsubscribe() {
	s.bus.subscribers.Delete(s.ID)
}

// Bus manages event distribution
type Bus struct {
	events      chan Event
	subscribers *xsync.MapOf[string, *Subscription]
	logger      *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewBus creates a bus buffering up to capacity undistributed events
func NewBus(logger *zap.Logger, capacity int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		events:      make(chan Event, capacity),
		subscribers: xsync.NewMapOf[string, *Subscription](),
		logger:      logger.With(zap.String("component", "event_bus")),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the distribution loop until ctx is done or Close is called
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(ctx)
	})
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case event := <-b.events:
			b.distribute(event)
		}
	}
}

// Close stops the distribution loop and waits for it to exit
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.startOnce.Do(func() { close(b.done) })
	<-b.done
}

// Publish queues an event, dropping it when the bus is full
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.events <- event:
	default:
		b.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", event.Type),
			zap.String("source", event.Source),
		)
	}
}

// Subscribe subscribes to events of the given types
func (b *Bus) Subscribe(eventTypes ...string) *Subscription {
	ch := make(chan Event, subscriberCapacity)
	sub := &Subscription{
		ID:    uuid.NewString(),
		C:     ch,
		ch:    ch,
		types: make(map[string]bool, len(eventTypes)),
		bus:   b,
	}
	for _, t := range eventTypes {
		sub.types[t] = true
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAll subscribes to every event
func (b *Bus) SubscribeAll() *Subscription {
	return b.Subscribe()
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	return b.subscribers.Size()
}

func (b *Bus) distribute(event Event) {
	b.subscribers.Range(func(id string, sub *Subscription) bool {
		if !sub.accepts(event.Type) {
			return true
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is slow, skip
			b.logger.Debug("Subscriber lagging, event skipped",
				zap.String("subscriber", id),
				zap.String("event_type", event.Type),
			)
		}
		return true
	})
}

// ObserveAdapter turns adapter state changes and errors into bus events.
// Transfer events are not published.
func (b *Bus) ObserveAdapter(name string, event protocol.Event) {
	data := map[string]interface{}{
		"protocol": string(event.Protocol),
		"state":    event.State.String(),
	}

	switch event.Kind {
	case protocol.EventStateChanged:
		b.Publish(Event{Type: TypeAdapterStateChanged, Source: name, Data: data, Timestamp: event.Time})
	case protocol.EventError:
		if event.Err != nil {
			data["error"] = event.Err.Error()
			data["kind"] = string(protocol.KindOf(event.Err))
		}
		b.Publish(Event{Type: TypeAdapterError, Source: name, Data: data, Timestamp: event.Time})
	}
}

// AdapterCreated publishes the registration of an adapter
func (b *Bus) AdapterCreated(name string, protocolType protocol.ProtocolType) {
	b.Publish(Event{
		Type:   TypeAdapterCreated,
		Source: name,
		Data:   map[string]interface{}{"protocol": string(protocolType)},
	})
}

// AdapterRemoved publishes the removal of an adapter
func (b *Bus) AdapterRemoved(name string, protocolType protocol.ProtocolType) {
	b.Publish(Event{
		Type:   TypeAdapterRemoved,
		Source: name,
		Data:   map[string]interface{}{"protocol": string(protocolType)},
	})
}
