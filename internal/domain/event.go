package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event being published.
type EventType string

const (
	EventGatewayConnecting    EventType = "gateway.connecting"
	EventGatewayReady         EventType = "gateway.ready"
	EventGatewayResumed       EventType = "gateway.resumed"
	EventGatewayDisconnected  EventType = "gateway.disconnected"
	EventGatewayInvalidated   EventType = "gateway.invalidated"
	EventGatewayHeartbeatMiss EventType = "gateway.heartbeat.missed"
	EventGatewayBreakerOpen   EventType = "gateway.breaker.open"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time. detail is marshalled
// into Payload; a nil detail leaves Payload empty.
func NewEvent(t EventType, sessionID string, detail any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for lifecycle events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NoopBus discards every event. Used when no bus is configured.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, Event)           {}
func (NoopBus) Subscribe(EventType, EventHandler) func() { return func() {} }
func (NoopBus) SubscribeAll(EventHandler) func()         { return func() {} }
func (NoopBus) Close()                                   {}
