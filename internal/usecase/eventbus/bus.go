// Package eventbus publishes gateway lifecycle events to in-process
// subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"gatewaykit/internal/domain"
)

const defaultBuffer = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns one queue and one worker, so a subscriber sees events in
// publish order.
type subscription struct {
	id      uint64
	typ     domain.EventType // empty matches every type
	handler domain.EventHandler
	queue   chan delivery
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks: an
// event for a subscriber whose queue is full is dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	buffer  int
	nextID  atomic.Uint64
	dropped atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{buffer: defaultBuffer, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish queues event for every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.typ != "" && s.typ != event.Type {
			continue
		}
		select {
		case s.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscriber", s.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(typ domain.EventType, handler domain.EventHandler) func() {
	s := &subscription{
		id:      b.nextID.Add(1),
		typ:     typ,
		handler: handler,
		queue:   make(chan delivery, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs {
			if cur.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.queue)
				return
			}
		}
	}
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()
	for d := range s.queue {
		b.invoke(s, d)
	}
}

func (b *Bus) invoke(s *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Dropped returns the number of events discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events, lets every subscriber drain its queue and
// waits for the workers. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.queue)
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()
}
