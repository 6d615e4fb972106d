// Package eventbus is an in-process publish/subscribe bus with ordered
// per-subscriber delivery.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatstream/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a queue drained by one goroutine, so its handler sees
// events one at a time in publish order. Publish never blocks on a slow
// handler.
type subscription struct {
	id      uint64
	handler domain.EventHandler
	logger  *slog.Logger

	mu      sync.Mutex
	pending []delivery
	wake    chan struct{}
	quit    chan struct{} // unsubscribe: drop pending
	drain   chan struct{} // close: deliver pending, then stop
	once    sync.Once
}

func newSubscription(id uint64, handler domain.EventHandler, logger *slog.Logger) *subscription {
	return &subscription{
		id:      id,
		handler: handler,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		drain:   make(chan struct{}),
	}
}

func (s *subscription) enqueue(d delivery) {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) take() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
			if !s.deliver(s.take()) {
				return
			}
		case <-s.drain:
			s.deliver(s.take())
			return
		}
	}
}

// deliver runs the handler for each event; false means unsubscribed.
func (s *subscription) deliver(batch []delivery) bool {
	for _, d := range batch {
		select {
		case <-s.quit:
			return false
		default:
		}
		s.call(d)
	}
	return true
}

func (s *subscription) call(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

func (s *subscription) stop(ch chan struct{}) {
	s.once.Do(func() { close(ch) })
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish queues an event for matching typed subscribers and all-event
// subscribers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	d := delivery{ctx: ctx, event: event}
	for _, sub := range b.typed[event.Type] {
		sub.enqueue(d)
	}
	for _, sub := range b.allSubs {
		sub.enqueue(d)
	}
}

// add starts a subscription. After Close it returns a subscription whose
// goroutine has already stopped.
func (b *Bus) add(handler domain.EventHandler) *subscription {
	sub := newSubscription(b.nextID.Add(1), handler, b.logger)
	if b.closed.Load() {
		sub.stop(sub.quit)
	}
	b.wg.Add(1)
	go sub.run(&b.wg)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.add(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop(sub.quit)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.add(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop(sub.quit)
	}
}

// Close prevents new publishes, delivers what is queued and waits for the
// handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	var subs []*subscription
	for _, typed := range b.typed {
		subs = append(subs, typed...)
	}
	subs = append(subs, b.allSubs...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(sub.drain)
	}
	b.wg.Wait()
}
