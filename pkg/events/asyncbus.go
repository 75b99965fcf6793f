package events

import (
	"errors"
	"log/slog"
	"sync"
)

// DefaultQueueSize bounds the async bus FIFO.
const DefaultQueueSize = 10000

// ErrQueueFull is returned to publishers when the bounded FIFO is at
// capacity. Publishers decide whether to drop, retry, or fall back.
var ErrQueueFull = errors.New("events: async queue full")

// AsyncBus fans events out to slow subscribers through a bounded FIFO
// drained by a single consumer goroutine, so events are never reordered.
type AsyncBus struct {
	mu       sync.Mutex
	subs     map[Type][]subscription
	wildcard []subscription

	queue   chan Event
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// NewAsyncBus creates an async bus with the given queue bound.
// size <= 0 selects the default.
func NewAsyncBus(size int) *AsyncBus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &AsyncBus{
		subs:  make(map[Type][]subscription),
		queue: make(chan Event, size),
	}
}

// Subscribe registers an async handler for one event type.
func (a *AsyncBus) Subscribe(t Type, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if containsHandler(a.subs[t], h) {
		return
	}
	a.subs[t] = append(a.subs[t], subscription{handler: h})
}

// SubscribeAll registers an async wildcard handler.
func (a *AsyncBus) SubscribeAll(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if containsHandler(a.wildcard, h) {
		return
	}
	a.wildcard = append(a.wildcard, subscription{handler: h})
}

// Start launches the consumer goroutine. Calling Start on a running bus
// is a no-op.
func (a *AsyncBus) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	a.running = true
	go a.consume(a.stopCh, a.done)
}

// Stop signals the consumer and waits for the queue to drain.
func (a *AsyncBus) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	stopCh, done := a.stopCh, a.done
	a.running = false
	a.mu.Unlock()

	close(stopCh)
	<-done
}

// Running reports whether the consumer is active.
func (a *AsyncBus) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Publish enqueues an event. A full queue surfaces as ErrQueueFull;
// the event is dropped in that case.
func (a *AsyncBus) Publish(ev Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncBus) consume(stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver dispatches one event; handler failures are logged and the
// consumer keeps going.
func (a *AsyncBus) deliver(ev Event) {
	a.mu.Lock()
	targets := append(append([]subscription(nil), a.subs[ev.Type]...), a.wildcard...)
	a.mu.Unlock()

	for _, s := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("events: async handler panicked", "type", ev.Type, "panic", r)
				}
			}()
			s.handler(ev)
		}()
	}
}
