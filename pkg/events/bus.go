package events

import (
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// DefaultHistorySize bounds the in-memory ring of recent events.
const DefaultHistorySize = 1000

type subscription struct {
	handler Handler
	filter  Filter
}

// Bus is the synchronous event bus. Publish records to history under the
// bus lock, snapshots the matching handlers, releases the lock, then
// invokes handlers outside the lock in registration order. Handler panics
// are logged and never propagate to the publisher.
type Bus struct {
	mu          sync.Mutex
	subs        map[Type][]subscription
	prefixSubs  map[string][]subscription // dotted-prefix subscriptions, e.g. "print."
	wildcard    []subscription
	history     []Event // ring, newest appended
	historySize int

	async *AsyncBus // optional; set via AttachAsync
}

// NewBus creates a synchronous bus with the default history bound.
func NewBus() *Bus {
	return NewBusWithHistory(DefaultHistorySize)
}

// NewBusWithHistory creates a bus with a custom history bound.
func NewBusWithHistory(size int) *Bus {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Bus{
		subs:        make(map[Type][]subscription),
		prefixSubs:  make(map[string][]subscription),
		historySize: size,
	}
}

// Subscribe registers a handler for one event type. Subscribing the same
// handler reference twice for the same type is a no-op.
func (b *Bus) Subscribe(t Type, h Handler, filter ...Filter) {
	var f Filter
	if len(filter) > 0 {
		f = filter[0]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if containsHandler(b.subs[t], h) {
		return
	}
	b.subs[t] = append(b.subs[t], subscription{handler: h, filter: f})
}

// SubscribePrefix registers a handler for every event whose dotted type
// starts with the given prefix (e.g. "print.").
func (b *Bus) SubscribePrefix(prefix string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if containsHandler(b.prefixSubs[prefix], h) {
		return
	}
	b.prefixSubs[prefix] = append(b.prefixSubs[prefix], subscription{handler: h})
}

// SubscribeAll registers a wildcard handler receiving every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if containsHandler(b.wildcard, h) {
		return
	}
	b.wildcard = append(b.wildcard, subscription{handler: h})
}

// Unsubscribe removes a handler from a type's subscription list.
func (b *Bus) Unsubscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = removeHandler(b.subs[t], h)
}

// Publish records the event, dispatches it synchronously, then mirrors
// it onto the attached async bus so background subscribers see every
// published event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.record(ev)
	targets := b.snapshot(ev)
	async := b.async
	b.mu.Unlock()

	dispatch(ev, targets)
	forwardAsync(async, ev)
}

// PublishBatch records all events atomically, then dispatches each in order.
func (b *Bus) PublishBatch(evs []Event) {
	b.mu.Lock()
	targets := make([][]subscription, len(evs))
	for i, ev := range evs {
		b.record(ev)
		targets[i] = b.snapshot(ev)
	}
	async := b.async
	b.mu.Unlock()

	for i, ev := range evs {
		dispatch(ev, targets[i])
		forwardAsync(async, ev)
	}
}

// DispatchAsync enqueues the event on the attached async bus when it is
// running; otherwise it falls back to a synchronous publish.
func (b *Bus) DispatchAsync(ev Event) {
	b.mu.Lock()
	async := b.async
	b.mu.Unlock()

	if async != nil && async.Running() {
		if err := async.Publish(ev); err != nil {
			slog.Warn("events: async dispatch failed, publishing synchronously",
				"type", ev.Type, "error", err)
			b.Publish(ev)
		}
		return
	}
	b.Publish(ev)
}

// AttachAsync links an async bus. Every event published on this bus is
// mirrored onto it, and DispatchAsync enqueues directly.
func (b *Bus) AttachAsync(a *AsyncBus) {
	b.mu.Lock()
	b.async = a
	b.mu.Unlock()
}

// History returns up to limit recent events, newest first, optionally
// filtered by type. limit <= 0 returns everything retained.
func (b *Bus) History(t Type, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		if t != "" && b.history[i].Type != t {
			continue
		}
		out = append(out, b.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// record must be called with b.mu held.
func (b *Bus) record(ev Event) {
	b.history = append(b.history, ev)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// snapshot must be called with b.mu held. It collects the subscriptions
// matching the event in registration order: exact, prefix, wildcard.
func (b *Bus) snapshot(ev Event) []subscription {
	var targets []subscription
	targets = append(targets, b.subs[ev.Type]...)
	for prefix, subs := range b.prefixSubs {
		if strings.HasPrefix(string(ev.Type), prefix) {
			targets = append(targets, subs...)
		}
	}
	targets = append(targets, b.wildcard...)
	return targets
}

// forwardAsync mirrors a published event onto the attached async bus.
// A full queue drops the mirror copy with a warning; the synchronous
// delivery has already happened.
func forwardAsync(a *AsyncBus, ev Event) {
	if a == nil || !a.Running() {
		return
	}
	if err := a.Publish(ev); err != nil {
		slog.Warn("events: async mirror dropped event", "type", ev.Type, "error", err)
	}
}

func dispatch(ev Event, targets []subscription) {
	for _, s := range targets {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		invoke(ev, s.handler)
	}
}

func invoke(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

func containsHandler(subs []subscription, h Handler) bool {
	p := reflect.ValueOf(h).Pointer()
	for _, s := range subs {
		if reflect.ValueOf(s.handler).Pointer() == p {
			return true
		}
	}
	return false
}

func removeHandler(subs []subscription, h Handler) []subscription {
	p := reflect.ValueOf(h).Pointer()
	out := subs[:0]
	for _, s := range subs {
		if reflect.ValueOf(s.handler).Pointer() != p {
			out = append(out, s)
		}
	}
	return out
}
