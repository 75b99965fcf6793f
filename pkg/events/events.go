// Package events provides the typed pub/sub bus linking printer adapters,
// the job queue, and side-effects (persistence, webhooks, watchers).
// A synchronous bus handles fast in-process subscribers in order; an
// asynchronous variant fans out to slow sinks through a bounded queue.
package events

import (
	"time"
)

// Type is a dotted event type, e.g. "print.started" or "safety.escalated".
type Type string

const (
	TypePrinterConnected    Type = "printer.connected"
	TypePrinterDisconnected Type = "printer.disconnected"
	TypeJobSubmitted        Type = "job.submitted"
	TypeJobStarting         Type = "job.starting"
	TypeJobPrinting         Type = "job.printing"
	TypeJobCompleted        Type = "job.completed"
	TypeJobFailed           Type = "job.failed"
	TypeJobCancelled        Type = "job.cancelled"
	TypePrintProgress       Type = "print.progress"
	TypeVisionCheck         Type = "vision.check"
	TypeSafetyEStop         Type = "safety.emergency_stop"
	TypeSafetyEscalated     Type = "safety.escalated"
	TypeSafetyInterlock     Type = "safety.interlock"
	TypePaymentInitiated    Type = "payment.initiated"
	TypePaymentCompleted    Type = "payment.completed"
	TypePaymentFailed       Type = "payment.failed"
	TypeQuoteIssued         Type = "quote.issued"
	TypeOrderPlaced         Type = "order.placed"
	TypePipelineStarted     Type = "pipeline.started"
	TypePipelineCompleted   Type = "pipeline.completed"
	TypePipelineFailed      Type = "pipeline.failed"
)

// Event is one record on the bus. Data is a string-keyed map of
// JSON-compatible values; payload shapes are deliberately not statically
// typed per event type.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
}

// New creates an event stamped with the current UTC time.
func New(t Type, source string, data map[string]any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC(), Source: source}
}

// Handler consumes one event. Handlers must be fast on the sync bus.
type Handler func(Event)

// Filter optionally narrows a subscription; nil means no filtering.
type Filter func(Event) bool
