// Package queue implements the in-memory priority job queue and the
// persisted per-job state machine.
package queue

import (
	"time"
)

// Status is a job's state-machine position.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarting  Status = "starting"
	StatusPrinting  Status = "printing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is write-once terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the state machine:
//
//	queued → starting → printing → {completed | failed}
//	queued | starting | printing → cancelled
var validTransitions = map[Status][]Status{
	StatusQueued:   {StatusStarting, StatusCancelled, StatusPrinting},
	StatusStarting: {StatusPrinting, StatusCancelled, StatusFailed},
	StatusPrinting: {StatusCompleted, StatusFailed, StatusCancelled},
}

// canTransition reports whether from → to is a legal edge. queued →
// printing is tolerated for adapters that skip the starting claim; the
// queue logs a warning on that path.
func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one print job. Terminal statuses are write-once; started_at is
// set on the first non-queued transition and completed_at on the first
// terminal transition.
type Job struct {
	ID          string         `json:"id"`
	FileName    string         `json:"file_name"`
	PrinterName string         `json:"printer_name,omitempty"` // empty = runnable anywhere
	Status      Status         `json:"status"`
	Priority    int            `json:"priority"`
	SubmittedBy string         `json:"submitted_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy safe to hand outside the queue lock.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Counts is a point-in-time summary of queue occupancy.
type Counts struct {
	Pending int            `json:"pending"` // queued
	Active  int            `json:"active"`  // starting + printing
	Total   int            `json:"total"`
	Summary map[Status]int `json:"summary"`
}
