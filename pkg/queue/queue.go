package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
)

// Store is the durable mirror for jobs. Terminal transitions are written
// through before the caller observes success.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	LoadNonTerminalJobs(ctx context.Context) ([]*Job, error)
}

// Queue is the thread-safe priority job queue. Ordering is
// (priority desc, created_at asc); all transitions are atomic under the
// queue lock and MarkStarting is the race-safe claim operation.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	store Store
	bus   *events.Bus
	clock func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore attaches the durable mirror.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithBus attaches the event bus for lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{jobs: make(map[string]*Job), clock: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Recover reloads persisted jobs on startup. Non-terminal rows come back
// as queued: starting/printing were lost in flight and must restart.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	jobs, err := q.store.LoadNonTerminalJobs(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, "queue: recover jobs", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if j.Status != StatusQueued {
			slog.Warn("queue: requeueing in-flight job lost at shutdown",
				"job_id", j.ID, "was", j.Status)
			j.Status = StatusQueued
			j.StartedAt = nil
			if err := q.store.UpdateJob(ctx, j); err != nil {
				return n, fault.Wrap(fault.KindInternal, "queue: persist requeued job", err)
			}
		}
		q.jobs[j.ID] = j
		n++
	}
	return n, nil
}

// Submit enqueues a new job and mirrors it durably before returning.
func (q *Queue) Submit(ctx context.Context, fileName, printerName, submittedBy string, priority int, metadata map[string]any) (*Job, error) {
	if fileName == "" {
		return nil, fault.New(fault.KindValidation, "queue: file_name is required")
	}
	job := &Job{
		ID:          uuid.New().String(),
		FileName:    fileName,
		PrinterName: printerName,
		Status:      StatusQueued,
		Priority:    priority,
		SubmittedBy: submittedBy,
		CreatedAt:   q.clock().UTC(),
		Metadata:    metadata,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			q.mu.Lock()
			delete(q.jobs, job.ID)
			q.mu.Unlock()
			return nil, fault.Wrap(fault.KindInternal, "queue: persist job", err)
		}
	}

	q.publish(events.TypeJobSubmitted, job)
	return job.Clone(), nil
}

// Get returns a copy of a job by id.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "queue: job %s not found", id)
	}
	return job.Clone(), nil
}

// NextJob returns the highest-ranked queued job that is unassigned or
// assigned to the given printer. It does not mutate; selection is
// deterministic given the tie order (priority desc, created_at asc, id asc).
func (q *Queue) NextJob(printerName string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Job
	for _, j := range q.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if j.PrinterName != "" && j.PrinterName != printerName {
			continue
		}
		if best == nil || ranksAbove(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

func ranksAbove(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MarkStarting claims a queued job. Exactly one concurrent caller wins;
// the rest fail with InvalidStateTransition.
func (q *Queue) MarkStarting(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusStarting, "")
}

// MarkPrinting records that the printer accepted the job. A transition
// straight from queued is tolerated with a warning (started_at set lazily).
func (q *Queue) MarkPrinting(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusPrinting, "")
}

// MarkCompleted finishes the job successfully.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusCompleted, "")
}

// MarkFailed finishes the job with an error message.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	return q.transition(ctx, id, StatusFailed, errMsg)
}

// Cancel cancels a job at any non-terminal state. Cancelling a terminal
// job fails with InvalidStateTransition rather than silently succeeding.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusCancelled, "")
}

func (q *Queue) transition(ctx context.Context, id string, to Status, errMsg string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "queue: job %s not found", id)
	}
	from := job.Status
	if !canTransition(from, to) {
		q.mu.Unlock()
		return fault.Newf(fault.KindInvalidStateTransition,
			"queue: job %s cannot go %s → %s", id, from, to)
	}
	if from == StatusQueued && to == StatusPrinting {
		slog.Warn("queue: job marked printing without a starting claim", "job_id", id)
	}

	now := q.clock().UTC()
	prevStarted, prevCompleted, prevError := job.StartedAt, job.CompletedAt, job.Error
	job.Status = to
	if job.StartedAt == nil && to != StatusQueued {
		job.StartedAt = &now
	}
	if to.Terminal() {
		job.CompletedAt = &now
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	snapshot := job.Clone()
	q.mu.Unlock()

	// Durable mirror before the caller observes success. A failed write
	// rolls the in-memory state back so the machine stays consistent.
	if q.store != nil {
		if err := q.store.UpdateJob(ctx, snapshot); err != nil {
			q.mu.Lock()
			job.Status = from
			job.StartedAt = prevStarted
			job.CompletedAt = prevCompleted
			job.Error = prevError
			q.mu.Unlock()
			return fault.Wrap(fault.KindInternal, "queue: persist transition", err)
		}
	}

	q.publish(eventFor(to), snapshot)
	return nil
}

func eventFor(s Status) events.Type {
	switch s {
	case StatusStarting:
		return events.TypeJobStarting
	case StatusPrinting:
		return events.TypeJobPrinting
	case StatusCompleted:
		return events.TypeJobCompleted
	case StatusFailed:
		return events.TypeJobFailed
	case StatusCancelled:
		return events.TypeJobCancelled
	default:
		return events.TypeJobSubmitted
	}
}

func (q *Queue) publish(t events.Type, job *Job) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.New(t, "queue", map[string]any{
		"job_id":   job.ID,
		"file":     job.FileName,
		"printer":  job.PrinterName,
		"status":   string(job.Status),
		"priority": job.Priority,
	}))
}

// Counts returns a point-in-time occupancy snapshot.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{Summary: make(map[Status]int)}
	for _, j := range q.jobs {
		c.Summary[j.Status]++
		c.Total++
		switch j.Status {
		case StatusQueued:
			c.Pending++
		case StatusStarting, StatusPrinting:
			c.Active++
		}
	}
	return c
}

// List returns copies of jobs, optionally filtered by status, newest first.
func (q *Queue) List(status Status, limit int) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
