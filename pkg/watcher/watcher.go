// Package watcher runs long-lived observation tasks: one background
// poller per active print, classifying progress into phases, keeping a
// bounded snapshot ring, and emitting vision-check events.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/printer"
)

// Outcome is the terminal result of a watch.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomePaused        Outcome = "paused"
	OutcomeFailed        Outcome = "failed"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeStopped       Outcome = "stopped"
	OutcomeNoActivePrint Outcome = "no_active_print"
)

// PrintPhase classifies where in the print the job is.
type PrintPhase string

const (
	PhaseUnknown     PrintPhase = "unknown"
	PhaseFirstLayers PrintPhase = "first_layers"
	PhaseMidPrint    PrintPhase = "mid_print"
	PhaseFinalLayers PrintPhase = "final_layers"
)

// ClassifyPhase maps a completion percentage to a phase.
func ClassifyPhase(completion *float64) PrintPhase {
	switch {
	case completion == nil || *completion < 0:
		return PhaseUnknown
	case *completion < 10:
		return PhaseFirstLayers
	case *completion <= 90:
		return PhaseMidPrint
	default:
		return PhaseFinalLayers
	}
}

// phaseHints are the operator guidance strings attached to vision events.
var phaseHints = map[PrintPhase]string{
	PhaseUnknown:     "no progress reported yet",
	PhaseFirstLayers: "check bed adhesion and first-layer squish",
	PhaseMidPrint:    "check for spaghetti, layer shifts, warping",
	PhaseFinalLayers: "check top surface quality and stringing",
}

// ProgressEntry is one observed poll sample.
type ProgressEntry struct {
	At         time.Time  `json:"at"`
	Completion *float64   `json:"completion,omitempty"`
	Status     string     `json:"status"`
	Phase      PrintPhase `json:"phase"`
}

// SnapshotRef points at one stored camera frame.
type SnapshotRef struct {
	Seq     int       `json:"seq"`
	TakenAt time.Time `json:"taken_at"`
	Ref     string    `json:"ref"`
}

// Archiver stores a snapshot frame and returns a durable reference.
type Archiver interface {
	Archive(ctx context.Context, key string, jpeg []byte) (string, error)
}

// Config tunes one watch.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	RingSize     int
	Archiver     Archiver
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 24 * time.Hour
	}
	if c.RingSize <= 0 {
		c.RingSize = 10
	}
	return c
}

// Status is a live (or final) snapshot of one watch.
type Status struct {
	WatchID     string          `json:"watch_id"`
	PrinterName string          `json:"printer_name"`
	Running     bool            `json:"running"`
	Outcome     Outcome         `json:"outcome,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	ElapsedSec  int64           `json:"elapsed_s"`
	Ticks       int             `json:"ticks"`
	Progress    []ProgressEntry `json:"progress,omitempty"`
	Snapshots   []SnapshotRef   `json:"snapshots,omitempty"`
}

// Watcher observes one printer until the print reaches a terminal
// condition or the watch is stopped.
type Watcher struct {
	id      string
	adapter printer.Adapter
	bus     *events.Bus
	cfg     Config

	mu             sync.Mutex
	startedAt      time.Time
	outcome        Outcome
	lastCompletion *float64
	progress       []ProgressEntry
	snapshots      []SnapshotRef
	ticks          int
	snapSeq        int

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWatcher(id string, adapter printer.Adapter, bus *events.Bus, cfg Config) *Watcher {
	return &Watcher{
		id:      id,
		adapter: adapter,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// ID returns the watch id.
func (w *Watcher) ID() string { return w.id }

func (w *Watcher) start(ctx context.Context) {
	w.mu.Lock()
	w.startedAt = time.Now().UTC()
	w.mu.Unlock()
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watcher: poll loop panicked", "watch_id", w.id, "panic", r)
			w.finish(OutcomeFailed)
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finish(OutcomeStopped)
			return
		case <-w.stopCh:
			w.finish(OutcomeStopped)
			return
		case <-ticker.C:
			if done := w.tick(ctx); done {
				return
			}
		}
	}
}

// tick performs one poll. Returns true when the watch reached an outcome.
func (w *Watcher) tick(ctx context.Context) bool {
	w.mu.Lock()
	elapsed := time.Since(w.startedAt)
	w.ticks++
	w.mu.Unlock()

	if elapsed >= w.cfg.Timeout {
		w.finish(OutcomeTimeout)
		return true
	}

	state, err := w.adapter.GetState(ctx)
	if err != nil {
		slog.Warn("watcher: state poll failed", "watch_id", w.id, "error", err)
		return false
	}
	job, err := w.adapter.GetJob(ctx)
	if err != nil {
		slog.Warn("watcher: job poll failed", "watch_id", w.id, "error", err)
	}

	phase := ClassifyPhase(job.Completion)
	entry := ProgressEntry{
		At: time.Now().UTC(), Completion: job.Completion,
		Status: string(state.Status), Phase: phase,
	}

	w.mu.Lock()
	if job.Completion != nil {
		c := *job.Completion
		w.lastCompletion = &c
	}
	last := w.lastCompletion
	w.progress = append(w.progress, entry)
	w.mu.Unlock()

	w.takeSnapshot(ctx)
	w.publishCheck(entry)

	switch state.Status {
	case printer.StatusIdle:
		switch {
		case last != nil && *last >= 99:
			w.finish(OutcomeCompleted)
		case last == nil:
			w.finish(OutcomeNoActivePrint)
		default:
			w.finish(OutcomeFailed)
		}
		return true
	case printer.StatusPaused:
		w.finish(OutcomePaused)
		return true
	case printer.StatusError:
		w.finish(OutcomeFailed)
		return true
	}
	return false
}

func (w *Watcher) takeSnapshot(ctx context.Context) {
	src, ok := w.adapter.(printer.SnapshotSource)
	if !ok || !w.adapter.Capabilities().CanSnapshot {
		return
	}
	data, err := src.GetSnapshot(ctx)
	if err != nil {
		slog.Debug("watcher: snapshot failed", "watch_id", w.id, "error", err)
		return
	}

	w.mu.Lock()
	w.snapSeq++
	seq := w.snapSeq
	w.mu.Unlock()

	ref := fmt.Sprintf("mem:%s/%d", w.id, seq)
	if w.cfg.Archiver != nil {
		key := fmt.Sprintf("%s/%06d.jpg", w.id, seq)
		archived, err := w.cfg.Archiver.Archive(ctx, key, data)
		if err != nil {
			slog.Warn("watcher: snapshot archive failed", "watch_id", w.id, "error", err)
		} else {
			ref = archived
		}
	}

	w.mu.Lock()
	w.snapshots = append(w.snapshots, SnapshotRef{Seq: seq, TakenAt: time.Now().UTC(), Ref: ref})
	if len(w.snapshots) > w.cfg.RingSize {
		w.snapshots = w.snapshots[len(w.snapshots)-w.cfg.RingSize:]
	}
	w.mu.Unlock()
}

func (w *Watcher) publishCheck(entry ProgressEntry) {
	if w.bus == nil {
		return
	}
	data := map[string]any{
		"watch_id": w.id,
		"printer":  w.adapter.Name(),
		"phase":    string(entry.Phase),
		"hint":     phaseHints[entry.Phase],
		"status":   entry.Status,
	}
	if entry.Completion != nil {
		data["completion"] = *entry.Completion
	}
	w.bus.Publish(events.New(events.TypeVisionCheck, "watcher", data))
}

func (w *Watcher) finish(outcome Outcome) {
	w.mu.Lock()
	if w.outcome == "" {
		w.outcome = outcome
	}
	w.mu.Unlock()
}

// Status returns a live snapshot; finished watchers retain their result.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		WatchID:     w.id,
		PrinterName: w.adapter.Name(),
		Running:     w.outcome == "",
		Outcome:     w.outcome,
		StartedAt:   w.startedAt,
		Ticks:       w.ticks,
		Progress:    append([]ProgressEntry(nil), w.progress...),
		Snapshots:   append([]SnapshotRef(nil), w.snapshots...),
	}
	if !w.startedAt.IsZero() {
		st.ElapsedSec = int64(time.Since(w.startedAt).Seconds())
	}
	return st
}

// Wait blocks until the poll loop exits.
func (w *Watcher) Wait() { <-w.doneCh }

// Registry is the process-wide watch table keyed by watch_id.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
	bus      *events.Bus
}

// NewRegistry creates an empty watch registry.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{watchers: make(map[string]*Watcher), bus: bus}
}

// Start begins watching a printer and returns the new watch.
func (r *Registry) Start(ctx context.Context, adapter printer.Adapter, cfg Config) *Watcher {
	w := newWatcher(uuid.New().String(), adapter, r.bus, cfg)

	r.mu.Lock()
	r.watchers[w.id] = w
	r.mu.Unlock()

	w.start(ctx)
	return w
}

// Get returns a watch by id.
func (r *Registry) Get(id string) (*Watcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[id]
	return w, ok
}

// Stop halts a watch (if still running), removes it from the table, and
// returns its final status. Stopping a finished watch just collects it.
func (r *Registry) Stop(id string) (Status, bool) {
	r.mu.Lock()
	w, ok := r.watchers[id]
	if ok {
		delete(r.watchers, id)
	}
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}

	select {
	case <-w.doneCh:
	default:
		close(w.stopCh)
		w.Wait()
	}
	return w.Status(), true
}

// Active returns the ids of all registered watches, running or finished.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.watchers))
	for id := range r.watchers {
		out = append(out, id)
	}
	return out
}
