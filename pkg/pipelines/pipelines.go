// Package pipelines runs named multi-step workflows composed from the
// fleet primitives: quick print, calibration, benchmark. Steps execute
// sequentially; the first failure aborts the rest.
package pipelines

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Run carries state across the steps of one execution. Steps read their
// inputs from Values and write their outputs back into it.
type Run struct {
	Pipeline string
	Values   map[string]any
}

// String reads a string value, empty when absent or mistyped.
func (r *Run) String(key string) string {
	s, _ := r.Values[key].(string)
	return s
}

// StepFunc does one unit of pipeline work.
type StepFunc func(ctx context.Context, run *Run) error

// Step is a named unit inside a pipeline.
type Step struct {
	Name string
	Run  StepFunc
}

// Pipeline is a named sequence of steps.
type Pipeline struct {
	Name        string
	Description string
	Steps       []Step
}

// StepResult records one step's outcome.
type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of a full pipeline execution.
type Result struct {
	Pipeline  string         `json:"pipeline"`
	Success   bool           `json:"success"`
	Steps     []StepResult   `json:"steps"`
	Values    map[string]any `json:"values,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// Engine registers and executes pipelines.
type Engine struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	bus       *events.Bus
}

// NewEngine creates an engine; bus may be nil.
func NewEngine(bus *events.Bus) *Engine {
	return &Engine{pipelines: make(map[string]*Pipeline), bus: bus}
}

// Register adds a pipeline. Re-registering a name replaces it.
func (e *Engine) Register(p *Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelines[p.Name] = p
}

// List returns registered pipeline names and descriptions.
func (e *Engine) List() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.pipelines))
	for name, p := range e.pipelines {
		out[name] = p.Description
	}
	return out
}

// Execute runs a pipeline to completion. A step error marks that step
// failed, skips the rest, and surfaces as the returned error alongside
// the partial result.
func (e *Engine) Execute(ctx context.Context, name string, initial map[string]any) (*Result, error) {
	e.mu.Lock()
	p, ok := e.pipelines[name]
	e.mu.Unlock()
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "pipelines: unknown pipeline %q", name)
	}

	run := &Run{Pipeline: name, Values: map[string]any{}}
	for k, v := range initial {
		run.Values[k] = v
	}
	result := &Result{Pipeline: name, StartedAt: time.Now().UTC()}
	e.publish(events.TypePipelineStarted, name, "")

	var failed error
	for _, step := range p.Steps {
		if failed != nil {
			result.Steps = append(result.Steps, StepResult{Name: step.Name, Status: StepSkipped})
			continue
		}
		start := time.Now()
		err := step.Run(ctx, run)
		sr := StepResult{Name: step.Name, Status: StepOK, Duration: time.Since(start)}
		if err != nil {
			sr.Status = StepFailed
			sr.Error = err.Error()
			failed = fmt.Errorf("pipelines: %s step %q failed: %w", name, step.Name, err)
		}
		result.Steps = append(result.Steps, sr)
	}

	result.Values = run.Values
	result.Duration = time.Since(result.StartedAt)
	result.Success = failed == nil
	if failed != nil {
		e.publish(events.TypePipelineFailed, name, failed.Error())
		return result, failed
	}
	e.publish(events.TypePipelineCompleted, name, "")
	return result, nil
}

func (e *Engine) publish(t events.Type, pipeline, errMsg string) {
	if e.bus == nil {
		return
	}
	data := map[string]any{"pipeline": pipeline}
	if errMsg != "" {
		data["error"] = errMsg
	}
	e.bus.Publish(events.New(t, "pipelines", data))
}
