package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// HealthTarget is the objective one printer is held to.
type HealthTarget struct {
	Printer     string        `json:"printer"`
	LatencyP99  time.Duration `json:"latency_p99"`  // API round-trip target
	SuccessRate float64       `json:"success_rate"` // command success target, 0 to 1
	WindowHours int           `json:"window_hours"` // evaluation window
}

// HealthObservation is one printer command outcome.
type HealthObservation struct {
	Printer   string        `json:"printer"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthStatus reports one printer's standing against its target.
type HealthStatus struct {
	Printer          string  `json:"printer"`
	CurrentP99Ms     float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	Healthy          bool    `json:"healthy"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means errors arriving faster than budget
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent remaining
	ObservationCount int     `json:"observation_count"`
}

// HealthTracker keeps a sliding window of command outcomes per printer
// and scores each printer against its target.
type HealthTracker struct {
	mu           sync.Mutex
	targets      map[string]*HealthTarget
	observations map[string][]HealthObservation
	clock        func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		targets:      make(map[string]*HealthTarget),
		observations: make(map[string][]HealthObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *HealthTracker) WithClock(clock func() time.Time) *HealthTracker {
	t.clock = clock
	return t
}

// DefaultTarget is applied to printers with no explicit target.
func DefaultTarget(printer string) *HealthTarget {
	return &HealthTarget{
		Printer:     printer,
		LatencyP99:  2 * time.Second,
		SuccessRate: 0.95,
		WindowHours: 24,
	}
}

// SetTarget sets the objective for one printer.
func (t *HealthTracker) SetTarget(target *HealthTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Printer] = target
}

// Record adds one observation. A zero timestamp is stamped now.
func (t *HealthTracker) Record(obs HealthObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations[obs.Printer] = append(t.observations[obs.Printer], obs)
}

// Printers returns every printer with at least one observation.
func (t *HealthTracker) Printers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.observations))
	for name := range t.observations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status scores one printer over its window. Printers that were never
// observed return KindNotFound.
func (t *HealthTracker) Status(printer string) (*HealthStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	observations, ok := t.observations[printer]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "no observations for printer %q", printer)
	}

	target, ok := t.targets[printer]
	if !ok {
		target = DefaultTarget(printer)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []HealthObservation
	for _, obs := range observations {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &HealthStatus{
			Printer:         printer,
			Healthy:         true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &HealthStatus{
		Printer:          printer,
		CurrentP99Ms:     p99,
		CurrentSuccess:   successRate,
		Healthy:          latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
