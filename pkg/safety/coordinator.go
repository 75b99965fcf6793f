// Package safety implements the fleet safety coordinator: emergency
// stops with G-code fallback, named interlocks, stop clearing, and the
// preflight bundle run before any job start.
package safety

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/materials"
	"github.com/kiln-farm/kiln/pkg/printer"
)

// StopReason classifies why an emergency stop fired.
type StopReason string

const (
	ReasonOperator        StopReason = "operator"
	ReasonInterlockBreach StopReason = "interlock_breach"
	ReasonFleetStop       StopReason = "fleet_stop"
	ReasonThermal         StopReason = "thermal"
)

// fdmStopSequence is the G-code fallback when the native e-stop fails:
// firmware halt, hotend off, bed off, steppers off.
var fdmStopSequence = []string{"M112", "M104 S0", "M140 S0", "M84"}

// fdmStopActions are the human-readable names recorded alongside.
var fdmStopActions = []string{"firmware_halt", "hotend_off", "bed_off", "steppers_off"}

// EmergencyRecord is one e-stop attempt. Physical printer state after an
// attempt is indeterminate, so the printer is treated as halted even
// when Success is false.
type EmergencyRecord struct {
	PrinterName  string     `json:"printer_name"`
	Reason       StopReason `json:"reason"`
	Timestamp    time.Time  `json:"timestamp"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	ActionsTaken []string   `json:"actions_taken"`
}

// Interlock is a named per-printer safety condition.
type Interlock struct {
	Name     string `json:"name"`
	Engaged  bool   `json:"engaged"`
	Critical bool   `json:"critical"`
}

// Fleet is the slice of the registry the coordinator needs.
type Fleet interface {
	Get(name string) (printer.Adapter, error)
	List() []printer.Adapter
}

// Coordinator owns all fleet safety state behind one lock.
type Coordinator struct {
	mu         sync.Mutex
	interlocks map[string]map[string]Interlock // printer → name → interlock
	stopped    map[string]bool
	history    []EmergencyRecord

	fleet Fleet
	bus   *events.Bus
	rules []*Rule

	// TempTolerance is the allowed deviation from the material target
	// during preflight.
	TempTolerance float64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus attaches the event bus.
func WithBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithRules installs compiled preflight rules.
func WithRules(rules ...*Rule) Option {
	return func(c *Coordinator) { c.rules = append(c.rules, rules...) }
}

// New creates a Coordinator over a fleet.
func New(fleet Fleet, opts ...Option) *Coordinator {
	c := &Coordinator{
		interlocks:    make(map[string]map[string]Interlock),
		stopped:       make(map[string]bool),
		fleet:         fleet,
		TempTolerance: 15,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmergencyStop halts one printer. The native e-stop is attempted first;
// on failure the FDM G-code sequence is sent. The record is kept and the
// printer enters the stopped set regardless of delivery success.
func (c *Coordinator) EmergencyStop(ctx context.Context, printerName string, reason StopReason) EmergencyRecord {
	rec := EmergencyRecord{
		PrinterName: printerName,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}

	adapter, err := c.fleet.Get(printerName)
	if err != nil {
		rec.Error = fmt.Sprintf("printer not available: %v", err)
		rec.ActionsTaken = []string{"none"}
	} else if nativeErr := adapter.EmergencyStop(ctx); nativeErr == nil {
		rec.Success = true
		rec.ActionsTaken = []string{"native_estop"}
	} else {
		slog.Warn("safety: native e-stop failed, falling back to gcode",
			"printer", printerName, "error", nativeErr)
		rec.ActionsTaken = fdmStopActions
		if _, gcodeErr := adapter.SendGcode(ctx, fdmStopSequence); gcodeErr == nil {
			rec.Success = true
		} else {
			rec.Error = fmt.Sprintf("G-code delivery failed: %v", gcodeErr)
		}
	}

	c.mu.Lock()
	c.stopped[printerName] = true
	c.history = append(c.history, rec)
	c.mu.Unlock()

	c.publish(events.TypeSafetyEStop, map[string]any{
		"printer": printerName,
		"reason":  string(reason),
		"success": rec.Success,
	})
	if !rec.Success {
		c.publish(events.TypeSafetyEscalated, map[string]any{
			"printer": printerName,
			"reason":  string(reason),
			"error":   rec.Error,
		})
	}
	return rec
}

// EmergencyStopAll stops every known printer: registered, previously
// stopped, and interlock-owning, in sorted order for deterministic logs.
func (c *Coordinator) EmergencyStopAll(ctx context.Context, reason StopReason) []EmergencyRecord {
	known := make(map[string]bool)
	for _, p := range c.fleet.List() {
		known[p.Name()] = true
	}
	c.mu.Lock()
	for name := range c.stopped {
		known[name] = true
	}
	for name := range c.interlocks {
		known[name] = true
	}
	c.mu.Unlock()

	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}
	sort.Strings(names)

	records := make([]EmergencyRecord, 0, len(names))
	for _, n := range names {
		records = append(records, c.EmergencyStop(ctx, n, reason))
	}
	return records
}

// SetInterlock registers or updates an interlock. A critical interlock
// transitioning to disengaged triggers an emergency stop.
func (c *Coordinator) SetInterlock(ctx context.Context, printerName, name string, engaged, critical bool) {
	c.mu.Lock()
	if c.interlocks[printerName] == nil {
		c.interlocks[printerName] = make(map[string]Interlock)
	}
	prev, existed := c.interlocks[printerName][name]
	c.interlocks[printerName][name] = Interlock{Name: name, Engaged: engaged, Critical: critical}
	c.mu.Unlock()

	c.publish(events.TypeSafetyInterlock, map[string]any{
		"printer": printerName, "interlock": name,
		"engaged": engaged, "critical": critical,
	})

	breach := critical && !engaged && (!existed || prev.Engaged)
	if breach {
		slog.Error("safety: critical interlock disengaged",
			"printer", printerName, "interlock", name)
		c.EmergencyStop(ctx, printerName, ReasonInterlockBreach)
	}
}

// Interlocks returns the interlock table for one printer.
func (c *Coordinator) Interlocks(printerName string) []Interlock {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Interlock, 0, len(c.interlocks[printerName]))
	for _, il := range c.interlocks[printerName] {
		out = append(out, il)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// IsStopped reports whether a printer is in the stopped set.
func (c *Coordinator) IsStopped(printerName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped[printerName]
}

// ClearStop releases a stopped printer. Refused while any critical
// interlock for it is disengaged.
func (c *Coordinator) ClearStop(printerName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped[printerName] {
		return fault.Newf(fault.KindValidation, "safety: printer %s is not stopped", printerName)
	}
	for _, il := range c.interlocks[printerName] {
		if il.Critical && !il.Engaged {
			return fault.Newf(fault.KindPreflightFailed,
				"safety: critical interlock %q on %s is disengaged", il.Name, printerName)
		}
	}
	delete(c.stopped, printerName)
	return nil
}

// History returns a copy of the e-stop record list, oldest first.
func (c *Coordinator) History() []EmergencyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EmergencyRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Preflight runs the pre-start bundle for one printer: not stopped,
// connected and idle, temperatures within material tolerance when the
// material is known, G-code scan clean when a sliced file is supplied,
// and every installed rule passing. Failures never mutate queue state.
func (c *Coordinator) Preflight(ctx context.Context, printerName, material string, gcode io.Reader) error {
	if c.IsStopped(printerName) {
		return fault.Newf(fault.KindPreflightFailed, "safety: printer %s is emergency-stopped", printerName)
	}

	adapter, err := c.fleet.Get(printerName)
	if err != nil {
		return fault.Wrap(fault.KindPreflightFailed, "safety: printer unavailable", err)
	}
	state, err := adapter.GetState(ctx)
	if err != nil {
		return fault.Wrap(fault.KindPreflightFailed, "safety: state unavailable", err)
	}
	if !state.Connected {
		return fault.Newf(fault.KindPreflightFailed, "safety: printer %s is not connected", printerName)
	}
	if state.Status != printer.StatusIdle {
		return fault.Newf(fault.KindPreflightFailed, "safety: printer %s is %s, not idle", printerName, state.Status)
	}

	if material != "" {
		profile, err := materials.Lookup(material)
		if err != nil {
			return fault.Wrap(fault.KindPreflightFailed, "safety: unknown material", err)
		}
		if state.Tool != nil && state.Tool.Target > 0 &&
			!materials.WithinTolerance(state.Tool.Actual, profile.HotendTargetC, c.TempTolerance) {
			return fault.Newf(fault.KindPreflightFailed,
				"safety: hotend %.1f°C outside %s tolerance (target %.0f ± %.0f)",
				state.Tool.Actual, strings.ToUpper(material), profile.HotendTargetC, c.TempTolerance)
		}
		if state.Bed != nil && state.Bed.Target > 0 &&
			!materials.WithinTolerance(state.Bed.Actual, profile.BedTargetC, c.TempTolerance) {
			return fault.Newf(fault.KindPreflightFailed,
				"safety: bed %.1f°C outside %s tolerance (target %.0f ± %.0f)",
				state.Bed.Actual, strings.ToUpper(material), profile.BedTargetC, c.TempTolerance)
		}
	}

	if gcode != nil {
		findings, err := ScanGcode(gcode, nil)
		if err != nil {
			return fault.Wrap(fault.KindPreflightFailed, "safety: gcode scan failed", err)
		}
		if len(findings) > 0 {
			return fault.Newf(fault.KindPreflightFailed,
				"safety: gcode scan flagged %d line(s), first: line %d %s (%s)",
				len(findings), findings[0].Line, findings[0].Command, findings[0].Reason)
		}
	}

	in := RuleInput{Material: strings.ToUpper(material), Status: string(state.Status)}
	if state.Tool != nil {
		in.ToolActual, in.ToolTarget = state.Tool.Actual, state.Tool.Target
	}
	if state.Bed != nil {
		in.BedActual, in.BedTarget = state.Bed.Actual, state.Bed.Target
	}
	for _, rule := range c.rules {
		ok, err := rule.Eval(in)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Newf(fault.KindPreflightFailed, "safety: rule %s blocked the print", rule.Name)
		}
	}
	return nil
}

func (c *Coordinator) publish(t events.Type, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.New(t, "safety", data))
}
