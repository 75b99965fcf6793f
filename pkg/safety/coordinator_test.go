package safety_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/safety"
)

type testFleet map[string]*printer.Virtual

func (f testFleet) Get(name string) (printer.Adapter, error) {
	p, ok := f[name]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "printer %s not connected", name)
	}
	return p, nil
}

func (f testFleet) List() []printer.Adapter {
	out := make([]printer.Adapter, 0, len(f))
	for _, p := range f {
		out = append(out, p)
	}
	return out
}

func TestEmergencyStop_NativeSucceeds(t *testing.T) {
	fleet := testFleet{"voron": printer.NewVirtual("voron")}
	c := safety.New(fleet)

	rec := c.EmergencyStop(context.Background(), "voron", safety.ReasonOperator)
	assert.True(t, rec.Success)
	assert.Equal(t, []string{"native_estop"}, rec.ActionsTaken)
	assert.True(t, c.IsStopped("voron"))
}

func TestEmergencyStop_FallsBackToGcode(t *testing.T) {
	v := printer.NewVirtual("voron")
	v.FailEmergencyStop = true
	c := safety.New(testFleet{"voron": v})

	rec := c.EmergencyStop(context.Background(), "voron", safety.ReasonOperator)
	assert.True(t, rec.Success, "gcode fallback delivered")
	assert.Equal(t, []string{"firmware_halt", "hotend_off", "bed_off", "steppers_off"}, rec.ActionsTaken)
	assert.Equal(t, []string{"M112", "M104 S0", "M140 S0", "M84"}, v.GcodeLog())
}

func TestEmergencyStop_TotalFailureStillHalts(t *testing.T) {
	v := printer.NewVirtual("voron")
	v.FailEmergencyStop = true
	v.FailGcode = true

	bus := events.NewBus()
	var escalated []events.Event
	bus.Subscribe(events.TypeSafetyEscalated, func(ev events.Event) { escalated = append(escalated, ev) })

	c := safety.New(testFleet{"voron": v}, safety.WithBus(bus))
	rec := c.EmergencyStop(context.Background(), "voron", safety.ReasonOperator)

	assert.False(t, rec.Success)
	assert.True(t, strings.HasPrefix(rec.Error, "G-code delivery failed:"), rec.Error)
	assert.Equal(t, []string{"firmware_halt", "hotend_off", "bed_off", "steppers_off"}, rec.ActionsTaken)
	assert.True(t, c.IsStopped("voron"), "indeterminate physical state is treated as halted")

	history := c.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	require.Len(t, escalated, 1)
	assert.Equal(t, "voron", escalated[0].Data["printer"])
}

func TestEmergencyStopAll_SortedUnion(t *testing.T) {
	fleet := testFleet{
		"zeta":  printer.NewVirtual("zeta"),
		"alpha": printer.NewVirtual("alpha"),
	}
	c := safety.New(fleet)
	// An interlock-owning printer that is not registered still gets stopped.
	c.SetInterlock(context.Background(), "ghost", "door", true, false)

	records := c.EmergencyStopAll(context.Background(), safety.ReasonFleetStop)
	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[0].PrinterName)
	assert.Equal(t, "ghost", records[1].PrinterName)
	assert.Equal(t, "zeta", records[2].PrinterName)
	assert.False(t, records[1].Success, "unknown adapter records a failed attempt")
}

func TestEmergencyStopAll_EmptyFleet(t *testing.T) {
	c := safety.New(testFleet{})
	assert.Empty(t, c.EmergencyStopAll(context.Background(), safety.ReasonFleetStop))
}

func TestInterlock_CriticalBreachTriggersStop(t *testing.T) {
	ctx := context.Background()
	v := printer.NewVirtual("voron")
	c := safety.New(testFleet{"voron": v})

	c.SetInterlock(ctx, "voron", "door", true, true)
	assert.False(t, c.IsStopped("voron"))

	c.SetInterlock(ctx, "voron", "door", false, true)
	assert.True(t, c.IsStopped("voron"))

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, safety.ReasonInterlockBreach, history[0].Reason)
}

func TestClearStop_GatedOnCriticalInterlocks(t *testing.T) {
	ctx := context.Background()
	c := safety.New(testFleet{"voron": printer.NewVirtual("voron")})

	c.SetInterlock(ctx, "voron", "door", false, true)
	require.True(t, c.IsStopped("voron"))

	err := c.ClearStop("voron")
	assert.True(t, fault.Is(err, fault.KindPreflightFailed), "disengaged critical interlock blocks clearing")

	c.SetInterlock(ctx, "voron", "door", true, true)
	require.NoError(t, c.ClearStop("voron"))
	assert.False(t, c.IsStopped("voron"))

	err = c.ClearStop("voron")
	assert.True(t, fault.Is(err, fault.KindValidation), "clearing an unstopped printer is a validation error")
}

func TestPreflight_Checks(t *testing.T) {
	ctx := context.Background()
	v := printer.NewVirtual("voron")
	c := safety.New(testFleet{"voron": v})

	// Idle, cold, no material: passes.
	require.NoError(t, c.Preflight(ctx, "voron", "", nil))

	// Printing blocks.
	v.SetStatus(printer.StatusPrinting)
	err := c.Preflight(ctx, "voron", "", nil)
	assert.True(t, fault.Is(err, fault.KindPreflightFailed))
	v.SetStatus(printer.StatusIdle)

	// Heated far off the PLA target blocks.
	v.SetTemps(printer.Temperature{Actual: 250, Target: 250}, printer.Temperature{Actual: 60, Target: 60})
	err = c.Preflight(ctx, "voron", "PLA", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hotend")

	// Within tolerance passes.
	v.SetTemps(printer.Temperature{Actual: 205, Target: 210}, printer.Temperature{Actual: 58, Target: 60})
	require.NoError(t, c.Preflight(ctx, "voron", "PLA", nil))

	// Stopped printer blocks regardless of state.
	c.EmergencyStop(ctx, "voron", safety.ReasonOperator)
	v.SetStatus(printer.StatusIdle)
	err = c.Preflight(ctx, "voron", "", nil)
	assert.True(t, fault.Is(err, fault.KindPreflightFailed))
}

func TestPreflight_GcodeScan(t *testing.T) {
	ctx := context.Background()
	v := printer.NewVirtual("voron")
	c := safety.New(testFleet{"voron": v})

	clean := strings.NewReader("G28 ; home\nM104 S210\nM140 S60\nG1 X10 Y10\n")
	require.NoError(t, c.Preflight(ctx, "voron", "", clean))

	hot := strings.NewReader("G28\nM104 S350\n")
	err := c.Preflight(ctx, "voron", "", hot)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")

	cold := strings.NewReader("M302 S0\n")
	err = c.Preflight(ctx, "voron", "", cold)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cold extrusion")
}

func TestPreflight_CELRule(t *testing.T) {
	ctx := context.Background()
	rule, err := safety.CompileRule("no-hot-enclosure", `tool_target < 260.0 || material == "PC"`)
	require.NoError(t, err)

	v := printer.NewVirtual("voron")
	c := safety.New(testFleet{"voron": v}, safety.WithRules(rule))

	require.NoError(t, c.Preflight(ctx, "voron", "", nil))

	v.SetTemps(printer.Temperature{Actual: 280, Target: 280}, printer.Temperature{})
	err = c.Preflight(ctx, "voron", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-hot-enclosure")

	// The material escape hatch lets PC through the same rule.
	v.SetTemps(printer.Temperature{Actual: 280, Target: 280}, printer.Temperature{Actual: 110, Target: 110})
	require.NoError(t, c.Preflight(ctx, "voron", "PC", nil))
}

func TestCompileRule_Invalid(t *testing.T) {
	_, err := safety.CompileRule("bad", `tool_target +`)
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = safety.CompileRule("non-bool", `tool_target + 1.0`)
	assert.True(t, fault.Is(err, fault.KindValidation))
}
