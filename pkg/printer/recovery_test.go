package printer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/printer"
)

func TestResumeSequence_Ordering(t *testing.T) {
	seq := printer.ResumeSequence(printer.ResumeParams{
		ZHeightMM:   12.4,
		BedTempC:    60,
		HotendTempC: 215,
		FanPWM:      255,
		FlowPercent: 95,
	})

	require.Len(t, seq, 15)

	idx := func(prefix string) int {
		for i, c := range seq {
			if strings.HasPrefix(c, prefix) {
				return i
			}
		}
		t.Fatalf("command %q missing from sequence %v", prefix, seq)
		return -1
	}

	// Power-loss recovery disabled before anything moves.
	assert.Equal(t, 0, idx("M413 S0"))
	// X/Y homing only; Z must never be homed.
	assert.Equal(t, "G28 X Y", seq[1])
	for _, c := range seq {
		assert.NotEqual(t, "G28", c)
		assert.NotContains(t, c, "G28 Z")
	}
	// Bed heat issued before the hotend wait.
	assert.Less(t, idx("M140"), idx("M109"))
	// Wait for bed before wait for hotend.
	assert.Less(t, idx("M190"), idx("M109"))
	// Relative bracket around the Z raise.
	assert.Less(t, idx("G91"), idx("G1 Z"))
	assert.Less(t, idx("G1 Z"), idx("G90"))
	// Z set without movement carries the recorded height.
	assert.Contains(t, seq, "G92 Z12.400")
	// Fan and flow restored at the end.
	assert.Contains(t, seq, "M106 S255")
	assert.Contains(t, seq, "M221 S95")
}

func TestResumeSequence_Defaults(t *testing.T) {
	seq := printer.ResumeSequence(printer.ResumeParams{ZHeightMM: 5, BedTempC: 55, HotendTempC: 200})
	assert.Contains(t, seq, "G1 Z2.000 F600") // default 2 mm clearance
	assert.Contains(t, seq, "G1 E5.0 F300")   // default 5 mm prime
	assert.Contains(t, seq, "M221 S100")      // default flow
}

func TestSafetyProfile_Clamp(t *testing.T) {
	p := &printer.SafetyProfile{ID: "pla", MaxHotendTemp: 230, MaxBedTemp: 70}
	assert.Equal(t, 230.0, p.ClampHotend(280))
	assert.Equal(t, 200.0, p.ClampHotend(200))
	assert.Equal(t, 70.0, p.ClampBed(110))

	var nilProfile *printer.SafetyProfile
	assert.Equal(t, 500.0, nilProfile.ClampHotend(500), "no profile, no clamp")
}

func TestFirmwareComponent_SemverGating(t *testing.T) {
	c := printer.FirmwareComponent{Name: "klipper", CurrentVersion: "0.12.0", AvailableVersion: "0.12.1"}
	assert.True(t, c.UpdateAvailable())
	assert.NoError(t, c.ValidateUpdate())

	downgrade := printer.FirmwareComponent{Name: "klipper", CurrentVersion: "0.12.0", AvailableVersion: "0.11.0"}
	assert.Error(t, downgrade.ValidateUpdate())

	same := printer.FirmwareComponent{Name: "moonraker", CurrentVersion: "1.0.0", AvailableVersion: "1.0.0"}
	assert.False(t, same.UpdateAvailable())
}
