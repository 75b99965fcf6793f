package printer

import "fmt"

// ResumeParams describes a firmware-level resume of a print interrupted by
// power loss, at a recorded Z height.
type ResumeParams struct {
	ZHeightMM    float64
	BedTempC     float64
	HotendTempC  float64
	ZClearanceMM float64 // raise before travel; default 2 mm
	PrimeLenMM   float64 // extruder prime; default 5 mm
	FanPWM       int     // 0..255
	FlowPercent  int     // default 100
}

// ResumeSequence builds the exact ordered G-code batch for a firmware
// resume. The invariants are load-bearing: Z is never homed, the bed
// target is issued before the hotend wait, and the whole sequence is sent
// as one batch so no other command interleaves.
func ResumeSequence(p ResumeParams) []string {
	clearance := p.ZClearanceMM
	if clearance <= 0 {
		clearance = 2.0
	}
	prime := p.PrimeLenMM
	if prime <= 0 {
		prime = 5.0
	}
	flow := p.FlowPercent
	if flow <= 0 {
		flow = 100
	}

	return []string{
		"M413 S0",                            // disable firmware power-loss recovery
		"G28 X Y",                            // home X and Y only, never Z
		fmt.Sprintf("M140 S%.0f", p.BedTempC),    // set bed target
		fmt.Sprintf("M104 S%.0f", p.HotendTempC), // set hotend target
		fmt.Sprintf("M190 S%.0f", p.BedTempC),    // wait for bed
		fmt.Sprintf("M109 S%.0f", p.HotendTempC), // wait for hotend
		"G92 E0",                                 // reset extruder position
		fmt.Sprintf("G92 Z%.3f", p.ZHeightMM),    // set Z position without movement
		"G91",                                    // relative mode
		fmt.Sprintf("G1 Z%.3f F600", clearance),  // raise Z by clearance
		"G90",                                    // absolute mode
		fmt.Sprintf("G1 E%.1f F300", prime),      // prime extruder
		"G92 E0",                                 // reset extruder position again
		fmt.Sprintf("M106 S%d", p.FanPWM),        // restore fan PWM
		fmt.Sprintf("M221 S%d", flow),            // restore flow rate
	}
}
