package printer

// SafetyProfile carries per-printer temperature maxima. Adapters intersect
// every caller-supplied temperature target with the profile's stored
// maxima before anything hits the wire. Profile overrides are
// defense-in-depth on top of the safety coordinator's preflight, not a
// replacement for it.
type SafetyProfile struct {
	ID            string  `json:"id"`
	MaxHotendTemp float64 `json:"max_hotend_temp"`
	MaxBedTemp    float64 `json:"max_bed_temp"`
	// Rule is an optional CEL expression evaluated during preflight by
	// the safety coordinator, e.g. "tool_target < 280.0 && bed_target < 120.0".
	Rule string `json:"rule,omitempty"`
}

// DefaultSafetyProfile bounds temperatures to common FDM hardware limits.
func DefaultSafetyProfile() *SafetyProfile {
	return &SafetyProfile{ID: "default", MaxHotendTemp: 300, MaxBedTemp: 120}
}

// ClampHotend intersects a requested hotend target with the profile max.
func (p *SafetyProfile) ClampHotend(targetC float64) float64 {
	if p == nil || p.MaxHotendTemp <= 0 {
		return targetC
	}
	if targetC > p.MaxHotendTemp {
		return p.MaxHotendTemp
	}
	return targetC
}

// ClampBed intersects a requested bed target with the profile max.
func (p *SafetyProfile) ClampBed(targetC float64) float64 {
	if p == nil || p.MaxBedTemp <= 0 {
		return targetC
	}
	if targetC > p.MaxBedTemp {
		return p.MaxBedTemp
	}
	return targetC
}
