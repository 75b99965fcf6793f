// Package materials holds the filament property tables used by preflight
// temperature checks, the scheduler, and substitution suggestions.
package materials

import (
	"sort"
	"strings"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Profile is the print-relevant envelope of one material.
type Profile struct {
	Name          string  `json:"name"`
	HotendTargetC float64 `json:"hotend_target_c"`
	BedTargetC    float64 `json:"bed_target_c"`
	MaxHotendC    float64 `json:"max_hotend_c"`
	NeedsChamber  bool    `json:"needs_chamber"`
	NeedsDrying   bool    `json:"needs_drying"`
	Abrasive      bool    `json:"abrasive"`
}

// profiles is keyed by upper-case material name.
var profiles = map[string]Profile{
	"PLA":   {Name: "PLA", HotendTargetC: 210, BedTargetC: 60, MaxHotendC: 230},
	"PETG":  {Name: "PETG", HotendTargetC: 240, BedTargetC: 80, MaxHotendC: 260},
	"ABS":   {Name: "ABS", HotendTargetC: 250, BedTargetC: 100, MaxHotendC: 270, NeedsChamber: true},
	"ASA":   {Name: "ASA", HotendTargetC: 255, BedTargetC: 100, MaxHotendC: 275, NeedsChamber: true},
	"TPU":   {Name: "TPU", HotendTargetC: 225, BedTargetC: 50, MaxHotendC: 250, NeedsDrying: true},
	"NYLON": {Name: "NYLON", HotendTargetC: 260, BedTargetC: 90, MaxHotendC: 290, NeedsChamber: true, NeedsDrying: true},
	"PC":    {Name: "PC", HotendTargetC: 280, BedTargetC: 110, MaxHotendC: 310, NeedsChamber: true, NeedsDrying: true},
	"PVA":   {Name: "PVA", HotendTargetC: 200, BedTargetC: 60, MaxHotendC: 220, NeedsDrying: true},
	"PLA-CF": {Name: "PLA-CF", HotendTargetC: 220, BedTargetC: 60, MaxHotendC: 240,
		Abrasive: true},
	"PETG-CF": {Name: "PETG-CF", HotendTargetC: 250, BedTargetC: 80, MaxHotendC: 270,
		NeedsDrying: true, Abrasive: true},
}

// substitutions ranks fallback materials, best first.
var substitutions = map[string][]string{
	"PLA":   {"PETG", "PLA-CF"},
	"PETG":  {"PLA", "ABS"},
	"ABS":   {"ASA", "PETG"},
	"ASA":   {"ABS", "PETG"},
	"TPU":   {},
	"NYLON": {"PETG-CF", "PC"},
	"PC":    {"NYLON", "ABS"},
}

// Lookup returns the profile for a material, case-insensitive.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fault.Newf(fault.KindNotFound, "materials: unknown material %q", name)
	}
	return p, nil
}

// Known lists supported material names sorted.
func Known() []string {
	out := make([]string, 0, len(profiles))
	for k := range profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Substitutes returns ranked alternatives for a material, filtered to
// those a printer supports when supported is non-empty.
func Substitutes(name string, supported []string) ([]Profile, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if _, ok := profiles[key]; !ok {
		return nil, fault.Newf(fault.KindNotFound, "materials: unknown material %q", name)
	}

	allowed := func(m string) bool {
		if len(supported) == 0 {
			return true
		}
		for _, s := range supported {
			if strings.EqualFold(s, m) {
				return true
			}
		}
		return false
	}

	var out []Profile
	for _, sub := range substitutions[key] {
		if allowed(sub) {
			out = append(out, profiles[sub])
		}
	}
	return out, nil
}

// WithinTolerance reports whether an actual temperature is close enough
// to the material target to start printing.
func WithinTolerance(actual, target, tolerance float64) bool {
	d := actual - target
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
