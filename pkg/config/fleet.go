package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// PrinterEntry declares one printer in the fleet file.
type PrinterEntry struct {
	Name      string `yaml:"name" json:"name"`
	Backend   string `yaml:"backend" json:"backend"`
	Host      string `yaml:"host" json:"host"`
	APIKeyRef string `yaml:"api_key_ref" json:"api_key_ref"`
	Model     string `yaml:"model" json:"model"`
}

// SafetyOverride tunes one printer's safety envelope.
type SafetyOverride struct {
	MaxHotendC  float64 `yaml:"max_hotend_c" json:"max_hotend_c"`
	MaxBedC     float64 `yaml:"max_bed_c" json:"max_bed_c"`
	MaxChamberC float64 `yaml:"max_chamber_c" json:"max_chamber_c"`
}

// FleetConfig is the parsed fleet definition file.
type FleetConfig struct {
	DefaultPrinter string                    `yaml:"default_printer" json:"default_printer"`
	Printers       []PrinterEntry            `yaml:"printers" json:"printers"`
	SafetyProfiles map[string]SafetyOverride `yaml:"safety_profiles" json:"safety_profiles"`
}

// knownBackends mirrors the adapter registry. Kept local so a fleet
// file can be validated without constructing adapters.
var knownBackends = map[string]bool{
	"octoprint": true,
	"moonraker": true,
	"prusalink": true,
	"virtual":   true,
}

// LoadFleet reads and validates a fleet definition.
func LoadFleet(path string) (*FleetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load fleet %q: %w", path, err)
	}

	var fc FleetConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse fleet %q: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks the fleet definition for internal consistency.
func (fc *FleetConfig) Validate() error {
	if len(fc.Printers) == 0 {
		return fault.New(fault.KindValidation, "fleet config declares no printers")
	}

	seen := make(map[string]bool, len(fc.Printers))
	for i, p := range fc.Printers {
		if p.Name == "" {
			return fault.Newf(fault.KindValidation, "printer %d has no name", i)
		}
		if seen[p.Name] {
			return fault.Newf(fault.KindValidation, "duplicate printer name %q", p.Name)
		}
		seen[p.Name] = true
		if !knownBackends[p.Backend] {
			return fault.Newf(fault.KindValidation, "printer %q has unknown backend %q", p.Name, p.Backend)
		}
		if p.Backend != "virtual" && p.Host == "" {
			return fault.Newf(fault.KindValidation, "printer %q has no host", p.Name)
		}
	}

	if fc.DefaultPrinter != "" && !seen[fc.DefaultPrinter] {
		return fault.Newf(fault.KindValidation, "default printer %q is not declared", fc.DefaultPrinter)
	}
	return nil
}

// Printer returns the entry with the given name, or nil.
func (fc *FleetConfig) Printer(name string) *PrinterEntry {
	for i := range fc.Printers {
		if fc.Printers[i].Name == name {
			return &fc.Printers[i]
		}
	}
	return nil
}
