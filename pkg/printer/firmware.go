package printer

import (
	"github.com/Masterminds/semver/v3"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// FirmwareStatus reports per-component firmware versions as exposed by a
// vendor API (Moonraker update manager, OctoPrint softwareupdate plugin).
type FirmwareStatus struct {
	Components map[string]FirmwareComponent `json:"components"`
}

// FirmwareComponent is one updatable component.
type FirmwareComponent struct {
	Name             string `json:"name"`
	CurrentVersion   string `json:"current_version"`
	AvailableVersion string `json:"available_version,omitempty"`
	RollbackVersion  string `json:"rollback_version,omitempty"`
}

// UpdateAvailable reports whether the advertised version is strictly newer
// than the installed one. Unparseable versions compare lexically unequal
// as "update available" only when the strings differ.
func (c FirmwareComponent) UpdateAvailable() bool {
	if c.AvailableVersion == "" {
		return false
	}
	cur, err1 := semver.NewVersion(c.CurrentVersion)
	avail, err2 := semver.NewVersion(c.AvailableVersion)
	if err1 != nil || err2 != nil {
		return c.AvailableVersion != c.CurrentVersion
	}
	return avail.GreaterThan(cur)
}

// ValidateUpdate rejects downgrades masquerading as updates. Rollback has
// its own entry point; a regular update must move forward.
func (c FirmwareComponent) ValidateUpdate() error {
	if c.AvailableVersion == "" {
		return fault.Newf(fault.KindValidation, "component %s has no available version", c.Name)
	}
	cur, err1 := semver.NewVersion(c.CurrentVersion)
	avail, err2 := semver.NewVersion(c.AvailableVersion)
	if err1 != nil || err2 != nil {
		return nil // vendor uses non-semver tags; trust the vendor ordering
	}
	if !avail.GreaterThan(cur) {
		return fault.Newf(fault.KindValidation,
			"component %s: available %s is not newer than installed %s",
			c.Name, c.AvailableVersion, c.CurrentVersion)
	}
	return nil
}
