// Package printer defines the uniform operational contract over every
// supported printer vendor, plus the concrete HTTP adapters (OctoPrint,
// Moonraker, Prusa Link) and an in-memory virtual printer.
//
// Adapters wrap all vendor errors into the fault taxonomy with a cause
// chain, and advertise a Capabilities record; features behind a false
// capability flag return an Unsupported fault rather than silently no-op.
package printer

import (
	"context"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Status is the canonical printer status every adapter maps into.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPrinting   Status = "printing"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusOffline    Status = "offline"
	StatusBusy       Status = "busy"
	StatusCancelling Status = "cancelling"
	StatusUnknown    Status = "unknown"
)

// DeviceType classifies the kind of machine behind an adapter.
type DeviceType string

const (
	DeviceFDM     DeviceType = "fdm"
	DeviceSLA     DeviceType = "sla"
	DeviceCNC     DeviceType = "cnc"
	DeviceLaser   DeviceType = "laser"
	DeviceGeneric DeviceType = "generic"
)

// Temperature is an actual/target pair in degrees Celsius.
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// State is an on-demand snapshot of a printer. It is never persisted
// directly, only via events.
type State struct {
	Connected bool         `json:"connected"`
	Status    Status       `json:"status"`
	Tool      *Temperature `json:"tool,omitempty"`
	Bed       *Temperature `json:"bed,omitempty"`
	Chamber   *Temperature `json:"chamber,omitempty"`
}

// JobProgress is an on-demand snapshot of the active print job.
// Nil Completion means the printer did not report one.
type JobProgress struct {
	FileName   string   `json:"file_name,omitempty"`
	Completion *float64 `json:"completion,omitempty"` // 0..100
	ElapsedSec *int64   `json:"elapsed_s,omitempty"`
	RemainSec  *int64   `json:"remaining_s,omitempty"`
}

// NoActiveJob is the sentinel progress returned when the printer is idle.
func NoActiveJob() JobProgress { return JobProgress{} }

// Active reports whether the progress describes a running job.
func (p JobProgress) Active() bool { return p.FileName != "" || p.Completion != nil }

// File describes one file on the printer's storage.
type File struct {
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	SizeBytes int64     `json:"size,omitempty"`
	Modified  time.Time `json:"modified,omitzero"`
}

// UploadResult reports the outcome of an upload. RemoteName may differ
// from the local file name (vendor 8.3 rewrites, storage roots).
type UploadResult struct {
	RemoteName string `json:"remote_name"`
	Location   string `json:"location,omitempty"`
	SizeBytes  int64  `json:"size,omitempty"`
}

// Capabilities advertises what an adapter can do. Operations gated by a
// false flag fail with fault.KindUnsupported.
type Capabilities struct {
	CanUpload           bool       `json:"can_upload"`
	CanSetTemp          bool       `json:"can_set_temp"`
	CanSendGcode        bool       `json:"can_send_gcode"`
	CanPause            bool       `json:"can_pause"`
	CanStream           bool       `json:"can_stream"`
	CanSnapshot         bool       `json:"can_snapshot"`
	CanProbeBed         bool       `json:"can_probe_bed"`
	CanUpdateFirmware   bool       `json:"can_update_firmware"`
	CanDetectFilament   bool       `json:"can_detect_filament"`
	DeviceType          DeviceType `json:"device_type"`
	SupportedExtensions []string   `json:"supported_extensions"`
}

// SupportsExtension reports whether a file extension (with or without the
// leading dot) is printable on this device.
func (c Capabilities) SupportsExtension(ext string) bool {
	if len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	for _, e := range c.SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Adapter is the uniform operational contract. GetState must tolerate
// transient network failure by reporting connected=false status=offline;
// harder errors surface as PrinterUnreachable.
type Adapter interface {
	Name() string
	Backend() string
	Capabilities() Capabilities

	GetState(ctx context.Context) (State, error)
	GetJob(ctx context.Context) (JobProgress, error)
	ListFiles(ctx context.Context) ([]File, error)
	UploadFile(ctx context.Context, localPath string) (UploadResult, error)
	StartPrint(ctx context.Context, remoteName string) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error

	// EmergencyStop is a firmware-level immediate halt, a separate
	// contract from CancelPrint (no cooldown sequence).
	EmergencyStop(ctx context.Context) error

	SetToolTemp(ctx context.Context, targetC float64) error
	SetBedTemp(ctx context.Context, targetC float64) error
	SendGcode(ctx context.Context, commands []string) (bool, error)

	// SetSafetyProfile binds a safety profile whose temperature maxima
	// are intersected with every caller-supplied target.
	SetSafetyProfile(profile *SafetyProfile)
}

// SnapshotSource is implemented by adapters with camera access.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context) ([]byte, error)
	GetStreamURL(ctx context.Context) (string, error)
}

// FirmwareManager is implemented by adapters that expose firmware state.
type FirmwareManager interface {
	GetFirmwareStatus(ctx context.Context) (FirmwareStatus, error)
	UpdateFirmware(ctx context.Context, component string) error
	RollbackFirmware(ctx context.Context, component string) error
}

// BedProber is implemented by adapters that can report a bed mesh.
type BedProber interface {
	GetBedMesh(ctx context.Context) (map[string]any, error)
}

// FilamentSensor is implemented by adapters with runout detection.
type FilamentSensor interface {
	GetFilamentStatus(ctx context.Context) (map[string]any, error)
}

// PowerLossRecoverer is implemented by adapters that can resume a print
// at firmware level from a recorded Z height.
type PowerLossRecoverer interface {
	FirmwareResumePrint(ctx context.Context, p ResumeParams) error
}

// ErrUnsupported builds the standard fault for a capability-gated feature.
func ErrUnsupported(name, feature string) error {
	return fault.Newf(fault.KindUnsupported, "printer %s does not support %s", name, feature)
}

// ErrBusy builds the standard fault for an operation rejected by state.
func ErrBusy(name string) error {
	return fault.Newf(fault.KindPrinterBusy, "printer %s is busy", name)
}

// ErrUnreachable builds the standard fault for an unreachable printer.
func ErrUnreachable(name string) error {
	return fault.Newf(fault.KindPrinterUnreachable, "printer %s is unreachable", name)
}
