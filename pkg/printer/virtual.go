package printer

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

// Virtual is an in-memory printer used by tests, the calibration pipeline,
// and local dry-runs. It honours the full Adapter contract, including
// capability gating and safety-profile clamping.
type Virtual struct {
	mu      sync.Mutex
	name    string
	profile *SafetyProfile
	caps    Capabilities

	status     Status
	toolTemp   Temperature
	bedTemp    Temperature
	files      map[string]File
	activeFile string
	completion float64
	startedAt  time.Time
	gcodeLog   []string

	// Failure injection for safety-coordinator tests.
	FailEmergencyStop bool
	FailGcode         bool
}

// NewVirtual creates an idle virtual FDM printer.
func NewVirtual(name string) *Virtual {
	return &Virtual{
		name:   name,
		status: StatusIdle,
		files:  make(map[string]File),
		caps: Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanSnapshot:         true,
			DeviceType:          DeviceFDM,
			SupportedExtensions: []string{"gcode", "gco"},
		},
	}
}

func (v *Virtual) Name() string               { return v.name }
func (v *Virtual) Backend() string            { return "virtual" }
func (v *Virtual) Capabilities() Capabilities { return v.caps }

// SetCapabilities overrides the advertised capabilities (tests).
func (v *Virtual) SetCapabilities(c Capabilities) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.caps = c
}

func (v *Virtual) SetSafetyProfile(p *SafetyProfile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.profile = p
}

// SetStatus forces the reported status (tests).
func (v *Virtual) SetStatus(s Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = s
}

// SetCompletion forces the reported completion percentage (tests).
func (v *Virtual) SetCompletion(pct float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.completion = pct
}

// SetTemps forces the reported temperatures (tests).
func (v *Virtual) SetTemps(tool, bed Temperature) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toolTemp, v.bedTemp = tool, bed
}

// GcodeLog returns every command received, in order.
func (v *Virtual) GcodeLog() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.gcodeLog...)
}

func (v *Virtual) GetState(ctx context.Context) (State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tool, bed := v.toolTemp, v.bedTemp
	return State{
		Connected: v.status != StatusOffline,
		Status:    v.status,
		Tool:      &tool,
		Bed:       &bed,
	}, nil
}

func (v *Virtual) GetJob(ctx context.Context) (JobProgress, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.activeFile == "" {
		return NoActiveJob(), nil
	}
	completion := v.completion
	elapsed := int64(time.Since(v.startedAt).Seconds())
	return JobProgress{FileName: v.activeFile, Completion: &completion, ElapsedSec: &elapsed}, nil
}

func (v *Virtual) ListFiles(ctx context.Context) ([]File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]File, 0, len(v.files))
	for _, f := range v.files {
		out = append(out, f)
	}
	return out, nil
}

func (v *Virtual) UploadFile(ctx context.Context, localPath string) (UploadResult, error) {
	if !v.caps.CanUpload {
		return UploadResult{}, ErrUnsupported(v.name, "upload")
	}
	name := filepath.Base(localPath)
	v.mu.Lock()
	v.files[name] = File{Name: name, Path: name, Modified: time.Now().UTC()}
	v.mu.Unlock()
	return UploadResult{RemoteName: name, Location: "local"}, nil
}

func (v *Virtual) StartPrint(ctx context.Context, remoteName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == StatusPrinting {
		return ErrBusy(v.name)
	}
	v.activeFile = remoteName
	v.status = StatusPrinting
	v.completion = 0
	v.startedAt = time.Now()
	return nil
}

func (v *Virtual) CancelPrint(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.activeFile = ""
	v.status = StatusIdle
	return nil
}

func (v *Virtual) PausePrint(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != StatusPrinting {
		return ErrBusy(v.name)
	}
	v.status = StatusPaused
	return nil
}

func (v *Virtual) ResumePrint(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status != StatusPaused {
		return ErrBusy(v.name)
	}
	v.status = StatusPrinting
	return nil
}

func (v *Virtual) EmergencyStop(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailEmergencyStop {
		return ErrUnreachable(v.name)
	}
	v.activeFile = ""
	v.status = StatusError
	return nil
}

func (v *Virtual) SetToolTemp(ctx context.Context, targetC float64) error {
	if !v.caps.CanSetTemp {
		return ErrUnsupported(v.name, "set tool temperature")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.toolTemp.Target = v.profile.ClampHotend(targetC)
	return nil
}

func (v *Virtual) SetBedTemp(ctx context.Context, targetC float64) error {
	if !v.caps.CanSetTemp {
		return ErrUnsupported(v.name, "set bed temperature")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bedTemp.Target = v.profile.ClampBed(targetC)
	return nil
}

func (v *Virtual) SendGcode(ctx context.Context, commands []string) (bool, error) {
	if !v.caps.CanSendGcode {
		return false, ErrUnsupported(v.name, "gcode")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailGcode {
		return false, ErrUnreachable(v.name)
	}
	v.gcodeLog = append(v.gcodeLog, commands...)
	return true, nil
}

// GetSnapshot returns a tiny stand-in JPEG payload.
func (v *Virtual) GetSnapshot(ctx context.Context) ([]byte, error) {
	if !v.caps.CanSnapshot {
		return nil, ErrUnsupported(v.name, "snapshot")
	}
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

func (v *Virtual) GetStreamURL(ctx context.Context) (string, error) {
	if !v.caps.CanStream {
		return "", ErrUnsupported(v.name, "stream")
	}
	return "http://" + v.name + ".local/stream", nil
}
