package printer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Moonraker speaks the Moonraker API of Klipper hosts.
type Moonraker struct {
	name    string
	client  *Client
	profile *SafetyProfile
	caps    Capabilities
}

// NewMoonraker creates an adapter for a Moonraker instance.
func NewMoonraker(name, host string, opts ...ClientOption) *Moonraker {
	return &Moonraker{
		name:   name,
		client: NewClient(host, opts...),
		caps: Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanProbeBed:         true,
			CanUpdateFirmware:   true,
			CanDetectFilament:   true,
			DeviceType:          DeviceFDM,
			SupportedExtensions: []string{"gcode", "gco", "g"},
		},
	}
}

func (m *Moonraker) Name() string               { return m.name }
func (m *Moonraker) Backend() string            { return "moonraker" }
func (m *Moonraker) Capabilities() Capabilities { return m.caps }

func (m *Moonraker) SetSafetyProfile(p *SafetyProfile) { m.profile = p }

type moonrakerQuery struct {
	Result struct {
		Status struct {
			PrintStats struct {
				State         string  `json:"state"`
				Filename      string  `json:"filename"`
				PrintDuration float64 `json:"print_duration"`
			} `json:"print_stats"`
			DisplayStatus struct {
				Progress float64 `json:"progress"`
			} `json:"display_status"`
			Extruder struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"extruder"`
			HeaterBed struct {
				Temperature float64 `json:"temperature"`
				Target      float64 `json:"target"`
			} `json:"heater_bed"`
		} `json:"status"`
	} `json:"result"`
}

func (m *Moonraker) queryObjects(ctx context.Context) (moonrakerQuery, error) {
	q := url.Values{}
	q.Set("print_stats", "")
	q.Set("display_status", "")
	q.Set("extruder", "")
	q.Set("heater_bed", "")
	var resp moonrakerQuery
	err := m.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/printer/objects/query", Query: q,
	}, &resp)
	return resp, err
}

// GetState combines klippy readiness from /printer/info with the job state
// from print_stats. A ready klippy with print_stats.state "printing" maps
// to printing, not idle.
func (m *Moonraker) GetState(ctx context.Context) (State, error) {
	var info struct {
		Result struct {
			State        string `json:"state"` // klippy_state: ready, error, shutdown, startup
			StateMessage string `json:"state_message"`
		} `json:"result"`
	}
	if err := m.client.DoJSON(ctx, Request{Method: "GET", Path: "/printer/info"}, &info); err != nil {
		if fault.Is(err, fault.KindPrinterUnreachable) || fault.Is(err, fault.KindTimeout) {
			return State{Connected: false, Status: StatusOffline}, nil
		}
		return State{}, err
	}

	query, err := m.queryObjects(ctx)
	if err != nil {
		return State{Connected: true, Status: mapKlippy(info.Result.State, "")}, nil
	}

	s := query.Result.Status
	st := State{
		Connected: true,
		Status:    mapKlippy(info.Result.State, s.PrintStats.State),
		Tool:      &Temperature{Actual: s.Extruder.Temperature, Target: s.Extruder.Target},
		Bed:       &Temperature{Actual: s.HeaterBed.Temperature, Target: s.HeaterBed.Target},
	}
	return st, nil
}

func mapKlippy(klippyState, printState string) Status {
	switch klippyState {
	case "error":
		return StatusError
	case "shutdown":
		return StatusOffline
	case "startup":
		return StatusBusy
	case "ready":
		switch printState {
		case "printing":
			return StatusPrinting
		case "paused":
			return StatusPaused
		case "cancelled", "complete", "standby", "":
			return StatusIdle
		case "error":
			return StatusError
		default:
			return StatusUnknown
		}
	default:
		return StatusUnknown
	}
}

func (m *Moonraker) GetJob(ctx context.Context) (JobProgress, error) {
	query, err := m.queryObjects(ctx)
	if err != nil {
		return JobProgress{}, err
	}
	s := query.Result.Status
	if s.PrintStats.Filename == "" {
		return NoActiveJob(), nil
	}
	completion := s.DisplayStatus.Progress * 100
	elapsed := int64(s.PrintStats.PrintDuration)
	var remain *int64
	if completion > 0 && completion < 100 {
		r := int64(float64(elapsed) * (100 - completion) / completion)
		remain = &r
	}
	return JobProgress{
		FileName:   s.PrintStats.Filename,
		Completion: &completion,
		ElapsedSec: &elapsed,
		RemainSec:  remain,
	}, nil
}

func (m *Moonraker) ListFiles(ctx context.Context) ([]File, error) {
	var resp struct {
		Result []struct {
			Path     string  `json:"path"`
			Size     int64   `json:"size"`
			Modified float64 `json:"modified"`
		} `json:"result"`
	}
	if err := m.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/server/files/list",
	}, &resp); err != nil {
		return nil, err
	}
	files := make([]File, 0, len(resp.Result))
	for _, f := range resp.Result {
		files = append(files, File{
			Name: filepath.Base(f.Path), Path: f.Path, SizeBytes: f.Size,
			Modified: time.Unix(int64(f.Modified), 0).UTC(),
		})
	}
	return files, nil
}

func (m *Moonraker) UploadFile(ctx context.Context, localPath string) (UploadResult, error) {
	fileName := filepath.Base(localPath)
	bodyFunc := func() (io.Reader, string, error) {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return nil, "", fault.Wrap(fault.KindNotFound, "read local file", err)
		}
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}

	var resp struct {
		Item struct {
			Path string `json:"path"`
			Root string `json:"root"`
		} `json:"item"`
	}
	if err := m.client.DoJSON(ctx, Request{
		Method: "POST", Path: "/server/files/upload", BodyFunc: bodyFunc,
	}, &resp); err != nil {
		return UploadResult{}, err
	}
	remote := resp.Item.Path
	if remote == "" {
		remote = fileName
	}
	return UploadResult{RemoteName: remote, Location: resp.Item.Root}, nil
}

func (m *Moonraker) StartPrint(ctx context.Context, remoteName string) error {
	q := url.Values{}
	q.Set("filename", remoteName)
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/printer/print/start", Query: q})
	return err
}

func (m *Moonraker) CancelPrint(ctx context.Context) error {
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/printer/print/cancel"})
	return err
}

func (m *Moonraker) PausePrint(ctx context.Context) error {
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/printer/print/pause"})
	return err
}

func (m *Moonraker) ResumePrint(ctx context.Context) error {
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/printer/print/resume"})
	return err
}

func (m *Moonraker) EmergencyStop(ctx context.Context) error {
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/printer/emergency_stop"})
	return err
}

func (m *Moonraker) runScript(ctx context.Context, script string) error {
	q := url.Values{}
	q.Set("script", script)
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/printer/gcode/script", Query: q})
	return err
}

func (m *Moonraker) SetToolTemp(ctx context.Context, targetC float64) error {
	return m.runScript(ctx, fmt.Sprintf("M104 S%.0f", m.profile.ClampHotend(targetC)))
}

func (m *Moonraker) SetBedTemp(ctx context.Context, targetC float64) error {
	return m.runScript(ctx, fmt.Sprintf("M140 S%.0f", m.profile.ClampBed(targetC)))
}

// SendGcode joins commands with newlines into one script call so the
// batch executes without interleaving.
func (m *Moonraker) SendGcode(ctx context.Context, commands []string) (bool, error) {
	if !m.caps.CanSendGcode {
		return false, ErrUnsupported(m.name, "gcode")
	}
	script := ""
	for i, c := range commands {
		if i > 0 {
			script += "\n"
		}
		script += c
	}
	if err := m.runScript(ctx, script); err != nil {
		return false, err
	}
	return true, nil
}

// GetBedMesh queries the active bed_mesh object.
func (m *Moonraker) GetBedMesh(ctx context.Context) (map[string]any, error) {
	if !m.caps.CanProbeBed {
		return nil, ErrUnsupported(m.name, "bed mesh")
	}
	q := url.Values{}
	q.Set("bed_mesh", "")
	var resp struct {
		Result struct {
			Status map[string]any `json:"status"`
		} `json:"result"`
	}
	if err := m.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/printer/objects/query", Query: q,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Result.Status, nil
}

// GetFilamentStatus queries the filament_switch_sensor objects.
func (m *Moonraker) GetFilamentStatus(ctx context.Context) (map[string]any, error) {
	if !m.caps.CanDetectFilament {
		return nil, ErrUnsupported(m.name, "filament detection")
	}
	q := url.Values{}
	q.Set("filament_switch_sensor fsensor", "")
	var resp struct {
		Result struct {
			Status map[string]any `json:"status"`
		} `json:"result"`
	}
	if err := m.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/printer/objects/query", Query: q,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.Result.Status, nil
}

// GetFirmwareStatus reads the Moonraker update manager.
func (m *Moonraker) GetFirmwareStatus(ctx context.Context) (FirmwareStatus, error) {
	var resp struct {
		Result struct {
			VersionInfo map[string]struct {
				Version       string `json:"version"`
				RemoteVersion string `json:"remote_version"`
				RollbackRef   string `json:"rollback_version"`
			} `json:"version_info"`
		} `json:"result"`
	}
	if err := m.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/machine/update/status",
	}, &resp); err != nil {
		return FirmwareStatus{}, err
	}
	status := FirmwareStatus{Components: make(map[string]FirmwareComponent)}
	for name, v := range resp.Result.VersionInfo {
		status.Components[name] = FirmwareComponent{
			Name:             name,
			CurrentVersion:   v.Version,
			AvailableVersion: v.RemoteVersion,
			RollbackVersion:  v.RollbackRef,
		}
	}
	return status, nil
}

func (m *Moonraker) UpdateFirmware(ctx context.Context, component string) error {
	if !m.caps.CanUpdateFirmware {
		return ErrUnsupported(m.name, "firmware update")
	}
	status, err := m.GetFirmwareStatus(ctx)
	if err != nil {
		return err
	}
	c, ok := status.Components[component]
	if !ok {
		return fault.Newf(fault.KindNotFound, "unknown component %q", component)
	}
	if err := c.ValidateUpdate(); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("name", component)
	_, _, err = m.client.Do(ctx, Request{Method: "POST", Path: "/machine/update/client", Query: q})
	return err
}

func (m *Moonraker) RollbackFirmware(ctx context.Context, component string) error {
	if !m.caps.CanUpdateFirmware {
		return ErrUnsupported(m.name, "firmware rollback")
	}
	q := url.Values{}
	q.Set("name", component)
	_, _, err := m.client.Do(ctx, Request{Method: "POST", Path: "/machine/update/rollback", Query: q})
	return err
}

// FirmwareResumePrint replays the power-loss resume batch.
func (m *Moonraker) FirmwareResumePrint(ctx context.Context, p ResumeParams) error {
	_, err := m.SendGcode(ctx, ResumeSequence(p))
	return err
}
