package printer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// PrusaLink speaks the Prusa Link v1 API (MK4, XL, MINI) with X-Api-Key
// auth. File identifiers use the 8.3 short names returned by listings,
// and the adapter falls back between the usb and local storage roots.
type PrusaLink struct {
	name    string
	client  *Client
	apiKey  string
	profile *SafetyProfile
	caps    Capabilities
}

// NewPrusaLink creates an adapter for a Prusa Link printer.
func NewPrusaLink(name, host, apiKey string, opts ...ClientOption) *PrusaLink {
	return &PrusaLink{
		name:   name,
		client: NewClient(host, opts...),
		apiKey: apiKey,
		caps: Capabilities{
			CanUpload:           true,
			CanSetTemp:          false, // Prusa Link v1 exposes no temperature-set endpoint
			CanSendGcode:        false,
			CanPause:            true,
			DeviceType:          DeviceFDM,
			SupportedExtensions: []string{"gcode", "bgcode"},
		},
	}
}

func (p *PrusaLink) Name() string               { return p.name }
func (p *PrusaLink) Backend() string            { return "prusalink" }
func (p *PrusaLink) Capabilities() Capabilities { return p.caps }

func (p *PrusaLink) SetSafetyProfile(sp *SafetyProfile) { p.profile = sp }

func (p *PrusaLink) headers() map[string]string {
	return map[string]string{"X-Api-Key": p.apiKey}
}

type prusaStatus struct {
	Printer struct {
		State        string  `json:"state"`
		TempNozzle   float64 `json:"temp_nozzle"`
		TargetNozzle float64 `json:"target_nozzle"`
		TempBed      float64 `json:"temp_bed"`
		TargetBed    float64 `json:"target_bed"`
	} `json:"printer"`
	Job *struct {
		ID            int      `json:"id"`
		Progress      *float64 `json:"progress"`
		TimePrinting  *int64   `json:"time_printing"`
		TimeRemaining *int64   `json:"time_remaining"`
	} `json:"job"`
}

func (p *PrusaLink) status(ctx context.Context) (prusaStatus, error) {
	var st prusaStatus
	err := p.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/api/v1/status", Headers: p.headers(),
	}, &st)
	return st, err
}

func (p *PrusaLink) GetState(ctx context.Context) (State, error) {
	st, err := p.status(ctx)
	if err != nil {
		if fault.Is(err, fault.KindPrinterUnreachable) || fault.Is(err, fault.KindTimeout) {
			return State{Connected: false, Status: StatusOffline}, nil
		}
		return State{}, err
	}
	return State{
		Connected: true,
		Status:    mapPrusaState(st.Printer.State),
		Tool:      &Temperature{Actual: st.Printer.TempNozzle, Target: st.Printer.TargetNozzle},
		Bed:       &Temperature{Actual: st.Printer.TempBed, Target: st.Printer.TargetBed},
	}, nil
}

func mapPrusaState(s string) Status {
	switch strings.ToUpper(s) {
	case "IDLE", "READY", "FINISHED", "STOPPED":
		return StatusIdle
	case "PRINTING":
		return StatusPrinting
	case "PAUSED":
		return StatusPaused
	case "ERROR", "ATTENTION":
		return StatusError
	case "BUSY":
		return StatusBusy
	default:
		return StatusUnknown
	}
}

func (p *PrusaLink) GetJob(ctx context.Context) (JobProgress, error) {
	var resp struct {
		ID   int `json:"id"`
		File struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
		} `json:"file"`
		Progress      *float64 `json:"progress"`
		TimePrinting  *int64   `json:"time_printing"`
		TimeRemaining *int64   `json:"time_remaining"`
	}
	err := p.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/api/v1/job", Headers: p.headers(),
	}, &resp)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return NoActiveJob(), nil
		}
		return JobProgress{}, err
	}
	name := resp.File.DisplayName
	if name == "" {
		name = resp.File.Name
	}
	return JobProgress{
		FileName:   name,
		Completion: resp.Progress,
		ElapsedSec: resp.TimePrinting,
		RemainSec:  resp.TimeRemaining,
	}, nil
}

// storageRoots orders the storage roots to try; prints usually live on usb.
var storageRoots = []string{"usb", "local"}

// ListFiles lists the first storage root that answers, falling back
// usb → local.
func (p *PrusaLink) ListFiles(ctx context.Context) ([]File, error) {
	var lastErr error
	for _, root := range storageRoots {
		files, err := p.listRoot(ctx, root)
		if err == nil {
			return files, nil
		}
		if !fault.Is(err, fault.KindNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *PrusaLink) listRoot(ctx context.Context, root string) ([]File, error) {
	var resp struct {
		Children []struct {
			Name        string `json:"name"` // 8.3 short name, the only valid identifier
			DisplayName string `json:"display_name"`
			Size        int64  `json:"size"`
		} `json:"children"`
	}
	if err := p.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/api/v1/files/" + root, Headers: p.headers(),
	}, &resp); err != nil {
		return nil, err
	}
	files := make([]File, 0, len(resp.Children))
	for _, f := range resp.Children {
		files = append(files, File{
			Name: f.Name, // short name is what StartPrint needs
			Path: root + "/" + f.Name,
			SizeBytes: f.Size,
		})
	}
	return files, nil
}

func (p *PrusaLink) UploadFile(ctx context.Context, localPath string) (UploadResult, error) {
	fileName := filepath.Base(localPath)
	var lastErr error
	for _, root := range storageRoots {
		res, err := p.uploadToRoot(ctx, root, fileName, localPath)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !fault.Is(err, fault.KindNotFound) {
			break
		}
	}
	return UploadResult{}, lastErr
}

func (p *PrusaLink) uploadToRoot(ctx context.Context, root, fileName, localPath string) (UploadResult, error) {
	bodyFunc := func() (io.Reader, string, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, "", fault.Wrap(fault.KindNotFound, "read local file", err)
		}
		return f, "application/octet-stream", nil
	}
	headers := p.headers()
	headers["Overwrite"] = "?1"

	_, _, err := p.client.Do(ctx, Request{
		Method: "PUT", Path: "/api/v1/files/" + root + "/" + url.PathEscape(fileName),
		Headers: headers, BodyFunc: bodyFunc,
	})
	if err != nil {
		return UploadResult{}, err
	}

	// The printer stores the file under an 8.3 short name; resolve it from
	// the listing so later StartPrint calls use a valid identifier.
	remote := fileName
	if files, lerr := p.listRoot(ctx, root); lerr == nil {
		for _, f := range files {
			if strings.EqualFold(f.Name, fileName) || shortNameMatches(f.Name, fileName) {
				remote = f.Name
				break
			}
		}
	}
	return UploadResult{RemoteName: remote, Location: root}, nil
}

// shortNameMatches heuristically pairs an 8.3 name like "BENCH~1.GCO"
// with its display name.
func shortNameMatches(short, display string) bool {
	if !strings.Contains(short, "~") {
		return false
	}
	prefix := strings.SplitN(short, "~", 2)[0]
	return strings.HasPrefix(strings.ToUpper(display), strings.ToUpper(prefix))
}

// StartPrint expects the 8.3 short name returned by ListFiles/UploadFile.
func (p *PrusaLink) StartPrint(ctx context.Context, remoteName string) error {
	var lastErr error
	for _, root := range storageRoots {
		_, _, err := p.client.Do(ctx, Request{
			Method: "POST", Path: "/api/v1/files/" + root + "/" + url.PathEscape(remoteName),
			Headers: p.headers(),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !fault.Is(err, fault.KindNotFound) {
			break
		}
	}
	return lastErr
}

func (p *PrusaLink) currentJobID(ctx context.Context) (int, error) {
	st, err := p.status(ctx)
	if err != nil {
		return 0, err
	}
	if st.Job == nil {
		return 0, fault.New(fault.KindNotFound, "no active job")
	}
	return st.Job.ID, nil
}

func (p *PrusaLink) CancelPrint(ctx context.Context) error {
	id, err := p.currentJobID(ctx)
	if err != nil {
		return err
	}
	_, _, err = p.client.Do(ctx, Request{
		Method: "DELETE", Path: fmt.Sprintf("/api/v1/job/%d", id), Headers: p.headers(),
	})
	return err
}

func (p *PrusaLink) PausePrint(ctx context.Context) error {
	id, err := p.currentJobID(ctx)
	if err != nil {
		return err
	}
	_, _, err = p.client.Do(ctx, Request{
		Method: "PUT", Path: fmt.Sprintf("/api/v1/job/%d/pause", id), Headers: p.headers(),
	})
	return err
}

func (p *PrusaLink) ResumePrint(ctx context.Context) error {
	id, err := p.currentJobID(ctx)
	if err != nil {
		return err
	}
	_, _, err = p.client.Do(ctx, Request{
		Method: "PUT", Path: fmt.Sprintf("/api/v1/job/%d/resume", id), Headers: p.headers(),
	})
	return err
}

// EmergencyStop cancels the job; Prusa Link has no raw G-code channel so
// the safety coordinator's G-code fallback cannot apply here either.
func (p *PrusaLink) EmergencyStop(ctx context.Context) error {
	err := p.CancelPrint(ctx)
	if fault.Is(err, fault.KindNotFound) {
		return nil // nothing printing; treat as stopped
	}
	return err
}

func (p *PrusaLink) SetToolTemp(ctx context.Context, targetC float64) error {
	return ErrUnsupported(p.name, "set tool temperature")
}

func (p *PrusaLink) SetBedTemp(ctx context.Context, targetC float64) error {
	return ErrUnsupported(p.name, "set bed temperature")
}

func (p *PrusaLink) SendGcode(ctx context.Context, commands []string) (bool, error) {
	return false, ErrUnsupported(p.name, "gcode")
}
