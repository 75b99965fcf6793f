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
	"strings"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// OctoPrint speaks the OctoPrint REST API with X-Api-Key auth.
type OctoPrint struct {
	name    string
	client  *Client
	apiKey  string
	profile *SafetyProfile
	caps    Capabilities
}

// NewOctoPrint creates an adapter for an OctoPrint instance.
func NewOctoPrint(name, host, apiKey string, opts ...ClientOption) *OctoPrint {
	return &OctoPrint{
		name:   name,
		client: NewClient(host, opts...),
		apiKey: apiKey,
		caps: Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanStream:           true,
			CanSnapshot:         true,
			DeviceType:          DeviceFDM,
			SupportedExtensions: []string{"gcode", "gco", "g"},
		},
	}
}

func (o *OctoPrint) Name() string               { return o.name }
func (o *OctoPrint) Backend() string            { return "octoprint" }
func (o *OctoPrint) Capabilities() Capabilities { return o.caps }

func (o *OctoPrint) SetSafetyProfile(p *SafetyProfile) { o.profile = p }

func (o *OctoPrint) headers() map[string]string {
	return map[string]string{"X-Api-Key": o.apiKey}
}

type octoPrinterResponse struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational bool `json:"operational"`
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Pausing     bool `json:"pausing"`
			Cancelling  bool `json:"cancelling"`
			Error       bool `json:"error"`
			Ready       bool `json:"ready"`
		} `json:"flags"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual float64 `json:"actual"`
		Target float64 `json:"target"`
	} `json:"temperature"`
}

// GetState tolerates transient network failure by reporting an offline
// snapshot instead of an error.
func (o *OctoPrint) GetState(ctx context.Context) (State, error) {
	var resp octoPrinterResponse
	err := o.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/api/printer", Headers: o.headers(),
	}, &resp)
	if err != nil {
		if fault.Is(err, fault.KindPrinterUnreachable) || fault.Is(err, fault.KindTimeout) {
			return State{Connected: false, Status: StatusOffline}, nil
		}
		// 409 means "printer not operational" on this endpoint.
		if fault.Is(err, fault.KindPrinterBusy) {
			return State{Connected: false, Status: StatusOffline}, nil
		}
		return State{}, err
	}

	st := State{Connected: true, Status: o.mapState(resp)}
	if t, ok := resp.Temperature["tool0"]; ok {
		st.Tool = &Temperature{Actual: t.Actual, Target: t.Target}
	}
	if b, ok := resp.Temperature["bed"]; ok {
		st.Bed = &Temperature{Actual: b.Actual, Target: b.Target}
	}
	if c, ok := resp.Temperature["chamber"]; ok {
		st.Chamber = &Temperature{Actual: c.Actual, Target: c.Target}
	}
	return st, nil
}

func (o *OctoPrint) mapState(resp octoPrinterResponse) Status {
	f := resp.State.Flags
	switch {
	case f.Cancelling:
		return StatusCancelling
	case f.Printing:
		return StatusPrinting
	case f.Paused, f.Pausing:
		return StatusPaused
	case f.Error:
		return StatusError
	case f.Operational && f.Ready:
		return StatusIdle
	case f.Operational:
		return StatusBusy
	default:
		return StatusUnknown
	}
}

func (o *OctoPrint) GetJob(ctx context.Context) (JobProgress, error) {
	var resp struct {
		Job struct {
			File struct {
				Name string `json:"name"`
			} `json:"file"`
		} `json:"job"`
		Progress struct {
			Completion    *float64 `json:"completion"`
			PrintTime     *int64   `json:"printTime"`
			PrintTimeLeft *int64   `json:"printTimeLeft"`
		} `json:"progress"`
	}
	if err := o.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/api/job", Headers: o.headers(),
	}, &resp); err != nil {
		return JobProgress{}, err
	}
	if resp.Job.File.Name == "" && resp.Progress.Completion == nil {
		return NoActiveJob(), nil
	}
	return JobProgress{
		FileName:   resp.Job.File.Name,
		Completion: resp.Progress.Completion,
		ElapsedSec: resp.Progress.PrintTime,
		RemainSec:  resp.Progress.PrintTimeLeft,
	}, nil
}

func (o *OctoPrint) ListFiles(ctx context.Context) ([]File, error) {
	var resp struct {
		Files []struct {
			Name string `json:"name"`
			Path string `json:"path"`
			Size int64  `json:"size"`
			Date int64  `json:"date"`
		} `json:"files"`
	}
	if err := o.client.DoJSON(ctx, Request{
		Method: "GET", Path: "/api/files/local", Headers: o.headers(),
	}, &resp); err != nil {
		return nil, err
	}
	files := make([]File, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, File{
			Name: f.Name, Path: f.Path, SizeBytes: f.Size,
			Modified: time.Unix(f.Date, 0).UTC(),
		})
	}
	return files, nil
}

func (o *OctoPrint) UploadFile(ctx context.Context, localPath string) (UploadResult, error) {
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
		Files struct {
			Local struct {
				Name string `json:"name"`
				Path string `json:"path"`
			} `json:"local"`
		} `json:"files"`
	}
	if err := o.client.DoJSON(ctx, Request{
		Method: "POST", Path: "/api/files/local",
		Headers: o.headers(), BodyFunc: bodyFunc,
	}, &resp); err != nil {
		return UploadResult{}, err
	}

	remote := resp.Files.Local.Name
	if remote == "" {
		remote = fileName
	}
	return UploadResult{RemoteName: remote, Location: "local"}, nil
}

func (o *OctoPrint) StartPrint(ctx context.Context, remoteName string) error {
	body := []byte(`{"command":"select","print":true}`)
	_, _, err := o.client.Do(ctx, Request{
		Method: "POST", Path: "/api/files/local/" + url.PathEscape(remoteName),
		Headers: o.headers(), Body: body, ContentType: "application/json",
	})
	return err
}

func (o *OctoPrint) jobCommand(ctx context.Context, payload string) error {
	_, _, err := o.client.Do(ctx, Request{
		Method: "POST", Path: "/api/job",
		Headers: o.headers(), Body: []byte(payload), ContentType: "application/json",
	})
	return err
}

func (o *OctoPrint) CancelPrint(ctx context.Context) error {
	return o.jobCommand(ctx, `{"command":"cancel"}`)
}

func (o *OctoPrint) PausePrint(ctx context.Context) error {
	return o.jobCommand(ctx, `{"command":"pause","action":"pause"}`)
}

func (o *OctoPrint) ResumePrint(ctx context.Context) error {
	return o.jobCommand(ctx, `{"command":"pause","action":"resume"}`)
}

// EmergencyStop sends M112 straight through the command endpoint. No
// cooldown sequencing: firmware halts immediately.
func (o *OctoPrint) EmergencyStop(ctx context.Context) error {
	ok, err := o.SendGcode(ctx, []string{"M112"})
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.KindPrinterUnreachable, "printer %s rejected M112", o.name)
	}
	return nil
}

func (o *OctoPrint) SetToolTemp(ctx context.Context, targetC float64) error {
	targetC = o.profile.ClampHotend(targetC)
	body := fmt.Sprintf(`{"command":"target","targets":{"tool0":%g}}`, targetC)
	_, _, err := o.client.Do(ctx, Request{
		Method: "POST", Path: "/api/printer/tool",
		Headers: o.headers(), Body: []byte(body), ContentType: "application/json",
	})
	return err
}

func (o *OctoPrint) SetBedTemp(ctx context.Context, targetC float64) error {
	targetC = o.profile.ClampBed(targetC)
	body := fmt.Sprintf(`{"command":"target","target":%g}`, targetC)
	_, _, err := o.client.Do(ctx, Request{
		Method: "POST", Path: "/api/printer/bed",
		Headers: o.headers(), Body: []byte(body), ContentType: "application/json",
	})
	return err
}

// SendGcode posts a multi-command batch in one request, preserving order.
func (o *OctoPrint) SendGcode(ctx context.Context, commands []string) (bool, error) {
	if !o.caps.CanSendGcode {
		return false, ErrUnsupported(o.name, "gcode")
	}
	quoted := make([]string, len(commands))
	for i, c := range commands {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	body := fmt.Sprintf(`{"commands":[%s]}`, strings.Join(quoted, ","))
	_, status, err := o.client.Do(ctx, Request{
		Method: "POST", Path: "/api/printer/command",
		Headers: o.headers(), Body: []byte(body), ContentType: "application/json",
	})
	if err != nil {
		return false, err
	}
	return status < 300, nil
}

// GetSnapshot fetches a webcam still through the classic mjpg-streamer path.
func (o *OctoPrint) GetSnapshot(ctx context.Context) ([]byte, error) {
	if !o.caps.CanSnapshot {
		return nil, ErrUnsupported(o.name, "snapshot")
	}
	data, _, err := o.client.Do(ctx, Request{
		Method: "GET", Path: "/webcam/?action=snapshot", Headers: o.headers(),
	})
	return data, err
}

func (o *OctoPrint) GetStreamURL(ctx context.Context) (string, error) {
	if !o.caps.CanStream {
		return "", ErrUnsupported(o.name, "stream")
	}
	return o.client.Host() + "/webcam/?action=stream", nil
}

// FirmwareResumePrint replays the power-loss resume batch.
func (o *OctoPrint) FirmwareResumePrint(ctx context.Context, p ResumeParams) error {
	ok, err := o.SendGcode(ctx, ResumeSequence(p))
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.KindPrinterUnreachable, "printer %s rejected resume batch", o.name)
	}
	return nil
}
