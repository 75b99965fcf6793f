package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kiln-farm/kiln/pkg/config"
	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/observability"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/queue"
	"github.com/kiln-farm/kiln/pkg/scheduler"
	"github.com/kiln-farm/kiln/pkg/watcher"
)

// PrinterStatus is one printer's combined state and job snapshot.
type PrinterStatus struct {
	Name    string              `json:"name"`
	Backend string              `json:"backend"`
	Default bool                `json:"default,omitempty"`
	State   printer.State       `json:"state"`
	Job     printer.JobProgress `json:"job,omitzero"`
}

// ConnectPrinter adds a printer to the fleet. A non-empty apiKey is
// sealed into the credential store under "printer-<name>" and only the
// reference is persisted with the printer record.
func (s *Service) ConnectPrinter(ctx context.Context, name, backend, host, apiKey string) (printer.Adapter, error) {
	credRef := ""
	if apiKey != "" {
		credRef = "printer-" + name
		if err := s.creds.Save(ctx, credRef, backend, apiKey); err != nil {
			return nil, fmt.Errorf("failed to store printer credential: %w", err)
		}
	}
	return s.registry.Connect(ctx, name, backend, host, apiKey, credRef)
}

// DisconnectPrinter removes a printer and its stored credential.
func (s *Service) DisconnectPrinter(ctx context.Context, name string) error {
	if err := s.registry.Disconnect(ctx, name); err != nil {
		return err
	}
	if err := s.creds.Delete(ctx, "printer-"+name); err != nil && !fault.Is(err, fault.KindNotFound) {
		return fmt.Errorf("failed to delete printer credential: %w", err)
	}
	return nil
}

// ConnectFleet connects every printer declared in a fleet definition
// file. API keys are resolved from the credential store by reference,
// and per-model safety overrides are applied as adapter profiles.
func (s *Service) ConnectFleet(ctx context.Context, path string) ([]string, error) {
	fc, err := config.LoadFleet(path)
	if err != nil {
		return nil, err
	}

	var connected []string
	for _, entry := range fc.Printers {
		apiKey := ""
		if entry.APIKeyRef != "" {
			apiKey, err = s.creds.Get(ctx, entry.APIKeyRef)
			if err != nil {
				return connected, fmt.Errorf("failed to resolve credential %q for %q: %w", entry.APIKeyRef, entry.Name, err)
			}
		}
		adapter, err := s.registry.Connect(ctx, entry.Name, entry.Backend, entry.Host, apiKey, entry.APIKeyRef)
		if err != nil {
			return connected, fmt.Errorf("failed to connect %q: %w", entry.Name, err)
		}
		if ov, ok := fc.SafetyProfiles[entry.Model]; ok {
			adapter.SetSafetyProfile(&printer.SafetyProfile{
				ID:            entry.Model,
				MaxHotendTemp: ov.MaxHotendC,
				MaxBedTemp:    ov.MaxBedC,
			})
		}
		connected = append(connected, entry.Name)
	}

	if fc.DefaultPrinter != "" {
		if err := s.registry.SetDefault(ctx, fc.DefaultPrinter); err != nil {
			return connected, err
		}
	}
	return connected, nil
}

// PrinterStatus fetches one printer's live state. Every probe feeds the
// health tracker.
func (s *Service) PrinterStatus(ctx context.Context, name string) (*PrinterStatus, error) {
	adapter, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return s.probe(ctx, adapter)
}

// FleetStatus probes every connected printer. Unreachable printers are
// reported as offline rather than failing the whole listing.
func (s *Service) FleetStatus(ctx context.Context) []PrinterStatus {
	var out []PrinterStatus
	for _, adapter := range s.registry.List() {
		st, err := s.probe(ctx, adapter)
		if err != nil {
			out = append(out, PrinterStatus{
				Name:    adapter.Name(),
				Backend: adapter.Backend(),
				Default: adapter.Name() == s.registry.DefaultName(),
				State:   printer.State{Status: printer.StatusOffline},
			})
			continue
		}
		out = append(out, *st)
	}
	return out
}

func (s *Service) probe(ctx context.Context, adapter printer.Adapter) (*PrinterStatus, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "printer.probe",
		observability.PrinterOperation(adapter.Name(), adapter.Backend(), "")...)
	start := time.Now()
	state, err := adapter.GetState(ctx)
	finish(err)
	s.health.Record(observationFor(adapter.Name(), time.Since(start), err == nil))
	if err != nil {
		return nil, err
	}

	st := &PrinterStatus{
		Name:    adapter.Name(),
		Backend: adapter.Backend(),
		Default: adapter.Name() == s.registry.DefaultName(),
		State:   state,
	}
	if state.Status == printer.StatusPrinting || state.Status == printer.StatusPaused {
		if job, err := adapter.GetJob(ctx); err == nil {
			st.Job = job
		}
	}
	return st, nil
}

// Upload sends a local file to a printer's storage.
func (s *Service) Upload(ctx context.Context, printerName, localPath string) (printer.UploadResult, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return printer.UploadResult{}, err
	}
	return adapter.UploadFile(ctx, localPath)
}

// Files lists a printer's stored files.
func (s *Service) Files(ctx context.Context, printerName string) ([]printer.File, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return nil, err
	}
	return adapter.ListFiles(ctx)
}

// RoutePrinter scores the fleet for a material and returns the best
// printer's name. All sliders sit at neutral.
func (s *Service) RoutePrinter(ctx context.Context, material string) (_ string, err error) {
	ctx, finish := s.obs.TrackOperation(ctx, "scheduler.route")
	defer func() { finish(err) }()

	adapters := s.registry.List()
	if len(adapters) == 0 {
		return "", fault.New(fault.KindNotFound, "service: no printers connected")
	}

	counts := s.queuedPerPrinter()
	candidates := make([]scheduler.PrinterInfo, 0, len(adapters))
	for _, adapter := range adapters {
		info := scheduler.PrinterInfo{
			PrinterID:        adapter.Name(),
			Status:           printer.StatusOffline,
			QueueDepth:       counts[adapter.Name()],
			PrintSpeedFactor: 1.0,
		}
		if state, err := adapter.GetState(ctx); err == nil && state.Connected {
			info.Status = state.Status
		}
		if status, err := s.health.Status(adapter.Name()); err == nil && status.ObservationCount > 0 {
			rate := status.CurrentSuccess
			info.SuccessRate = &rate
		}
		candidates = append(candidates, info)
	}

	result, err := scheduler.Route(ctx, scheduler.RoutingCriteria{
		Material:        material,
		QualityPriority: 3,
		SpeedPriority:   3,
		CostPriority:    3,
	}, candidates)
	if err != nil {
		return "", err
	}
	return result.Recommendation.PrinterID, nil
}

func (s *Service) queuedPerPrinter() map[string]int {
	counts := make(map[string]int)
	for _, job := range s.queue.List(queue.StatusQueued, 0) {
		counts[job.PrinterName]++
	}
	return counts
}

// SubmitJob queues a file. An empty printerName routes by material
// (taken from metadata when present).
func (s *Service) SubmitJob(ctx context.Context, fileName, printerName, submittedBy string, priority int, metadata map[string]any) (*queue.Job, error) {
	if printerName == "" {
		material, _ := metadata["material"].(string)
		routed, err := s.RoutePrinter(ctx, material)
		if err != nil {
			return nil, err
		}
		printerName = routed
	}
	return s.queue.Submit(ctx, fileName, printerName, submittedBy, priority, metadata)
}

// StartJob claims a queued job and starts it on its printer. A start
// failure marks the job failed.
func (s *Service) StartJob(ctx context.Context, jobID string) (err error) {
	job, err := s.queue.Get(jobID)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(job.PrinterName)
	if err != nil {
		return err
	}

	ctx, finish := s.obs.TrackOperation(ctx, "job.start",
		observability.JobOperation(job.ID, string(job.Status), job.FileName, job.PrinterName)...)
	defer func() { finish(err) }()

	if err := s.queue.MarkStarting(ctx, jobID); err != nil {
		return err
	}
	if err := adapter.StartPrint(ctx, job.FileName); err != nil {
		if markErr := s.queue.MarkFailed(ctx, jobID, err.Error()); markErr != nil {
			return fmt.Errorf("start failed (%w) and job could not be marked failed: %v", err, markErr)
		}
		return err
	}
	return s.queue.MarkPrinting(ctx, jobID)
}

// CompleteJob records a job's terminal outcome: queue transition,
// operator reputation, and the per-model calibration sample when the
// job carries an estimate.
func (s *Service) CompleteJob(ctx context.Context, jobID string, success bool, errMsg string) error {
	job, err := s.queue.Get(jobID)
	if err != nil {
		return err
	}

	if success {
		err = s.queue.MarkCompleted(ctx, jobID)
	} else {
		err = s.queue.MarkFailed(ctx, jobID, errMsg)
	}
	if err != nil {
		return err
	}
	status := queue.StatusCompleted
	if !success {
		status = queue.StatusFailed
	}
	s.obs.RecordJobCompleted(ctx,
		observability.JobOperation(job.ID, string(status), job.FileName, job.PrinterName)...)

	if job.SubmittedBy != "" {
		if repErr := s.reputation.RecordOutcome(ctx, job.SubmittedBy, success); repErr != nil {
			return fmt.Errorf("job finalized but reputation update failed: %w", repErr)
		}
	}

	if success && job.StartedAt != nil {
		if estimated, ok := job.Metadata["estimated_s"].(float64); ok && estimated > 0 {
			actual := time.Since(*job.StartedAt).Seconds()
			s.estimator.RecordActual(job.PrinterName, estimated, actual)
		}
	}
	return nil
}

// Preflight runs the safety bundle; gcodePath optionally supplies a
// sliced file for the scanner.
func (s *Service) Preflight(ctx context.Context, printerName, material, gcodePath string) error {
	if printerName == "" {
		printerName = s.registry.DefaultName()
	}
	if gcodePath == "" {
		return s.safety.Preflight(ctx, printerName, material, nil)
	}
	f, err := os.Open(gcodePath)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "service: open gcode file", err)
	}
	defer f.Close()
	return s.safety.Preflight(ctx, printerName, material, f)
}

// Print is the one-shot operation: preflight, upload, queue, start.
func (s *Service) Print(ctx context.Context, printerName, localPath, submittedBy, material string, priority int) (*queue.Job, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return nil, err
	}
	printerName = adapter.Name()

	if err := s.safety.Preflight(ctx, printerName, material, nil); err != nil {
		return nil, err
	}

	uploaded, err := adapter.UploadFile(ctx, localPath)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	if material != "" {
		metadata["material"] = material
	}
	job, err := s.queue.Submit(ctx, uploaded.RemoteName, printerName, submittedBy, priority, metadata)
	if err != nil {
		return nil, err
	}
	if err := s.StartJob(ctx, job.ID); err != nil {
		return nil, err
	}
	return s.queue.Get(job.ID)
}

// CancelPrint cancels the active print on a printer and cancels any
// queue job currently printing there.
func (s *Service) CancelPrint(ctx context.Context, printerName string) error {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return err
	}
	if err := adapter.CancelPrint(ctx); err != nil {
		return err
	}
	for _, job := range s.queue.List("", 0) {
		if job.PrinterName == adapter.Name() && !job.Status.Terminal() {
			if err := s.queue.Cancel(ctx, job.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// PausePrint pauses the active print.
func (s *Service) PausePrint(ctx context.Context, printerName string) error {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return err
	}
	return adapter.PausePrint(ctx)
}

// ResumePrint resumes a paused print.
func (s *Service) ResumePrint(ctx context.Context, printerName string) error {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return err
	}
	return adapter.ResumePrint(ctx)
}

// SetToolTemp sets the hotend target.
func (s *Service) SetToolTemp(ctx context.Context, printerName string, targetC float64) error {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return err
	}
	return adapter.SetToolTemp(ctx, targetC)
}

// SetBedTemp sets the bed target.
func (s *Service) SetBedTemp(ctx context.Context, printerName string, targetC float64) error {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return err
	}
	return adapter.SetBedTemp(ctx, targetC)
}

// SendGcode sends raw commands.
func (s *Service) SendGcode(ctx context.Context, printerName string, commands []string) (bool, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return false, err
	}
	return adapter.SendGcode(ctx, commands)
}

// Snapshot grabs one camera frame from printers that have one.
func (s *Service) Snapshot(ctx context.Context, printerName string) ([]byte, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return nil, err
	}
	source, ok := adapter.(printer.SnapshotSource)
	if !ok {
		return nil, printer.ErrUnsupported(adapter.Name(), "camera snapshots")
	}
	return source.GetSnapshot(ctx)
}

// StartWatch begins a background watch on a printer.
func (s *Service) StartWatch(ctx context.Context, printerName string, cfg watcher.Config) (*watcher.Watcher, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return nil, err
	}
	if cfg.Archiver == nil {
		cfg.Archiver = s.archiver
	}
	return s.watchers.Start(ctx, adapter, cfg), nil
}

// WaitForIdle polls a printer until it leaves printing/paused states or
// ctx expires. It returns the time spent waiting.
func (s *Service) WaitForIdle(ctx context.Context, printerName string) (time.Duration, error) {
	adapter, err := s.registry.Get(printerName)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		state, err := adapter.GetState(ctx)
		if err == nil && state.Connected {
			switch state.Status {
			case printer.StatusPrinting, printer.StatusPaused, printer.StatusCancelling, printer.StatusBusy:
				// still working
			default:
				return time.Since(start), nil
			}
		}
		select {
		case <-ctx.Done():
			return time.Since(start), fault.Wrap(fault.KindTimeout, "service: wait for idle", ctx.Err())
		case <-ticker.C:
		}
	}
}

// History returns persisted jobs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*queue.Job, error) {
	return s.jobStore.ListJobs(ctx, limit)
}

// RecentEvents returns journaled events, optionally filtered by type.
func (s *Service) RecentEvents(ctx context.Context, eventType string, limit int) ([]events.Event, error) {
	return s.eventStore.Recent(ctx, eventType, limit)
}

// observationFor builds one health sample from a state probe.
func observationFor(printerName string, latency time.Duration, success bool) observability.HealthObservation {
	return observability.HealthObservation{
		Printer: printerName,
		Latency: latency,
		Success: success,
	}
}
