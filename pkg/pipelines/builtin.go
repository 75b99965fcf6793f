package pipelines

import (
	"context"
	"fmt"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Deps are the fleet operations the built-in pipelines compose. Each
// field maps to one collaborator call; the service wires the real
// implementations.
type Deps struct {
	// ResolvePrinter maps an optional name to a concrete printer name
	// (the fleet default when empty).
	ResolvePrinter func(ctx context.Context, name string) (string, error)
	// Preflight runs the safety bundle for a printer/material pair.
	Preflight func(ctx context.Context, printerName, material string) error
	// SubmitJob queues a file and returns the job id.
	SubmitJob func(ctx context.Context, fileName, printerName, submittedBy string) (string, error)
	// StartPrint starts a queued job on its printer.
	StartPrint func(ctx context.Context, jobID string) error
	// StartWatch begins watching the printer, returning the watch id.
	StartWatch func(printerName string) (string, error)
	// AwaitIdle blocks until the printer finishes or ctx expires,
	// returning the elapsed print time.
	AwaitIdle func(ctx context.Context, printerName string) (time.Duration, error)
	// EstimateSeconds predicts a file's print time for a printer.
	EstimateSeconds func(printerName, fileName string) float64
	// RecordCalibration feeds one (estimated, actual) pair into the
	// progress estimator's rolling window.
	RecordCalibration func(printerName string, estimatedSec, actualSec float64)
	// ProbeState fetches printer state once, for benchmarking.
	ProbeState func(ctx context.Context, printerName string) error
}

const calibrationFile = "calibration_cube.gcode"

// QuickPrint is route, preflight, queue, start, watch in one shot.
func QuickPrint(d Deps) *Pipeline {
	return &Pipeline{
		Name:        "quick-print",
		Description: "Route a file to a printer, preflight, queue, start, and watch it",
		Steps: []Step{
			{Name: "resolve-printer", Run: func(ctx context.Context, run *Run) error {
				name, err := d.ResolvePrinter(ctx, run.String("printer"))
				if err != nil {
					return err
				}
				run.Values["printer"] = name
				return nil
			}},
			{Name: "preflight", Run: func(ctx context.Context, run *Run) error {
				return d.Preflight(ctx, run.String("printer"), run.String("material"))
			}},
			{Name: "submit", Run: func(ctx context.Context, run *Run) error {
				file := run.String("file")
				if file == "" {
					return fault.New(fault.KindValidation, "quick-print requires a file")
				}
				jobID, err := d.SubmitJob(ctx, file, run.String("printer"), run.String("user"))
				if err != nil {
					return err
				}
				run.Values["job_id"] = jobID
				return nil
			}},
			{Name: "start-print", Run: func(ctx context.Context, run *Run) error {
				return d.StartPrint(ctx, run.String("job_id"))
			}},
			{Name: "watch", Run: func(ctx context.Context, run *Run) error {
				watchID, err := d.StartWatch(run.String("printer"))
				if err != nil {
					return err
				}
				run.Values["watch_id"] = watchID
				return nil
			}},
		},
	}
}

// Calibrate prints the calibration cube and feeds the measured time
// back into the estimator's per-printer window.
func Calibrate(d Deps) *Pipeline {
	return &Pipeline{
		Name:        "calibrate",
		Description: "Print a calibration cube and record estimated-vs-actual time",
		Steps: []Step{
			{Name: "resolve-printer", Run: func(ctx context.Context, run *Run) error {
				name, err := d.ResolvePrinter(ctx, run.String("printer"))
				if err != nil {
					return err
				}
				run.Values["printer"] = name
				return nil
			}},
			{Name: "estimate", Run: func(ctx context.Context, run *Run) error {
				run.Values["estimated_s"] = d.EstimateSeconds(run.String("printer"), calibrationFile)
				return nil
			}},
			{Name: "print", Run: func(ctx context.Context, run *Run) error {
				jobID, err := d.SubmitJob(ctx, calibrationFile, run.String("printer"), run.String("user"))
				if err != nil {
					return err
				}
				run.Values["job_id"] = jobID
				return d.StartPrint(ctx, jobID)
			}},
			{Name: "await", Run: func(ctx context.Context, run *Run) error {
				elapsed, err := d.AwaitIdle(ctx, run.String("printer"))
				if err != nil {
					return err
				}
				run.Values["actual_s"] = elapsed.Seconds()
				return nil
			}},
			{Name: "record", Run: func(ctx context.Context, run *Run) error {
				estimated, _ := run.Values["estimated_s"].(float64)
				actual, _ := run.Values["actual_s"].(float64)
				if estimated <= 0 || actual <= 0 {
					return fault.New(fault.KindValidation, "calibrate produced no usable sample")
				}
				d.RecordCalibration(run.String("printer"), estimated, actual)
				return nil
			}},
		},
	}
}

// benchmarkProbes is how many state round-trips the benchmark measures.
const benchmarkProbes = 10

// Benchmark measures printer API round-trip latency.
func Benchmark(d Deps) *Pipeline {
	return &Pipeline{
		Name:        "benchmark",
		Description: "Measure printer API round-trip latency",
		Steps: []Step{
			{Name: "resolve-printer", Run: func(ctx context.Context, run *Run) error {
				name, err := d.ResolvePrinter(ctx, run.String("printer"))
				if err != nil {
					return err
				}
				run.Values["printer"] = name
				return nil
			}},
			{Name: "probe", Run: func(ctx context.Context, run *Run) error {
				var minMs, maxMs, totalMs float64
				for i := 0; i < benchmarkProbes; i++ {
					start := time.Now()
					if err := d.ProbeState(ctx, run.String("printer")); err != nil {
						return fmt.Errorf("probe %d failed: %w", i+1, err)
					}
					ms := float64(time.Since(start).Microseconds()) / 1000
					totalMs += ms
					if i == 0 || ms < minMs {
						minMs = ms
					}
					if ms > maxMs {
						maxMs = ms
					}
				}
				run.Values["probes"] = benchmarkProbes
				run.Values["latency_min_ms"] = minMs
				run.Values["latency_avg_ms"] = totalMs / benchmarkProbes
				run.Values["latency_max_ms"] = maxMs
				return nil
			}},
		},
	}
}

// RegisterBuiltin registers the standard pipelines on an engine.
func RegisterBuiltin(e *Engine, d Deps) {
	e.Register(QuickPrint(d))
	e.Register(Calibrate(d))
	e.Register(Benchmark(d))
}
