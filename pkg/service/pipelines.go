package service

import (
	"context"
	"time"

	"github.com/kiln-farm/kiln/pkg/pipelines"
	"github.com/kiln-farm/kiln/pkg/watcher"
)

// calibrationPrintingSec is the nominal printing-phase duration of the
// calibration cube, before per-model calibration is applied.
const calibrationPrintingSec = 1200.0

// pipelineDeps binds the built-in pipelines to the wired collaborators.
func (s *Service) pipelineDeps() pipelines.Deps {
	return pipelines.Deps{
		ResolvePrinter: func(ctx context.Context, name string) (string, error) {
			adapter, err := s.registry.Get(name)
			if err != nil {
				return "", err
			}
			return adapter.Name(), nil
		},
		Preflight: func(ctx context.Context, printerName, material string) error {
			return s.safety.Preflight(ctx, printerName, material, nil)
		},
		SubmitJob: func(ctx context.Context, fileName, printerName, submittedBy string) (string, error) {
			job, err := s.queue.Submit(ctx, fileName, printerName, submittedBy, 0, nil)
			if err != nil {
				return "", err
			}
			return job.ID, nil
		},
		StartPrint: s.StartJob,
		StartWatch: func(printerName string) (string, error) {
			w, err := s.StartWatch(context.Background(), printerName, watcher.Config{})
			if err != nil {
				return "", err
			}
			return w.ID(), nil
		},
		AwaitIdle: s.WaitForIdle,
		EstimateSeconds: func(printerName, fileName string) float64 {
			est, err := s.estimator.Estimate(printerName, calibrationPrintingSec)
			if err != nil {
				return calibrationPrintingSec
			}
			return est.TotalSec
		},
		RecordCalibration: s.estimator.RecordActual,
		ProbeState: func(ctx context.Context, printerName string) error {
			adapter, err := s.registry.Get(printerName)
			if err != nil {
				return err
			}
			start := time.Now()
			_, err = adapter.GetState(ctx)
			s.health.Record(observationFor(adapter.Name(), time.Since(start), err == nil))
			return err
		},
	}
}
