// Package progress estimates wall-clock duration for FDM prints using a
// four-phase model, per-model calibration, and extrapolation from live
// completion percentages.
package progress

import (
	"math"
	"sync"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Phase names one stage of the print wall-clock model.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhasePrinting  Phase = "printing"
	PhaseCooling   Phase = "cooling"
	PhasePost      Phase = "post_processing"
)

// Default phase weights; they sum to 1.
const (
	weightPreparing = 0.04
	weightPrinting  = 0.92
	weightCooling   = 0.025
	weightPost      = 0.015
)

// speedBlend discounts nominal speed to blend perimeter and infill moves.
const speedBlend = 0.75

// perLayerOverheadSec covers retraction and travel per layer change.
const perLayerOverheadSec = 2.0

// calibrationWindow bounds the per-model (estimated, actual) history.
const calibrationWindow = 20

// confidentSampleCount is where historical data alone maxes confidence.
const confidentSampleCount = 10

// PrintParams carries slicer metadata when available.
type PrintParams struct {
	FilamentLengthMm float64
	SpeedMmPerSec    float64
	LayerCount       int
}

// Estimate is a full duration breakdown.
type Estimate struct {
	TotalSec   float64           `json:"total_s"`
	PhaseSec   map[Phase]float64 `json:"phases"`
	Confidence float64           `json:"confidence"`
	Calibrated bool              `json:"calibrated"`
}

// Estimator holds rolling calibration windows keyed by printer model.
type Estimator struct {
	mu      sync.Mutex
	windows map[string][]float64 // actual/estimated ratios
}

// NewEstimator creates an uncalibrated estimator.
func NewEstimator() *Estimator {
	return &Estimator{windows: make(map[string][]float64)}
}

// PrintingPhaseSec computes the printing-phase duration from slicer
// metadata. The first layer runs at half speed, so it contributes one
// extra layer-duration on top of its nominal share.
func PrintingPhaseSec(p PrintParams) (float64, error) {
	if p.FilamentLengthMm <= 0 || p.SpeedMmPerSec <= 0 {
		return 0, fault.New(fault.KindValidation, "progress: filament length and speed must be positive")
	}
	effective := p.SpeedMmPerSec * speedBlend
	base := p.FilamentLengthMm / effective

	var firstLayerPenalty float64
	if p.LayerCount > 0 {
		firstLayerPenalty = (p.FilamentLengthMm / float64(p.LayerCount)) / effective
	}
	return base + firstLayerPenalty + perLayerOverheadSec*float64(p.LayerCount), nil
}

// Estimate expands a printing-phase duration into the four-phase model,
// applying the model's calibration factor when history exists.
func (e *Estimator) Estimate(model string, printingSec float64) (Estimate, error) {
	if printingSec <= 0 {
		return Estimate{}, fault.New(fault.KindValidation, "progress: printing duration must be positive")
	}

	factor, samples := e.calibration(model)
	total := printingSec / weightPrinting * factor

	return Estimate{
		TotalSec: total,
		PhaseSec: map[Phase]float64{
			PhasePreparing: total * weightPreparing,
			PhasePrinting:  total * weightPrinting,
			PhaseCooling:   total * weightCooling,
			PhasePost:      total * weightPost,
		},
		Confidence: e.confidence(0, samples),
		Calibrated: samples > 0,
	}, nil
}

// RecordActual feeds one finished print back into the model's window.
func (e *Estimator) RecordActual(model string, estimatedSec, actualSec float64) {
	if estimatedSec <= 0 || actualSec <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := append(e.windows[model], actualSec/estimatedSec)
	if len(w) > calibrationWindow {
		w = w[len(w)-calibrationWindow:]
	}
	e.windows[model] = w
}

// Confidence reports estimate confidence given live progress. It rises
// from 0.3 at the start to 1.0 at completion, and caps out immediately
// when enough history exists for the model.
func (e *Estimator) Confidence(model string, progressPct float64) float64 {
	_, samples := e.calibration(model)
	return e.confidence(progressPct, samples)
}

func (e *Estimator) confidence(progressPct float64, samples int) float64 {
	if samples >= confidentSampleCount {
		return 1.0
	}
	pct := math.Max(0, math.Min(100, progressPct))
	return 0.3 + 0.7*pct/100
}

func (e *Estimator) calibration(model string) (factor float64, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.windows[model]
	if len(w) == 0 {
		return 1.0, 0
	}
	sum := 0.0
	for _, r := range w {
		sum += r
	}
	return sum / float64(len(w)), len(w)
}

// FromProgress extrapolates remaining time when only a live percentage
// and elapsed time are known. The reported percentage is carried through
// unchanged so displayed progress stays monotonic.
type FromProgress struct {
	OverallPercent float64 `json:"overall_percent"`
	ElapsedSec     int64   `json:"elapsed_s"`
	RemainingSec   int64   `json:"remaining_s"`
	TotalSec       int64   `json:"total_s"`
}

// EstimateFromProgress extrapolates from (pct, elapsed).
func EstimateFromProgress(pct float64, elapsedSec int64) (FromProgress, error) {
	if pct < 0 || pct > 100 {
		return FromProgress{}, fault.Newf(fault.KindValidation, "progress: percent %0.1f out of range", pct)
	}
	out := FromProgress{OverallPercent: pct, ElapsedSec: elapsedSec}
	if pct == 0 {
		return out, nil
	}
	total := float64(elapsedSec) * 100 / pct
	out.TotalSec = int64(math.Round(total))
	out.RemainingSec = out.TotalSec - elapsedSec
	if out.RemainingSec < 0 {
		out.RemainingSec = 0
	}
	return out, nil
}
