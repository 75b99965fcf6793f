// Package scheduler scores candidate printers for a job and ranks them
// under caller-tunable priority weights.
package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/printer"
)

// RoutingCriteria is the caller's job description. Priority sliders run
// 1..5 with 3 neutral.
type RoutingCriteria struct {
	Material             string   `json:"material"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	MaxDistanceKm        *float64 `json:"max_distance_km,omitempty"`
	QualityPriority      int      `json:"quality_priority"`
	SpeedPriority        int      `json:"speed_priority"`
	CostPriority         int      `json:"cost_priority"`
}

// PrinterInfo is one candidate's scheduling-relevant snapshot.
type PrinterInfo struct {
	PrinterID          string         `json:"printer_id"`
	PrinterModel       string         `json:"printer_model,omitempty"`
	Status             printer.Status `json:"status"`
	QueueDepth         int            `json:"queue_depth"`
	SupportedMaterials []string       `json:"supported_materials,omitempty"`
	Capabilities       []string       `json:"capabilities,omitempty"`
	SuccessRate        *float64       `json:"success_rate,omitempty"` // 0..1
	EstimatedWaitSec   int64          `json:"estimated_wait_s"`
	CostPerHour        *float64       `json:"cost_per_hour,omitempty"`
	DistanceKm         *float64       `json:"distance_km,omitempty"`
	PrintSpeedFactor   float64        `json:"print_speed_factor"`
}

// Score is the per-category breakdown for one candidate.
type Score struct {
	PrinterID    string  `json:"printer_id"`
	Total        float64 `json:"total"`
	Material     float64 `json:"material"`
	Availability float64 `json:"availability"`
	Reliability  float64 `json:"reliability"`
	Speed        float64 `json:"speed"`
	Cost         float64 `json:"cost"`
}

// Result is a ranked routing decision.
type Result struct {
	Recommendation Score   `json:"recommendation"`
	Alternatives   []Score `json:"alternatives,omitempty"`
	Rejected       int     `json:"rejected"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

// Base category weights before slider shifts.
const (
	baseWeightMaterial     = 0.30
	baseWeightAvailability = 0.25
	baseWeightReliability  = 0.20
	baseWeightSpeed        = 0.15
	baseWeightCost         = 0.10

	sliderStep  = 0.03
	weightFloor = 0.01
)

// Route filters and ranks candidates. Empty candidate lists and
// out-of-range sliders are validation errors.
func Route(ctx context.Context, criteria RoutingCriteria, candidates []PrinterInfo) (*Result, error) {
	start := time.Now()
	if err := validate(criteria, candidates); err != nil {
		return nil, err
	}

	weights := shiftedWeights(criteria)

	var scored []Score
	rejected := 0
	for _, c := range candidates {
		if !passesFilter(criteria, c) {
			rejected++
			continue
		}
		s := scoreCandidate(criteria, c)
		s.Total = clamp(
			weights.material*s.Material+
				weights.availability*s.Availability+
				weights.reliability*s.Reliability+
				weights.speed*s.Speed+
				weights.cost*s.Cost,
			0, 100)
		scored = append(scored, s)
	}
	if len(scored) == 0 {
		return nil, fault.New(fault.KindNotFound, "scheduler: no candidate passed the hard filter")
	}

	sort.Slice(scored, func(i, k int) bool {
		if scored[i].Total != scored[k].Total {
			return scored[i].Total > scored[k].Total
		}
		return scored[i].PrinterID < scored[k].PrinterID
	})

	res := &Result{
		Recommendation: scored[0],
		Rejected:       rejected,
		ElapsedMs:      time.Since(start).Milliseconds(),
	}
	if len(scored) > 1 {
		n := len(scored) - 1
		if n > 4 {
			n = 4
		}
		res.Alternatives = scored[1 : 1+n]
	}
	return res, nil
}

func validate(criteria RoutingCriteria, candidates []PrinterInfo) error {
	if len(candidates) == 0 {
		return fault.New(fault.KindValidation, "scheduler: candidate list is empty")
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"quality_priority", criteria.QualityPriority},
		{"speed_priority", criteria.SpeedPriority},
		{"cost_priority", criteria.CostPriority},
	} {
		if v.value < 1 || v.value > 5 {
			return fault.Newf(fault.KindValidation, "scheduler: %s must be in 1..5, got %d", v.name, v.value)
		}
	}
	return nil
}

func passesFilter(criteria RoutingCriteria, c PrinterInfo) bool {
	if c.Status == printer.StatusOffline {
		return false
	}
	if criteria.MaxDistanceKm != nil && c.DistanceKm != nil && *c.DistanceKm > *criteria.MaxDistanceKm {
		return false
	}
	for _, req := range criteria.RequiredCapabilities {
		if !contains(c.Capabilities, req) {
			return false
		}
	}
	return true
}

type weights struct {
	material, availability, reliability, speed, cost float64
}

// shiftedWeights applies the slider shifts: quality moves material and
// reliability, speed moves speed and availability, cost moves cost and
// availability. Floor then normalize to sum 1.
func shiftedWeights(criteria RoutingCriteria) weights {
	qualityShift := float64(criteria.QualityPriority-3) * sliderStep
	speedShift := float64(criteria.SpeedPriority-3) * sliderStep
	costShift := float64(criteria.CostPriority-3) * sliderStep

	w := weights{
		material:     baseWeightMaterial + qualityShift,
		reliability:  baseWeightReliability + qualityShift,
		speed:        baseWeightSpeed + speedShift,
		availability: baseWeightAvailability + speedShift + costShift,
		cost:         baseWeightCost + costShift,
	}
	w.material = math.Max(w.material, weightFloor)
	w.availability = math.Max(w.availability, weightFloor)
	w.reliability = math.Max(w.reliability, weightFloor)
	w.speed = math.Max(w.speed, weightFloor)
	w.cost = math.Max(w.cost, weightFloor)

	sum := w.material + w.availability + w.reliability + w.speed + w.cost
	w.material /= sum
	w.availability /= sum
	w.reliability /= sum
	w.speed /= sum
	w.cost /= sum
	return w
}

func scoreCandidate(criteria RoutingCriteria, c PrinterInfo) Score {
	return Score{
		PrinterID:    c.PrinterID,
		Material:     materialScore(criteria.Material, c),
		Availability: availabilityScore(c),
		Reliability:  reliabilityScore(c),
		Speed:        speedScore(c),
		Cost:         costScore(c),
	}
}

func materialScore(material string, c PrinterInfo) float64 {
	var base float64
	switch {
	case material == "" || len(c.SupportedMaterials) == 0:
		base = 70
	case contains(c.SupportedMaterials, material):
		base = 100
	default:
		base = 0
	}
	if c.SuccessRate != nil {
		return base*0.6 + (*c.SuccessRate*100)*0.4
	}
	return base
}

func availabilityScore(c PrinterInfo) float64 {
	var base float64
	switch c.Status {
	case printer.StatusIdle:
		base = 100
	case printer.StatusPrinting:
		base = 50
	case printer.StatusBusy, printer.StatusPaused, printer.StatusCancelling:
		base = 30
	default:
		base = 0
	}
	return math.Max(0, base-float64(c.QueueDepth)*10)
}

func reliabilityScore(c PrinterInfo) float64 {
	if c.SuccessRate == nil {
		return 50
	}
	return clamp(*c.SuccessRate*100, 0, 100)
}

func speedScore(c PrinterInfo) float64 {
	factor := c.PrintSpeedFactor
	if factor <= 0 {
		factor = 1
	}
	base := math.Min(100, factor*50)
	waitPenalty := math.Min(50, float64(c.EstimatedWaitSec)/60)
	return math.Max(0, base-waitPenalty)
}

func costScore(c PrinterInfo) float64 {
	if c.CostPerHour == nil || *c.CostPerHour <= 0 {
		return 50
	}
	return clamp(100 / *c.CostPerHour, 0, 100)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
