package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/scheduler"
)

func neutral() scheduler.RoutingCriteria {
	return scheduler.RoutingCriteria{
		Material: "PLA", QualityPriority: 3, SpeedPriority: 3, CostPriority: 3,
	}
}

func fptr(v float64) *float64 { return &v }

func TestRoute_EmptyCandidatesIsValidation(t *testing.T) {
	_, err := scheduler.Route(context.Background(), neutral(), nil)
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestRoute_SliderOutOfRange(t *testing.T) {
	c := neutral()
	c.SpeedPriority = 6
	_, err := scheduler.Route(context.Background(), c, []scheduler.PrinterInfo{{PrinterID: "p1"}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindValidation))
	assert.Contains(t, err.Error(), "speed_priority")
}

func TestRoute_HardFilter(t *testing.T) {
	criteria := neutral()
	criteria.RequiredCapabilities = []string{"heated_chamber"}
	criteria.MaxDistanceKm = fptr(50)

	candidates := []scheduler.PrinterInfo{
		{PrinterID: "offline", Status: printer.StatusOffline, Capabilities: []string{"heated_chamber"}},
		{PrinterID: "no-chamber", Status: printer.StatusIdle},
		{PrinterID: "too-far", Status: printer.StatusIdle, Capabilities: []string{"heated_chamber"}, DistanceKm: fptr(120)},
		{PrinterID: "fits", Status: printer.StatusIdle, Capabilities: []string{"heated_chamber"}, DistanceKm: fptr(10)},
	}
	res, err := scheduler.Route(context.Background(), criteria, candidates)
	require.NoError(t, err)
	assert.Equal(t, "fits", res.Recommendation.PrinterID)
	assert.Equal(t, 3, res.Rejected)
	assert.Empty(t, res.Alternatives)
}

func TestRoute_AllFilteredIsNotFound(t *testing.T) {
	criteria := neutral()
	_, err := scheduler.Route(context.Background(), criteria, []scheduler.PrinterInfo{
		{PrinterID: "down", Status: printer.StatusOffline},
	})
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRoute_SingleCapableCandidateWins(t *testing.T) {
	// Only one candidate supports the material; it must win even with a
	// deep queue and slow speed.
	criteria := neutral()
	criteria.Material = "PC"
	candidates := []scheduler.PrinterInfo{
		{
			PrinterID: "abs-only", Status: printer.StatusIdle,
			SupportedMaterials: []string{"ABS"}, PrintSpeedFactor: 2.0,
		},
		{
			PrinterID: "pc-capable", Status: printer.StatusPrinting, QueueDepth: 3,
			SupportedMaterials: []string{"PC", "ABS"}, PrintSpeedFactor: 0.8,
		},
	}
	res, err := scheduler.Route(context.Background(), criteria, candidates)
	require.NoError(t, err)
	assert.Equal(t, "pc-capable", res.Recommendation.PrinterID)
	assert.Equal(t, float64(100), res.Recommendation.Material)
	assert.Equal(t, float64(0), res.Alternatives[0].Material)
}

func TestRoute_CategoryScores(t *testing.T) {
	criteria := neutral()
	info := scheduler.PrinterInfo{
		PrinterID: "p1", Status: printer.StatusIdle, QueueDepth: 2,
		SupportedMaterials: []string{"PLA"},
		SuccessRate:        fptr(0.9),
		EstimatedWaitSec:   600, // 10 min → −10
		CostPerHour:        fptr(2.0),
		PrintSpeedFactor:   1.5,
	}
	res, err := scheduler.Route(context.Background(), criteria, []scheduler.PrinterInfo{info})
	require.NoError(t, err)

	s := res.Recommendation
	assert.InDelta(t, 100*0.6+90*0.4, s.Material, 0.001, "blend 60/40 with success rate")
	assert.InDelta(t, 80, s.Availability, 0.001, "idle 100 minus 10 per queued job")
	assert.InDelta(t, 90, s.Reliability, 0.001)
	assert.InDelta(t, 65, s.Speed, 0.001, "min(100, 1.5×50) − 600s/60")
	assert.InDelta(t, 50, s.Cost, 0.001, "100/2 → 50")
	assert.Greater(t, s.Total, float64(0))
	assert.LessOrEqual(t, s.Total, float64(100))
}

func TestRoute_NeutralDefaultsWhenDataAbsent(t *testing.T) {
	criteria := neutral()
	criteria.Material = ""
	res, err := scheduler.Route(context.Background(), criteria, []scheduler.PrinterInfo{
		{PrinterID: "bare", Status: printer.StatusIdle, PrintSpeedFactor: 1},
	})
	require.NoError(t, err)
	s := res.Recommendation
	assert.Equal(t, float64(70), s.Material, "no supported list → 70")
	assert.Equal(t, float64(50), s.Reliability, "absent success rate → neutral 50")
	assert.Equal(t, float64(50), s.Cost, "absent cost → neutral 50")
}

func TestRoute_CostSliderChangesWinner(t *testing.T) {
	cheapSlow := scheduler.PrinterInfo{
		PrinterID: "cheap-slow", Status: printer.StatusIdle,
		SupportedMaterials: []string{"PLA"}, CostPerHour: fptr(1.0), PrintSpeedFactor: 0.6,
	}
	fastPricey := scheduler.PrinterInfo{
		PrinterID: "fast-pricey", Status: printer.StatusIdle,
		SupportedMaterials: []string{"PLA"}, CostPerHour: fptr(10.0), PrintSpeedFactor: 2.0,
	}
	candidates := []scheduler.PrinterInfo{cheapSlow, fastPricey}

	speedFirst := neutral()
	speedFirst.SpeedPriority = 5
	speedFirst.CostPriority = 1
	res, err := scheduler.Route(context.Background(), speedFirst, candidates)
	require.NoError(t, err)
	assert.Equal(t, "fast-pricey", res.Recommendation.PrinterID)

	costFirst := neutral()
	costFirst.SpeedPriority = 1
	costFirst.CostPriority = 5
	res, err = scheduler.Route(context.Background(), costFirst, candidates)
	require.NoError(t, err)
	assert.Equal(t, "cheap-slow", res.Recommendation.PrinterID)
}

func TestRoute_TieBreakLexicographic(t *testing.T) {
	twin := func(id string) scheduler.PrinterInfo {
		return scheduler.PrinterInfo{
			PrinterID: id, Status: printer.StatusIdle,
			SupportedMaterials: []string{"PLA"}, PrintSpeedFactor: 1,
		}
	}
	res, err := scheduler.Route(context.Background(), neutral(),
		[]scheduler.PrinterInfo{twin("zeta"), twin("alpha"), twin("mid")})
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Recommendation.PrinterID)
	assert.Equal(t, "mid", res.Alternatives[0].PrinterID)
	assert.Equal(t, "zeta", res.Alternatives[1].PrinterID)
}

func TestRoute_AtMostFourAlternatives(t *testing.T) {
	var candidates []scheduler.PrinterInfo
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		candidates = append(candidates, scheduler.PrinterInfo{
			PrinterID: id, Status: printer.StatusIdle, PrintSpeedFactor: 1,
		})
	}
	res, err := scheduler.Route(context.Background(), neutral(), candidates)
	require.NoError(t, err)
	assert.Len(t, res.Alternatives, 4)
}
