package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kiln-farm/kiln/pkg/fault"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "kiln", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "printer.start_print",
		PrinterOperation("voron-0", "moonraker", "idle")...)
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "printer.start_print")
	finish(errors.New("unreachable"))
}

func TestRecordInstrumentsDisabledNoPanic(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, AttrPrinterName.String("voron-0"))
	p.RecordError(ctx, errors.New("x"))
	p.RecordDuration(ctx, 100*time.Millisecond)
	p.RecordJobCompleted(ctx, JobOperation("job-1", "completed", "a.gcode", "voron-0")...)
	p.RecordWatchAlert(ctx, WatchAlert("watch-1", "thermal_runaway", "voron-0")...)
	require.NoError(t, p.Shutdown(ctx))
}

func TestFleetAttributeHelpers(t *testing.T) {
	attrs := PrinterOperation("voron-0", "moonraker", "printing")
	require.Len(t, attrs, 3)
	assert.Equal(t, "kiln.printer.name", string(attrs[0].Key))
	assert.Equal(t, "voron-0", attrs[0].Value.AsString())

	attrs = JobOperation("job-1", "completed", "bracket.gcode", "voron-0")
	require.Len(t, attrs, 4)
	assert.Equal(t, "kiln.job.state", string(attrs[1].Key))

	attrs = PaymentOperation("stripe", "craftcloud")
	require.Len(t, attrs, 2)
	assert.Equal(t, "stripe", attrs[0].Value.AsString())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "watch.alert", attribute.String("rule", "first_layer"))
	SetSpanStatus(ctx, errors.New("x"))
	SetSpanStatus(ctx, nil)
}

func TestHealthTrackerScoresPrinter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewHealthTracker().WithClock(func() time.Time { return now })
	tr.SetTarget(&HealthTarget{
		Printer:     "voron-0",
		LatencyP99:  time.Second,
		SuccessRate: 0.90,
		WindowHours: 24,
	})

	// 18 good, 2 failed: 90% success, right at target.
	for i := 0; i < 20; i++ {
		tr.Record(HealthObservation{
			Printer: "voron-0",
			Latency: 50 * time.Millisecond,
			Success: i >= 2,
		})
	}

	status, err := tr.Status("voron-0")
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.InDelta(t, 0.90, status.CurrentSuccess, 1e-9)
	assert.Equal(t, 20, status.ObservationCount)
	assert.InDelta(t, 1.0, status.BurnRate, 1e-9, "error rate equals budget")
}

func TestHealthTrackerLatencyBreach(t *testing.T) {
	tr := NewHealthTracker()
	tr.SetTarget(&HealthTarget{
		Printer:     "mk4",
		LatencyP99:  100 * time.Millisecond,
		SuccessRate: 0.5,
		WindowHours: 1,
	})
	tr.Record(HealthObservation{Printer: "mk4", Latency: 5 * time.Second, Success: true})

	status, err := tr.Status("mk4")
	require.NoError(t, err)
	assert.False(t, status.Healthy, "p99 above target")
	assert.Equal(t, 5000.0, status.CurrentP99Ms)
}

func TestHealthTrackerWindowExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewHealthTracker().WithClock(func() time.Time { return now })

	tr.Record(HealthObservation{
		Printer:   "voron-0",
		Latency:   10 * time.Second,
		Success:   false,
		Timestamp: now.Add(-48 * time.Hour),
	})

	status, err := tr.Status("voron-0")
	require.NoError(t, err)
	assert.True(t, status.Healthy, "stale failures age out of the window")
	assert.Equal(t, 0, status.ObservationCount)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
}

func TestHealthTrackerUnknownPrinter(t *testing.T) {
	tr := NewHealthTracker()
	_, err := tr.Status("ghost")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	tr.Record(HealthObservation{Printer: "a", Latency: time.Millisecond, Success: true})
	tr.Record(HealthObservation{Printer: "b", Latency: time.Millisecond, Success: true})
	assert.Equal(t, []string{"a", "b"}, tr.Printers())
}
