package printer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/printer"
)

func moonrakerServer(t *testing.T, klippy, printState string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/printer/info":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{"state": klippy},
			})
		case "/printer/objects/query":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"status": map[string]any{
						"print_stats": map[string]any{
							"state": printState, "filename": "benchy.gcode", "print_duration": 120.0,
						},
						"display_status": map[string]any{"progress": 0.40},
						"extruder":       map[string]any{"temperature": 205.0, "target": 210.0},
						"heater_bed":     map[string]any{"temperature": 59.5, "target": 60.0},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestMoonraker_ReadyPlusPrintingMapsToPrinting(t *testing.T) {
	srv := moonrakerServer(t, "ready", "printing")
	defer srv.Close()

	m := printer.NewMoonraker("trident", srv.URL, fastRetry())
	st, err := m.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, printer.StatusPrinting, st.Status,
		"ready klippy with print_stats printing must not report idle")
	assert.InDelta(t, 210.0, st.Tool.Target, 0.01)
}

func TestMoonraker_StateMapping(t *testing.T) {
	cases := []struct {
		klippy, print string
		want          printer.Status
	}{
		{"ready", "standby", printer.StatusIdle},
		{"ready", "complete", printer.StatusIdle},
		{"ready", "paused", printer.StatusPaused},
		{"ready", "error", printer.StatusError},
		{"error", "printing", printer.StatusError},
		{"shutdown", "", printer.StatusOffline},
		{"startup", "", printer.StatusBusy},
	}
	for _, c := range cases {
		srv := moonrakerServer(t, c.klippy, c.print)
		m := printer.NewMoonraker("p", srv.URL, fastRetry())
		st, err := m.GetState(context.Background())
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, c.want, st.Status, "klippy=%s print=%s", c.klippy, c.print)
	}
}

func TestMoonraker_JobProgressFromDisplayStatus(t *testing.T) {
	srv := moonrakerServer(t, "ready", "printing")
	defer srv.Close()

	m := printer.NewMoonraker("trident", srv.URL, fastRetry())
	job, err := m.GetJob(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "benchy.gcode", job.FileName)
	require.NotNil(t, job.Completion)
	assert.InDelta(t, 40.0, *job.Completion, 0.01)
	require.NotNil(t, job.ElapsedSec)
	assert.Equal(t, int64(120), *job.ElapsedSec)
	require.NotNil(t, job.RemainSec)
	assert.Equal(t, int64(180), *job.RemainSec, "extrapolated from elapsed/completion")
}

func TestMoonraker_StartPrintQuery(t *testing.T) {
	var gotFilename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/printer/print/start", r.URL.Path)
		gotFilename = r.URL.Query().Get("filename")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := printer.NewMoonraker("trident", srv.URL, fastRetry())
	require.NoError(t, m.StartPrint(context.Background(), "benchy.gcode"))
	assert.Equal(t, "benchy.gcode", gotFilename)
}

func TestMoonraker_FirmwareUpdateRejectsDowngrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/machine/update/status" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"version_info": map[string]any{
						"klipper": map[string]any{
							"version": "0.12.0", "remote_version": "0.11.0",
						},
					},
				},
			})
			return
		}
		t.Fatalf("update endpoint must not be reached for a downgrade, got %s", r.URL.Path)
	}))
	defer srv.Close()

	m := printer.NewMoonraker("trident", srv.URL, fastRetry())
	err := m.UpdateFirmware(context.Background(), "klipper")
	assert.True(t, fault.Is(err, fault.KindValidation))
}
