package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/config"
	"github.com/kiln-farm/kiln/pkg/service"
)

// useTestService points newService at a throwaway state directory. Each
// invocation opens a fresh service over the same databases, exactly as
// consecutive CLI invocations do.
func useTestService(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DBPath:           filepath.Join(dir, "kiln.db"),
		CredentialDBPath: filepath.Join(dir, "credentials.db"),
		MasterKey:        "cli-test-key",
		EventQueueSize:   64,
		QuoteCacheTTL:    time.Hour,
	}
	orig := newService
	newService = func(ctx context.Context) (*service.Service, error) {
		return service.New(ctx, cfg)
	}
	t.Cleanup(func() { newService = orig })
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"kiln"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageAndUnknownVerb(t *testing.T) {
	code, _, errOut := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage: kiln")

	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "print")

	code, _, errOut = run(t, "teleport")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestConnectStatusDisconnect(t *testing.T) {
	useTestService(t)

	code, out, _ := run(t, "connect", "--name", "voron-0", "--backend", "virtual")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "connected voron-0")

	code, out, _ = run(t, "status", "--all")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "voron-0")
	assert.Contains(t, out, "idle")

	code, _, _ = run(t, "disconnect", "--printer", "voron-0")
	require.Equal(t, 0, code)

	code, _, errOut := run(t, "status")
	assert.Equal(t, 4, code, "no printers left maps to NOT_FOUND")
	assert.Contains(t, errOut, "no printers")
}

func TestConnectFleetFile(t *testing.T) {
	useTestService(t)

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	fleet := `default_printer: mk4
printers:
  - name: voron-0
    backend: virtual
  - name: mk4
    backend: virtual
`
	require.NoError(t, os.WriteFile(path, []byte(fleet), 0o644))

	code, out, _ := run(t, "connect", "--fleet", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "connected 2 printer(s)")

	code, out, _ = run(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "mk4", "fleet default printer answers the bare status verb")
}

func TestConnectValidation(t *testing.T) {
	useTestService(t)
	code, _, errOut := run(t, "connect", "--name", "x")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--backend")
}

func TestPrintFlow(t *testing.T) {
	useTestService(t)

	code, _, _ := run(t, "connect", "--name", "voron-0", "--backend", "virtual")
	require.Equal(t, 0, code)

	code, out, _ := run(t, "print", "--file", "/tmp/bracket.gcode", "--user", "alice")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "printing bracket.gcode on voron-0")

	code, out, _ = run(t, "history", "--limit", "5")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bracket.gcode")

	// The printer is mid-print now, so a second print fails preflight.
	code, _, errOut := run(t, "print", "--file", "/tmp/other.gcode")
	assert.Equal(t, 5, code)
	assert.Contains(t, errOut, "not idle")

	code, out, _ = run(t, "print", "--file", "/tmp/other.gcode", "--skip-if-printing")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "skipped")

	code, _, errOut = run(t, "cancel")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--confirm")

	code, _, _ = run(t, "cancel", "--confirm")
	require.Equal(t, 0, code)

	code, out, _ = run(t, "history", "--status", "cancelled")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bracket.gcode")
}

func TestJSONEnvelope(t *testing.T) {
	useTestService(t)

	code, _, _ := run(t, "connect", "--name", "voron-0", "--backend", "virtual")
	require.Equal(t, 0, code)

	code, out, _ := run(t, "status", "--json")
	require.Equal(t, 0, code)
	var envelope struct {
		Status string                `json:"status"`
		Data   service.PrinterStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &envelope))
	assert.Equal(t, "success", envelope.Status)
	assert.Equal(t, "voron-0", envelope.Data.Name)

	code, _, errOut := run(t, "files", "--printer", "ghost", "--json")
	assert.Equal(t, 4, code)
	var errEnvelope struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(errOut), &errEnvelope))
	assert.Equal(t, "error", errEnvelope.Status)
	assert.Equal(t, "NOT_FOUND", errEnvelope.Code)
}

func TestGcodeAndTemp(t *testing.T) {
	useTestService(t)

	code, _, _ := run(t, "connect", "--name", "voron-0", "--backend", "virtual")
	require.Equal(t, 0, code)

	code, out, _ := run(t, "gcode", "G28", "M104 S200")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "sent 2 command(s)")

	code, _, errOut := run(t, "gcode")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "at least one command")

	code, out, _ = run(t, "temp", "--heater", "bed", "--target", "60")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bed set to 60")

	code, _, errOut = run(t, "temp", "--heater", "chamber", "--target", "40")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown heater")

	code, out, _ = run(t, "temp", "--off")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "heaters off")
}

func TestPipelineVerb(t *testing.T) {
	useTestService(t)

	code, _, _ := run(t, "connect", "--name", "voron-0", "--backend", "virtual")
	require.Equal(t, 0, code)

	code, _, errOut := run(t, "pipeline")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "quick-print")

	code, out, _ := run(t, "pipeline", "--name", "benchmark")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "probe")
	assert.Contains(t, out, "ok")
}
