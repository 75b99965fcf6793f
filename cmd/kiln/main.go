// Command kiln is the fleet CLI: one verb per fleet operation, a shared
// --json output mode, and exit codes derived from the fault taxonomy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kiln-farm/kiln/pkg/config"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/service"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// newService is a variable so tests can inject a pre-wired service.
var newService = func(ctx context.Context) (*service.Service, error) {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	return service.New(ctx, cfg)
}

// Run dispatches a verb. Exit codes follow fault.ExitCode; 2 is usage.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	verb, rest := args[1], args[2:]
	switch verb {
	case "connect":
		return runConnect(rest, stdout, stderr)
	case "disconnect":
		return runDisconnect(rest, stdout, stderr)
	case "status":
		return runStatus(rest, stdout, stderr)
	case "upload":
		return runUpload(rest, stdout, stderr)
	case "print":
		return runPrint(rest, stdout, stderr)
	case "cancel":
		return runCancel(rest, stdout, stderr)
	case "pause":
		return runPause(rest, stdout, stderr)
	case "resume":
		return runResume(rest, stdout, stderr)
	case "files":
		return runFiles(rest, stdout, stderr)
	case "preflight":
		return runPreflight(rest, stdout, stderr)
	case "snapshot":
		return runSnapshot(rest, stdout, stderr)
	case "wait":
		return runWait(rest, stdout, stderr)
	case "history":
		return runHistory(rest, stdout, stderr)
	case "temp":
		return runTemp(rest, stdout, stderr)
	case "gcode":
		return runGcode(rest, stdout, stderr)
	case "pipeline":
		return runPipeline(rest, stdout, stderr)
	case "init":
		return runInit(rest, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "kiln: unknown command %q\n", verb)
		printUsage(stderr)
		return 2
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// emit writes the success payload: pretty JSON envelope in JSON mode,
// plain text otherwise.
func emit(out io.Writer, jsonMode bool, data any, text func(io.Writer)) {
	if jsonMode {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"status": "success", "data": data})
		return
	}
	if text != nil {
		text(out)
	}
}

// fail reports an error and returns its exit code.
func fail(errOut io.Writer, jsonMode bool, err error) int {
	if jsonMode {
		enc := json.NewEncoder(errOut)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"status": "error",
			"error":  err.Error(),
			"code":   string(fault.KindOf(err)),
		})
	} else {
		fmt.Fprintf(errOut, "kiln: %v\n", err)
	}
	return fault.ExitCode(err)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "kiln - 3D printer fleet orchestration")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: kiln <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Fleet:")
	printCommand(w, "connect", "add a printer (--name --backend --host --api-key) or a fleet (--fleet)")
	printCommand(w, "disconnect", "remove a printer")
	printCommand(w, "status", "printer or fleet status")
	printCommand(w, "init", "create the state directory and databases")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Printing:")
	printCommand(w, "upload", "upload a file to a printer")
	printCommand(w, "print", "preflight, upload, queue, and start a file")
	printCommand(w, "cancel", "cancel the active print (--confirm required)")
	printCommand(w, "pause", "pause the active print")
	printCommand(w, "resume", "resume a paused print")
	printCommand(w, "files", "list files on a printer")
	printCommand(w, "preflight", "run the safety checks without printing")
	printCommand(w, "wait", "block until the printer is idle")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Monitoring:")
	printCommand(w, "snapshot", "save a camera frame")
	printCommand(w, "history", "persisted job history")
	printCommand(w, "temp", "set hotend or bed temperature")
	printCommand(w, "gcode", "send raw G-code commands")
	printCommand(w, "pipeline", "run a named pipeline (quick-print, calibrate, benchmark)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Global flags: --printer <name> --json")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
