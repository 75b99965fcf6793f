package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kiln-farm/kiln/pkg/config"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/queue"
	"github.com/kiln-farm/kiln/pkg/service"
)

// commonFlags is the per-command flag set every verb shares.
type commonFlags struct {
	fs       *flag.FlagSet
	printerN string
	jsonMode bool
}

func newFlags(name string, stderr io.Writer) *commonFlags {
	c := &commonFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	c.fs.SetOutput(stderr)
	c.fs.StringVar(&c.printerN, "printer", "", "printer name (default printer when empty)")
	c.fs.BoolVar(&c.jsonMode, "json", false, "machine-readable output")
	return c
}

// withService parses flags, wires the service, runs fn, and closes the
// service. All verb bodies funnel through here.
func withService(c *commonFlags, args []string, stderr io.Writer,
	fn func(ctx context.Context, s *service.Service) error) int {

	if err := c.fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	s, err := newService(ctx)
	if err != nil {
		return fail(stderr, c.jsonMode, err)
	}
	defer s.Close()

	if err := fn(ctx, s); err != nil {
		return fail(stderr, c.jsonMode, err)
	}
	return 0
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	c := newFlags("connect", stderr)
	var name, backend, host, apiKey, fleetPath string
	c.fs.StringVar(&name, "name", "", "printer name (required)")
	c.fs.StringVar(&backend, "backend", "", "octoprint|moonraker|prusalink|virtual (required)")
	c.fs.StringVar(&host, "host", "", "printer base URL")
	c.fs.StringVar(&apiKey, "api-key", "", "API key, stored encrypted")
	c.fs.StringVar(&fleetPath, "fleet", "", "fleet definition file, connects every declared printer")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if fleetPath != "" {
			names, err := s.ConnectFleet(ctx, fleetPath)
			if err != nil {
				return err
			}
			emit(stdout, c.jsonMode, map[string]any{"printers": names},
				func(w io.Writer) {
					fmt.Fprintf(w, "connected %d printer(s): %s\n", len(names), strings.Join(names, ", "))
				})
			return nil
		}
		if name == "" || backend == "" {
			return fault.New(fault.KindValidation, "connect requires --name and --backend")
		}
		adapter, err := s.ConnectPrinter(ctx, name, backend, host, apiKey)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, map[string]any{"printer": adapter.Name(), "backend": adapter.Backend()},
			func(w io.Writer) {
				fmt.Fprintf(w, "connected %s (%s)\n", adapter.Name(), adapter.Backend())
			})
		return nil
	})
}

func runDisconnect(args []string, stdout, stderr io.Writer) int {
	c := newFlags("disconnect", stderr)
	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if c.printerN == "" {
			return fault.New(fault.KindValidation, "disconnect requires --printer")
		}
		if err := s.DisconnectPrinter(ctx, c.printerN); err != nil {
			return err
		}
		emit(stdout, c.jsonMode, map[string]any{"printer": c.printerN}, func(w io.Writer) {
			fmt.Fprintf(w, "disconnected %s\n", c.printerN)
		})
		return nil
	})
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	c := newFlags("status", stderr)
	var all bool
	c.fs.BoolVar(&all, "all", false, "show every connected printer")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if all {
			fleet := s.FleetStatus(ctx)
			emit(stdout, c.jsonMode, fleet, func(w io.Writer) {
				for _, st := range fleet {
					printStatusLine(w, st)
				}
			})
			return nil
		}
		st, err := s.PrinterStatus(ctx, c.printerN)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, st, func(w io.Writer) { printStatusLine(w, *st) })
		return nil
	})
}

func printStatusLine(w io.Writer, st service.PrinterStatus) {
	marker := " "
	if st.Default {
		marker = "*"
	}
	fmt.Fprintf(w, "%s %-12s %-10s %s", marker, st.Name, st.Backend, st.State.Status)
	if st.State.Tool != nil && st.State.Tool.Actual > 0 {
		fmt.Fprintf(w, "  tool %.0f/%.0f°C", st.State.Tool.Actual, st.State.Tool.Target)
	}
	if st.Job.Active() && st.Job.Completion != nil {
		fmt.Fprintf(w, "  %s %.1f%%", st.Job.FileName, *st.Job.Completion)
	}
	fmt.Fprintln(w)
}

func runUpload(args []string, stdout, stderr io.Writer) int {
	c := newFlags("upload", stderr)
	var path string
	c.fs.StringVar(&path, "file", "", "local file path (required)")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if path == "" {
			return fault.New(fault.KindValidation, "upload requires --file")
		}
		res, err := s.Upload(ctx, c.printerN, path)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, res, func(w io.Writer) {
			fmt.Fprintf(w, "uploaded %s\n", res.RemoteName)
		})
		return nil
	})
}

func runPrint(args []string, stdout, stderr io.Writer) int {
	c := newFlags("print", stderr)
	var path, material, user string
	var priority int
	var skipIfPrinting bool
	c.fs.StringVar(&path, "file", "", "local file path (required)")
	c.fs.StringVar(&material, "material", "", "material for preflight temperature checks")
	c.fs.StringVar(&user, "user", "", "submitting operator")
	c.fs.IntVar(&priority, "priority", 0, "queue priority")
	c.fs.BoolVar(&skipIfPrinting, "skip-if-printing", false, "exit 0 without queuing when the printer is mid-print")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if path == "" {
			return fault.New(fault.KindValidation, "print requires --file")
		}
		if skipIfPrinting {
			st, err := s.PrinterStatus(ctx, c.printerN)
			if err == nil && (st.State.Status == printer.StatusPrinting || st.State.Status == printer.StatusPaused) {
				emit(stdout, c.jsonMode, map[string]any{"skipped": true},
					func(w io.Writer) { fmt.Fprintf(w, "skipped: %s is printing\n", st.Name) })
				return nil
			}
		}
		job, err := s.Print(ctx, c.printerN, path, user, material, priority)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, job, func(w io.Writer) {
			fmt.Fprintf(w, "printing %s on %s (job %s)\n", job.FileName, job.PrinterName, job.ID)
		})
		return nil
	})
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	c := newFlags("cancel", stderr)
	var confirm bool
	c.fs.BoolVar(&confirm, "confirm", false, "required to cancel an active print")
	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if !confirm {
			return fault.New(fault.KindValidation, "cancel requires --confirm")
		}
		if err := s.CancelPrint(ctx, c.printerN); err != nil {
			return err
		}
		emit(stdout, c.jsonMode, nil, func(w io.Writer) { fmt.Fprintln(w, "cancelled") })
		return nil
	})
}

func runPause(args []string, stdout, stderr io.Writer) int {
	c := newFlags("pause", stderr)
	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if err := s.PausePrint(ctx, c.printerN); err != nil {
			return err
		}
		emit(stdout, c.jsonMode, nil, func(w io.Writer) { fmt.Fprintln(w, "paused") })
		return nil
	})
}

func runResume(args []string, stdout, stderr io.Writer) int {
	c := newFlags("resume", stderr)
	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if err := s.ResumePrint(ctx, c.printerN); err != nil {
			return err
		}
		emit(stdout, c.jsonMode, nil, func(w io.Writer) { fmt.Fprintln(w, "resumed") })
		return nil
	})
}

func runFiles(args []string, stdout, stderr io.Writer) int {
	c := newFlags("files", stderr)
	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		files, err := s.Files(ctx, c.printerN)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, files, func(w io.Writer) {
			for _, f := range files {
				fmt.Fprintf(w, "%-40s %8d\n", f.Name, f.SizeBytes)
			}
		})
		return nil
	})
}

func runPreflight(args []string, stdout, stderr io.Writer) int {
	c := newFlags("preflight", stderr)
	var material, gcodePath string
	c.fs.StringVar(&material, "material", "", "material for temperature checks")
	c.fs.StringVar(&gcodePath, "file", "", "sliced file to scan")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if err := s.Preflight(ctx, c.printerN, material, gcodePath); err != nil {
			return err
		}
		emit(stdout, c.jsonMode, map[string]any{"passed": true}, func(w io.Writer) {
			fmt.Fprintln(w, "preflight passed")
		})
		return nil
	})
}

func runSnapshot(args []string, stdout, stderr io.Writer) int {
	c := newFlags("snapshot", stderr)
	var outPath string
	c.fs.StringVar(&outPath, "out", "snapshot.jpg", "output file")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		jpeg, err := s.Snapshot(ctx, c.printerN)
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, jpeg, 0o644); err != nil {
			return fault.Wrap(fault.KindInternal, "write snapshot", err)
		}
		emit(stdout, c.jsonMode, map[string]any{"path": outPath, "bytes": len(jpeg)},
			func(w io.Writer) {
				fmt.Fprintf(w, "saved %s (%d bytes)\n", outPath, len(jpeg))
			})
		return nil
	})
}

func runWait(args []string, stdout, stderr io.Writer) int {
	c := newFlags("wait", stderr)
	var timeout time.Duration
	c.fs.DurationVar(&timeout, "timeout", 24*time.Hour, "give up after this long")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		elapsed, err := s.WaitForIdle(ctx, c.printerN)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, map[string]any{"waited_s": elapsed.Seconds()},
			func(w io.Writer) {
				fmt.Fprintf(w, "idle after %s\n", elapsed.Round(time.Second))
			})
		return nil
	})
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	c := newFlags("history", stderr)
	var limit int
	var status string
	c.fs.IntVar(&limit, "limit", 20, "max jobs to show")
	c.fs.StringVar(&status, "status", "", "only show jobs with this status")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		jobs, err := s.History(ctx, limit)
		if err != nil {
			return err
		}
		if status != "" {
			filtered := jobs[:0]
			for _, j := range jobs {
				if string(j.Status) == status {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}
		emit(stdout, c.jsonMode, jobs, func(w io.Writer) {
			for _, j := range jobs {
				printJobLine(w, j)
			}
		})
		return nil
	})
}

func printJobLine(w io.Writer, j *queue.Job) {
	fmt.Fprintf(w, "%s  %-10s %-30s %s", j.ID[:8], j.Status, j.FileName, j.PrinterName)
	if j.Error != "" {
		fmt.Fprintf(w, "  (%s)", j.Error)
	}
	fmt.Fprintln(w)
}

func runTemp(args []string, stdout, stderr io.Writer) int {
	c := newFlags("temp", stderr)
	var heater string
	var target float64
	var off bool
	c.fs.StringVar(&heater, "heater", "tool", "tool or bed")
	c.fs.Float64Var(&target, "target", 0, "target °C (0 turns the heater off)")
	c.fs.BoolVar(&off, "off", false, "turn both heaters off")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if off {
			if err := s.SetToolTemp(ctx, c.printerN, 0); err != nil {
				return err
			}
			if err := s.SetBedTemp(ctx, c.printerN, 0); err != nil {
				return err
			}
			emit(stdout, c.jsonMode, map[string]any{"off": true},
				func(w io.Writer) { fmt.Fprintln(w, "heaters off") })
			return nil
		}
		var err error
		switch heater {
		case "tool":
			err = s.SetToolTemp(ctx, c.printerN, target)
		case "bed":
			err = s.SetBedTemp(ctx, c.printerN, target)
		default:
			return fault.Newf(fault.KindValidation, "unknown heater %q (tool or bed)", heater)
		}
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, map[string]any{"heater": heater, "target_c": target},
			func(w io.Writer) {
				fmt.Fprintf(w, "%s set to %.0f°C\n", heater, target)
			})
		return nil
	})
}

func runGcode(args []string, stdout, stderr io.Writer) int {
	c := newFlags("gcode", stderr)
	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		commands := c.fs.Args()
		if len(commands) == 0 {
			return fault.New(fault.KindValidation, "gcode requires at least one command")
		}
		sent, err := s.SendGcode(ctx, c.printerN, commands)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, map[string]any{"sent": sent, "commands": len(commands)},
			func(w io.Writer) {
				fmt.Fprintf(w, "sent %d command(s)\n", len(commands))
			})
		return nil
	})
}

func runPipeline(args []string, stdout, stderr io.Writer) int {
	c := newFlags("pipeline", stderr)
	var name, file, material, user string
	c.fs.StringVar(&name, "name", "", "pipeline to run (required)")
	c.fs.StringVar(&file, "file", "", "file for quick-print")
	c.fs.StringVar(&material, "material", "", "material for preflight")
	c.fs.StringVar(&user, "user", "", "submitting operator")

	return withService(c, args, stderr, func(ctx context.Context, s *service.Service) error {
		if name == "" {
			available := make([]string, 0)
			for n := range s.Pipelines().List() {
				available = append(available, n)
			}
			return fault.Newf(fault.KindValidation,
				"pipeline requires --name (available: %s)", strings.Join(available, ", "))
		}
		initial := map[string]any{"printer": c.printerN}
		if file != "" {
			initial["file"] = file
		}
		if material != "" {
			initial["material"] = material
		}
		if user != "" {
			initial["user"] = user
		}
		res, err := s.Pipelines().Execute(ctx, name, initial)
		if err != nil {
			return err
		}
		emit(stdout, c.jsonMode, res, func(w io.Writer) {
			for _, step := range res.Steps {
				fmt.Fprintf(w, "%-20s %s\n", step.Name, step.Status)
			}
		})
		return nil
	})
}

func runInit(args []string, stdout, stderr io.Writer) int {
	c := newFlags("init", stderr)
	if err := c.fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	s, err := service.New(context.Background(), cfg)
	if err != nil {
		return fail(stderr, c.jsonMode, err)
	}
	defer s.Close()

	emit(stdout, c.jsonMode, map[string]any{
		"db":            cfg.DBPath,
		"credential_db": cfg.CredentialDBPath,
	}, func(w io.Writer) {
		fmt.Fprintf(w, "initialized\n  database:    %s\n  credentials: %s\n",
			cfg.DBPath, cfg.CredentialDBPath)
	})
	return 0
}
