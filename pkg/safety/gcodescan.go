package safety

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kiln-farm/kiln/pkg/printer"
)

// Finding is one flagged line from a G-code scan.
type Finding struct {
	Line    int    `json:"line"`
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

// ScanGcode inspects a sliced file for commands that would breach the
// safety profile: over-limit temperatures, cold-extrusion enablement,
// and disabled endstops. A nil profile uses the defaults.
func ScanGcode(r io.Reader, profile *printer.SafetyProfile) ([]Finding, error) {
	if profile == nil {
		profile = printer.DefaultSafetyProfile()
	}

	var findings []Finding
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := strings.ToUpper(fields[0])

		switch cmd {
		case "M104", "M109":
			if temp, ok := sValue(fields); ok && temp > profile.MaxHotendTemp {
				findings = append(findings, Finding{
					Line: lineNo, Command: line,
					Reason: fmt.Sprintf("hotend target %.0f exceeds limit %.0f", temp, profile.MaxHotendTemp),
				})
			}
		case "M140", "M190":
			if temp, ok := sValue(fields); ok && temp > profile.MaxBedTemp {
				findings = append(findings, Finding{
					Line: lineNo, Command: line,
					Reason: fmt.Sprintf("bed target %.0f exceeds limit %.0f", temp, profile.MaxBedTemp),
				})
			}
		case "M302":
			// Bare M302 or a positive S threshold enables cold extrusion.
			if temp, ok := sValue(fields); !ok || temp < 170 {
				findings = append(findings, Finding{
					Line: lineNo, Command: line,
					Reason: "cold extrusion enabled",
				})
			}
		case "M211":
			if v, ok := sValue(fields); ok && v == 0 {
				findings = append(findings, Finding{
					Line: lineNo, Command: line,
					Reason: "software endstops disabled",
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan gcode: %w", err)
	}
	return findings, nil
}

func sValue(fields []string) (float64, bool) {
	for _, f := range fields[1:] {
		if len(f) > 1 && (f[0] == 'S' || f[0] == 's') {
			v, err := strconv.ParseFloat(f[1:], 64)
			if err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
