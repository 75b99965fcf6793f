package service

import (
	"context"
	"encoding/base64"

	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/fulfillment"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/queue"
	"github.com/kiln-farm/kiln/pkg/safety"
	"github.com/kiln-farm/kiln/pkg/tools"
	"github.com/kiln-farm/kiln/pkg/watcher"
)

const printerArgSchema = `{
	"type": "object",
	"properties": {"printer": {"type": "string"}},
	"additionalProperties": false
}`

// registerTools builds the agent-facing tool surface over the wired
// collaborators. Printer arguments are optional everywhere; an empty
// name resolves to the fleet default.
func (s *Service) registerTools() error {
	reg := []*tools.Tool{
		{
			Name:        "printer_status",
			Category:    tools.CategoryPrinterControl,
			Description: "Live state and job progress for one printer",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.PrinterStatus(ctx, str(args, "printer"))
			},
		},
		{
			Name:        "fleet_status",
			Category:    tools.CategoryPrinterControl,
			Description: "State of every connected printer",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.FleetStatus(ctx), nil
			},
		},
		{
			Name:        "pause_print",
			Category:    tools.CategoryPrinterControl,
			Description: "Pause the active print",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, s.PausePrint(ctx, str(args, "printer"))
			},
		},
		{
			Name:        "resume_print",
			Category:    tools.CategoryPrinterControl,
			Description: "Resume a paused print",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, s.ResumePrint(ctx, str(args, "printer"))
			},
		},
		{
			Name:        "cancel_print",
			Category:    tools.CategoryPrinterControl,
			Description: "Cancel the active print and its queue job",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, s.CancelPrint(ctx, str(args, "printer"))
			},
		},
		{
			Name:        "set_temperature",
			Category:    tools.CategoryPrinterControl,
			Description: "Set hotend or bed target temperature",
			Schema: `{
				"type": "object",
				"properties": {
					"printer": {"type": "string"},
					"heater": {"type": "string", "enum": ["tool", "bed"]},
					"target_c": {"type": "number", "minimum": 0, "maximum": 400}
				},
				"required": ["heater", "target_c"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				target := num(args, "target_c")
				if str(args, "heater") == "bed" {
					return nil, s.SetBedTemp(ctx, str(args, "printer"), target)
				}
				return nil, s.SetToolTemp(ctx, str(args, "printer"), target)
			},
		},
		{
			Name:        "emergency_stop",
			Category:    tools.CategoryRecovery,
			Description: "Immediately halt one printer, or the whole fleet when none is named",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if name := str(args, "printer"); name != "" {
					return s.safety.EmergencyStop(ctx, name, safety.ReasonOperator), nil
				}
				return s.safety.EmergencyStopAll(ctx, safety.ReasonFleetStop), nil
			},
		},
		{
			Name:        "clear_emergency_stop",
			Category:    tools.CategoryRecovery,
			Description: "Clear a printer's emergency-stop latch after inspection",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, s.safety.ClearStop(str(args, "printer"))
			},
		},
		{
			Name:        "power_loss_resume",
			Category:    tools.CategoryRecovery,
			Description: "Send the firmware-level resume sequence at a recorded Z height",
			Schema: `{
				"type": "object",
				"properties": {
					"printer": {"type": "string"},
					"z_height_mm": {"type": "number", "minimum": 0},
					"bed_temp_c": {"type": "number", "minimum": 0},
					"hotend_temp_c": {"type": "number", "minimum": 0}
				},
				"required": ["z_height_mm", "bed_temp_c", "hotend_temp_c"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				seq := printer.ResumeSequence(printer.ResumeParams{
					ZHeightMM:   num(args, "z_height_mm"),
					BedTempC:    num(args, "bed_temp_c"),
					HotendTempC: num(args, "hotend_temp_c"),
				})
				ok, err := s.SendGcode(ctx, str(args, "printer"), seq)
				return map[string]any{"sent": ok, "commands": len(seq)}, err
			},
		},
		{
			Name:        "submit_job",
			Category:    tools.CategoryQueue,
			Description: "Queue a file for printing; routes by material when no printer is named",
			Schema: `{
				"type": "object",
				"properties": {
					"file": {"type": "string"},
					"printer": {"type": "string"},
					"user": {"type": "string"},
					"material": {"type": "string"},
					"priority": {"type": "integer", "minimum": 0, "maximum": 10}
				},
				"required": ["file"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				metadata := map[string]any{}
				if m := str(args, "material"); m != "" {
					metadata["material"] = m
				}
				return s.SubmitJob(ctx, str(args, "file"), str(args, "printer"),
					str(args, "user"), int(num(args, "priority")), metadata)
			},
		},
		{
			Name:        "start_job",
			Category:    tools.CategoryQueue,
			Description: "Start a queued job on its printer",
			Schema: `{
				"type": "object",
				"properties": {"job_id": {"type": "string"}},
				"required": ["job_id"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, s.StartJob(ctx, str(args, "job_id"))
			},
		},
		{
			Name:        "get_queue",
			Category:    tools.CategoryQueue,
			Description: "Queue occupancy and pending jobs",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{
					"counts": s.queue.Counts(),
					"queued": s.queue.List(queue.StatusQueued, 20),
				}, nil
			},
		},
		{
			Name:        "job_history",
			Category:    tools.CategoryQueue,
			Description: "Persisted job history, newest first",
			Schema: `{
				"type": "object",
				"properties": {"limit": {"type": "integer", "minimum": 1, "maximum": 500}},
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit := int(num(args, "limit"))
				if limit == 0 {
					limit = 50
				}
				return s.History(ctx, limit)
			},
		},
		{
			Name:        "list_files",
			Category:    tools.CategoryFiles,
			Description: "Files stored on a printer",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.Files(ctx, str(args, "printer"))
			},
		},
		{
			Name:        "upload_file",
			Category:    tools.CategoryFiles,
			Description: "Upload a local file to a printer",
			Schema: `{
				"type": "object",
				"properties": {
					"printer": {"type": "string"},
					"path": {"type": "string"}
				},
				"required": ["path"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.Upload(ctx, str(args, "printer"), str(args, "path"))
			},
		},
		{
			Name:        "get_charge",
			Category:    tools.CategoryBilling,
			Description: "Look up the recorded platform fee for a job",
			Schema: `{
				"type": "object",
				"properties": {"job_id": {"type": "string"}},
				"required": ["job_id"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.ledger.GetCharge(ctx, str(args, "job_id"))
			},
		},
		{
			Name:        "monthly_revenue",
			Category:    tools.CategoryBilling,
			Description: "Fee revenue grouped by month",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.ledger.MonthlyRevenue(ctx)
			},
		},
		{
			Name:        "get_quote",
			Category:    tools.CategoryFulfillment,
			Description: "Quote a print job with a network fulfillment provider",
			Schema: `{
				"type": "object",
				"properties": {
					"provider": {"type": "string"},
					"user": {"type": "string"},
					"file": {"type": "string"},
					"service": {"type": "string"},
					"material": {"type": "string"},
					"quantity": {"type": "integer", "minimum": 1}
				},
				"required": ["provider", "user", "file"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				qty := int(num(args, "quantity"))
				if qty == 0 {
					qty = 1
				}
				return s.fulfillment.HandleQuote(ctx, str(args, "provider"), str(args, "user"),
					fulfillment.QuoteRequest{
						FileName: str(args, "file"),
						Service:  str(args, "service"),
						Material: str(args, "material"),
						Quantity: qty,
					})
			},
		},
		{
			Name:        "place_order",
			Category:    tools.CategoryFulfillment,
			Description: "Redeem a quote token and place the network order",
			Schema: `{
				"type": "object",
				"properties": {
					"provider": {"type": "string"},
					"token": {"type": "string"},
					"user": {"type": "string"},
					"shipping_name": {"type": "string"},
					"shipping_address": {"type": "string"},
					"notes": {"type": "string"}
				},
				"required": ["provider", "token", "user"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.fulfillment.HandleOrder(ctx, str(args, "provider"), str(args, "token"),
					str(args, "user"), fulfillment.OrderRequest{
						ShippingName:    str(args, "shipping_name"),
						ShippingAddress: str(args, "shipping_address"),
						Notes:           str(args, "notes"),
					})
			},
		},
		{
			Name:        "take_snapshot",
			Category:    tools.CategoryVision,
			Description: "Grab one camera frame, base64-encoded",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				jpeg, err := s.Snapshot(ctx, str(args, "printer"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"jpeg_b64": base64.StdEncoding.EncodeToString(jpeg)}, nil
			},
		},
		{
			Name:        "start_watch",
			Category:    tools.CategoryVision,
			Description: "Begin a background watch on a printer",
			Schema:      printerArgSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				w, err := s.StartWatch(context.Background(), str(args, "printer"), watcher.Config{})
				if err != nil {
					return nil, err
				}
				return map[string]any{"watch_id": w.ID()}, nil
			},
		},
		{
			Name:        "watch_status",
			Category:    tools.CategoryVision,
			Description: "Status of a running or finished watch",
			Schema: `{
				"type": "object",
				"properties": {"watch_id": {"type": "string"}},
				"required": ["watch_id"],
				"additionalProperties": false
			}`,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id := str(args, "watch_id")
				w, ok := s.watchers.Get(id)
				if !ok {
					return nil, fault.Newf(fault.KindNotFound, "watch %q not found", id)
				}
				return w.Status(), nil
			},
		},
	}

	for _, t := range reg {
		if err := s.tools.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func str(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func num(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
