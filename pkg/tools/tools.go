// Package tools exposes fleet operations as named, schema-validated
// tools for agents and RPC callers. Every invocation returns a uniform
// envelope: {success, data?, error: {code, message}}; handlers never
// leak raw errors or panics to the caller.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Category groups tools by fleet concern.
type Category string

const (
	CategoryPrinterControl Category = "printer_control"
	CategoryQueue          Category = "queue"
	CategoryFiles          Category = "files"
	CategoryBilling        Category = "billing"
	CategoryFulfillment    Category = "fulfillment"
	CategoryRecovery       Category = "recovery"
	CategoryVision         Category = "vision"
)

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Category    Category
	Description string
	// Schema is the JSON Schema source validating the args object.
	Schema  string
	Handler Handler

	compiled *jsonschema.Schema
}

// ErrorInfo is the machine-readable failure in a Response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the uniform tool envelope.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Descriptor is the caller-visible tool listing entry.
type Descriptor struct {
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
	Schema      string   `json:"schema"`
}

// Registry holds the tool surface.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	byCategory map[Category][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		byCategory: make(map[Category][]string),
	}
}

// Register compiles the tool's schema and adds it. Duplicate names and
// uncompilable schemas are rejected.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fault.New(fault.KindValidation, "tools: tool name is required")
	}
	if t.Handler == nil {
		return fault.Newf(fault.KindValidation, "tools: tool %s has no handler", t.Name)
	}
	schema := t.Schema
	if schema == "" {
		schema = `{"type":"object"}`
	}
	compiled, err := jsonschema.CompileString(t.Name+".json", schema)
	if err != nil {
		return fault.Newf(fault.KindValidation, "tools: tool %s schema does not compile: %v", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fault.Newf(fault.KindValidation, "tools: tool %s already registered", t.Name)
	}
	t.compiled = compiled
	r.tools[t.Name] = t
	r.byCategory[t.Category] = append(r.byCategory[t.Category], t.Name)
	return nil
}

// Invoke runs a tool. All failure modes come back inside the envelope;
// Invoke itself never fails.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tools: handler panicked", "tool", name, "panic", rec)
			resp = failure(fault.KindInternal, fmt.Sprintf("tool %s panicked", name))
		}
	}()

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return failure(fault.KindNotFound, fmt.Sprintf("unknown tool %q", name))
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := t.compiled.Validate(normalizeArgs(args)); err != nil {
		return failure(fault.KindValidation, fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	data, err := t.Handler(ctx, args)
	if err != nil {
		return &Response{Success: false, Error: &ErrorInfo{
			Code:    string(fault.KindOf(err)),
			Message: err.Error(),
		}}
	}
	return &Response{Success: true, Data: data}
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{
			Name: t.Name, Category: t.Category,
			Description: t.Description, Schema: t.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory returns sorted tool names in one category.
func (r *Registry) ByCategory(c Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.byCategory[c]...)
	sort.Strings(names)
	return names
}

func failure(kind fault.Kind, message string) *Response {
	return &Response{Success: false, Error: &ErrorInfo{Code: string(kind), Message: message}}
}

// normalizeArgs rewrites Go-typed argument values into the JSON data
// model the validator expects (ints become float64, nested maps
// recurse).
func normalizeArgs(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeArgs(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeArgs(val)
		}
		return out
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
