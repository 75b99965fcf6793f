// Package registry tracks the connected printer fleet: adapter
// construction by backend name, the default-printer pointer, and the
// persisted records that let the fleet survive restarts.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/printer"
	"github.com/kiln-farm/kiln/pkg/store"
)

// Backend names accepted by Connect.
const (
	BackendOctoPrint = "octoprint"
	BackendMoonraker = "moonraker"
	BackendPrusaLink = "prusalink"
	BackendVirtual   = "virtual"
)

// CredentialResolver looks up an API key by reference so the registry
// never persists secrets alongside printer records.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Registry is the thread-safe fleet map.
type Registry struct {
	mu          sync.RWMutex
	printers    map[string]printer.Adapter
	defaultName string

	store *store.PrinterStore
	creds CredentialResolver
	bus   *events.Bus
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists fleet membership across restarts.
func WithStore(s *store.PrinterStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithCredentials wires the secret lookup used when restoring printers.
func WithCredentials(c CredentialResolver) Option {
	return func(r *Registry) { r.creds = c }
}

// WithBus attaches the event bus for connect/disconnect events.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{printers: make(map[string]printer.Adapter)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// build constructs an adapter for a backend. PrusaLink and OctoPrint
// require an API key; Moonraker commonly runs open.
func build(name, backend, host, apiKey string) (printer.Adapter, error) {
	switch backend {
	case BackendOctoPrint:
		if apiKey == "" {
			return nil, fault.New(fault.KindAuthRequired, "registry: octoprint requires an API key")
		}
		return printer.NewOctoPrint(name, host, apiKey), nil
	case BackendMoonraker:
		return printer.NewMoonraker(name, host), nil
	case BackendPrusaLink:
		if apiKey == "" {
			return nil, fault.New(fault.KindAuthRequired, "registry: prusalink requires an API key")
		}
		return printer.NewPrusaLink(name, host, apiKey), nil
	case BackendVirtual:
		return printer.NewVirtual(name), nil
	default:
		return nil, fault.Newf(fault.KindValidation, "registry: unknown backend %q", backend)
	}
}

// Connect adds a printer to the fleet. The first printer connected
// becomes the default. credentialRef is persisted in place of the key.
func (r *Registry) Connect(ctx context.Context, name, backend, host, apiKey, credentialRef string) (printer.Adapter, error) {
	if name == "" {
		return nil, fault.New(fault.KindValidation, "registry: printer name is required")
	}
	adapter, err := build(name, backend, host, apiKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.printers[name]; exists {
		r.mu.Unlock()
		return nil, fault.Newf(fault.KindValidation, "registry: printer %q already connected", name)
	}
	r.printers[name] = adapter
	first := r.defaultName == ""
	if first {
		r.defaultName = name
	}
	r.mu.Unlock()

	if r.store != nil {
		err := r.store.Save(ctx, &store.PrinterRecord{
			Name: name, Backend: backend, Host: host,
			CredentialRef: credentialRef, IsDefault: first,
			AddedAt: time.Now().UTC(),
		})
		if err != nil {
			r.mu.Lock()
			delete(r.printers, name)
			if r.defaultName == name {
				r.defaultName = ""
			}
			r.mu.Unlock()
			return nil, fault.Wrap(fault.KindInternal, "registry: persist printer", err)
		}
	}

	r.publish(events.TypePrinterConnected, name, backend)
	return adapter, nil
}

// Disconnect removes a printer from the fleet. If it was the default,
// the default moves to another connected printer when one exists.
func (r *Registry) Disconnect(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.printers[name]; !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "registry: printer %q not connected", name)
	}
	delete(r.printers, name)
	if r.defaultName == name {
		r.defaultName = ""
		names := make([]string, 0, len(r.printers))
		for n := range r.printers {
			names = append(names, n)
		}
		sort.Strings(names)
		if len(names) > 0 {
			r.defaultName = names[0]
		}
	}
	newDefault := r.defaultName
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, name); err != nil {
			slog.Warn("registry: failed to delete printer record", "printer", name, "error", err)
		}
		if newDefault != "" {
			if err := r.store.SetDefault(ctx, newDefault); err != nil {
				slog.Warn("registry: failed to persist default printer", "printer", newDefault, "error", err)
			}
		}
	}

	r.publish(events.TypePrinterDisconnected, name, "")
	return nil
}

// Get returns the named printer, or the default when name is empty.
func (r *Registry) Get(name string) (printer.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, fault.New(fault.KindNotFound, "registry: no printers connected")
	}
	p, ok := r.printers[name]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "registry: printer %q not connected", name)
	}
	return p, nil
}

// List returns connected printers sorted by name.
func (r *Registry) List() []printer.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.printers))
	for n := range r.printers {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]printer.Adapter, 0, len(names))
	for _, n := range names {
		out = append(out, r.printers[n])
	}
	return out
}

// DefaultName returns the current default printer name, or "".
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// SetDefault re-points the default printer.
func (r *Registry) SetDefault(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.printers[name]; !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindNotFound, "registry: printer %q not connected", name)
	}
	r.defaultName = name
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetDefault(ctx, name); err != nil {
			return fault.Wrap(fault.KindInternal, "registry: persist default", err)
		}
	}
	return nil
}

// Restore reconnects persisted printers on startup. A printer whose
// credential cannot be resolved is skipped with a warning rather than
// blocking the rest of the fleet.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, "registry: load printers", err)
	}

	n := 0
	for _, rec := range records {
		apiKey := ""
		if rec.CredentialRef != "" && r.creds != nil {
			apiKey, err = r.creds.Resolve(ctx, rec.CredentialRef)
			if err != nil {
				slog.Warn("registry: skipping printer with unresolvable credential",
					"printer", rec.Name, "ref", rec.CredentialRef, "error", err)
				continue
			}
		}
		adapter, err := build(rec.Name, rec.Backend, rec.Host, apiKey)
		if err != nil {
			slog.Warn("registry: skipping unrestorable printer", "printer", rec.Name, "error", err)
			continue
		}

		r.mu.Lock()
		r.printers[rec.Name] = adapter
		if rec.IsDefault || r.defaultName == "" {
			r.defaultName = rec.Name
		}
		r.mu.Unlock()
		n++
	}
	return n, nil
}

func (r *Registry) publish(t events.Type, name, backend string) {
	if r.bus == nil {
		return
	}
	data := map[string]any{"printer": name}
	if backend != "" {
		data["backend"] = backend
	}
	r.bus.Publish(events.New(t, "registry", data))
}
