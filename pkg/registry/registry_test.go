package registry_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/registry"
	"github.com/kiln-farm/kiln/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type staticCreds map[string]string

func (c staticCreds) Resolve(ctx context.Context, ref string) (string, error) {
	key, ok := c[ref]
	if !ok {
		return "", fault.Newf(fault.KindNotFound, "credential %s not found", ref)
	}
	return key, nil
}

func TestRegistry_FirstConnectedBecomesDefault(t *testing.T) {
	ctx := context.Background()
	r := registry.New()

	_, err := r.Connect(ctx, "voron", registry.BackendVirtual, "", "", "")
	require.NoError(t, err)
	_, err = r.Connect(ctx, "mk4", registry.BackendVirtual, "", "", "")
	require.NoError(t, err)

	assert.Equal(t, "voron", r.DefaultName())

	// Empty name resolves to the default.
	p, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "voron", p.Name())

	require.NoError(t, r.SetDefault(ctx, "mk4"))
	p, _ = r.Get("")
	assert.Equal(t, "mk4", p.Name())
}

func TestRegistry_DuplicateAndUnknown(t *testing.T) {
	ctx := context.Background()
	r := registry.New()

	_, err := r.Connect(ctx, "voron", registry.BackendVirtual, "", "", "")
	require.NoError(t, err)

	_, err = r.Connect(ctx, "voron", registry.BackendVirtual, "", "", "")
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = r.Connect(ctx, "x", "klipperweb", "http://x", "", "")
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = r.Get("ghost")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	err = r.Disconnect(ctx, "ghost")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRegistry_KeyedBackendsRequireAPIKey(t *testing.T) {
	ctx := context.Background()
	r := registry.New()

	_, err := r.Connect(ctx, "octo", registry.BackendOctoPrint, "http://octo.local", "", "")
	assert.True(t, fault.Is(err, fault.KindAuthRequired))

	_, err = r.Connect(ctx, "mk4", registry.BackendPrusaLink, "http://mk4.local", "", "")
	assert.True(t, fault.Is(err, fault.KindAuthRequired))

	// Moonraker runs open.
	_, err = r.Connect(ctx, "trident", registry.BackendMoonraker, "http://trident.local", "", "")
	assert.NoError(t, err)
}

func TestRegistry_DisconnectMovesDefault(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	var seen []events.Type
	bus.SubscribePrefix("printer.", func(ev events.Event) { seen = append(seen, ev.Type) })

	r := registry.New(registry.WithBus(bus))
	_, _ = r.Connect(ctx, "b-printer", registry.BackendVirtual, "", "", "")
	_, _ = r.Connect(ctx, "a-printer", registry.BackendVirtual, "", "", "")
	require.Equal(t, "b-printer", r.DefaultName())

	require.NoError(t, r.Disconnect(ctx, "b-printer"))
	assert.Equal(t, "a-printer", r.DefaultName())

	require.NoError(t, r.Disconnect(ctx, "a-printer"))
	assert.Equal(t, "", r.DefaultName())
	_, err := r.Get("")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	assert.Equal(t, []events.Type{
		events.TypePrinterConnected, events.TypePrinterConnected,
		events.TypePrinterDisconnected, events.TypePrinterDisconnected,
	}, seen)
}

func TestRegistry_RestoreFromStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ps, err := store.NewPrinterStore(db)
	require.NoError(t, err)

	creds := staticCreds{"printer/mk4": "secret-key"}
	r1 := registry.New(registry.WithStore(ps), registry.WithCredentials(creds))
	_, err = r1.Connect(ctx, "trident", registry.BackendMoonraker, "http://trident.local", "", "")
	require.NoError(t, err)
	_, err = r1.Connect(ctx, "mk4", registry.BackendPrusaLink, "http://mk4.local", "secret-key", "printer/mk4")
	require.NoError(t, err)
	// One record points at a credential that no longer resolves.
	require.NoError(t, ps.Save(ctx, &store.PrinterRecord{
		Name: "orphan", Backend: registry.BackendOctoPrint,
		Host: "http://orphan.local", CredentialRef: "printer/orphan",
	}))

	r2 := registry.New(registry.WithStore(ps), registry.WithCredentials(creds))
	n, err := r2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "unresolvable credential skips, not fails")

	assert.Equal(t, "trident", r2.DefaultName(), "persisted default survives restart")
	p, err := r2.Get("mk4")
	require.NoError(t, err)
	assert.Equal(t, "prusalink", p.Backend())
	_, err = r2.Get("orphan")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRegistry_ListSorted(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Connect(ctx, n, registry.BackendVirtual, "", "", "")
		require.NoError(t, err)
	}
	var names []string
	for _, p := range r.List() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}
