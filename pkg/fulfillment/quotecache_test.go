package fulfillment_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/fulfillment"
	"github.com/kiln-farm/kiln/pkg/store"
)

func sampleQuote(token string) fulfillment.Quote {
	return fulfillment.Quote{
		Token:      token,
		Provider:   "crafty",
		Service:    "fdm",
		Material:   "pla",
		Quantity:   2,
		TotalPrice: 42.50,
		Currency:   "USD",
		UserEmail:  "alice@example.com",
		ExpiresAt:  time.Now().Add(time.Hour).UTC(),
	}
}

func TestMemoryCachePopIsSingleUse(t *testing.T) {
	c := fulfillment.NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, sampleQuote("qt_a")))
	require.Equal(t, 1, c.Len())

	q, err := c.Pop(ctx, "qt_a")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 42.50, q.TotalPrice)

	q, err = c.Pop(ctx, "qt_a")
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = c.Pop(ctx, "qt_never")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestSQLiteCacheRoundTripAndPurge(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "quotes.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	c, err := fulfillment.NewSQLiteCache(db)
	require.NoError(t, err)
	ctx := context.Background()

	fresh := sampleQuote("qt_fresh")
	stale := sampleQuote("qt_stale")
	stale.ExpiresAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, c.Put(ctx, fresh))
	require.NoError(t, c.Put(ctx, stale))

	// Purge only removes quotes past the grace window.
	n, err := c.Purge(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	q, err := c.Pop(ctx, "qt_fresh")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, "alice@example.com", q.UserEmail)
	assert.Equal(t, 2, q.Quantity)
	assert.WithinDuration(t, fresh.ExpiresAt, q.ExpiresAt, time.Millisecond)

	q, err = c.Pop(ctx, "qt_fresh")
	require.NoError(t, err)
	assert.Nil(t, q, "pop consumed the row")

	q, err = c.Pop(ctx, "qt_stale")
	require.NoError(t, err)
	assert.Nil(t, q, "stale quote was purged")
}

func TestExpiredQuoteStillPoppableWithinGrace(t *testing.T) {
	c := fulfillment.NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	q := sampleQuote("qt_late")
	q.ExpiresAt = time.Now().Add(-time.Minute).UTC()
	require.NoError(t, c.Put(ctx, q))

	got, err := c.Pop(ctx, "qt_late")
	require.NoError(t, err)
	require.NotNil(t, got, "recently expired quotes stay poppable so orders see QUOTE_EXPIRED")
	assert.True(t, got.Expired(time.Now()))
}
