package fulfillment_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/billing"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/fulfillment"
	"github.com/kiln-farm/kiln/pkg/payments"
	"github.com/kiln-farm/kiln/pkg/store"
)

type fakeProvider struct {
	mu         sync.Mutex
	name       string
	quotePrice float64
	orderPrice float64 // confirmed price; 0 means echo the quote
	failQuote  bool
	failOrder  bool
	orderCalls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Quote(ctx context.Context, req fulfillment.QuoteRequest) (*fulfillment.ProviderQuote, error) {
	if f.failQuote {
		return nil, fault.New(fault.KindInternal, f.name+": quote endpoint down")
	}
	return &fulfillment.ProviderQuote{TotalPrice: f.quotePrice, Currency: "USD", EstimatedDays: 5}, nil
}

func (f *fakeProvider) PlaceOrder(ctx context.Context, q fulfillment.Quote, req fulfillment.OrderRequest) (*fulfillment.ProviderOrder, error) {
	f.mu.Lock()
	f.orderCalls++
	f.mu.Unlock()
	if f.failOrder {
		return nil, fault.New(fault.KindInternal, f.name+": order endpoint down")
	}
	confirmed := f.orderPrice
	if confirmed == 0 {
		confirmed = q.TotalPrice
	}
	return &fulfillment.ProviderOrder{
		ProviderOrderID: f.name + "-order-1",
		ConfirmedPrice:  confirmed,
		Currency:        "USD",
		Status:          "accepted",
	}, nil
}

type denyAll struct{}

func (denyAll) AllowNetworkOrder(ctx context.Context, userEmail string) (bool, string, error) {
	return false, "monthly network order limit reached", nil
}

type fixture struct {
	orch  *fulfillment.Orchestrator
	fake  *payments.Fake
	cache *fulfillment.MemoryCache
}

func newFixture(t *testing.T, freeTier int, opts ...fulfillment.Option) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fulfillment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cs, err := billing.NewSQLiteChargeStore(db)
	require.NoError(t, err)
	policy := billing.DefaultFeePolicy()
	policy.FreeTierJobsPerMonth = freeTier
	ledger := billing.NewLedger(policy, cs)

	fake := payments.NewFake("stripe", false)
	pm := payments.NewManager(ledger)
	pm.Register(fake)

	cache := fulfillment.NewMemoryCache()
	t.Cleanup(cache.Close)
	return &fixture{
		orch:  fulfillment.NewOrchestrator(cache, ledger, pm, opts...),
		fake:  fake,
		cache: cache,
	}
}

func TestQuoteIssuesToken(t *testing.T) {
	fx := newFixture(t, 0)
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})

	res, err := fx.orch.HandleQuote(context.Background(), "crafty", "alice@example.com",
		fulfillment.QuoteRequest{FileName: "widget.stl", Material: "pla", Quantity: 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Token, "qt_"))
	assert.Equal(t, 100.0, res.TotalPrice)
	assert.Equal(t, 5.0, res.Fee.FeeAmount, "5%% of 100")
	assert.False(t, res.Fee.Waived)
	assert.Equal(t, 1, fx.cache.Len())
	assert.False(t, res.ExpiresAt.IsZero())
}

func TestQuoteUnknownProvider(t *testing.T) {
	fx := newFixture(t, 0)
	_, err := fx.orch.HandleQuote(context.Background(), "nope", "alice@example.com", fulfillment.QuoteRequest{})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestOrderTokenIsSingleUse(t *testing.T) {
	fx := newFixture(t, 0)
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})
	ctx := context.Background()

	q, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{Quantity: 1})
	require.NoError(t, err)

	res, err := fx.orch.HandleOrder(ctx, "crafty", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	require.NoError(t, err)
	assert.Equal(t, "crafty-order-1", res.ProviderOrderID)
	assert.Equal(t, 100.0, res.ConfirmedPrice)
	require.NotNil(t, res.Payment)
	assert.Equal(t, 1, fx.fake.ChargeCalls)

	_, err = fx.orch.HandleOrder(ctx, "crafty", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindQuoteNotFound), "replayed token is gone")
	assert.Equal(t, 1, fx.fake.ChargeCalls, "no second charge")
}

func TestOrderMissingToken(t *testing.T) {
	fx := newFixture(t, 0)
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})
	_, err := fx.orch.HandleOrder(context.Background(), "crafty", "", "alice@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindQuoteNotFound))
}

func TestOrderExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	fx := newFixture(t, 0, fulfillment.WithClock(clock), fulfillment.WithQuoteTTL(time.Hour))
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})
	ctx := context.Background()

	q, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err = fx.orch.HandleOrder(ctx, "crafty", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindQuoteExpired))
	assert.Equal(t, 0, fx.fake.ChargeCalls)
}

func TestOrderProviderAndOwnershipMismatch(t *testing.T) {
	fx := newFixture(t, 0)
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})
	fx.orch.Register(&fakeProvider{name: "hubs", quotePrice: 90})
	ctx := context.Background()

	q, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	_, err = fx.orch.HandleOrder(ctx, "hubs", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindProviderMismatch))

	q2, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	_, err = fx.orch.HandleOrder(ctx, "crafty", q2.Token, "mallory@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindOwnershipMismatch))
	assert.Equal(t, 0, fx.fake.ChargeCalls)
}

func TestOrderFailureRefundsFee(t *testing.T) {
	fx := newFixture(t, 0)
	provider := &fakeProvider{name: "crafty", quotePrice: 100, failOrder: true}
	fx.orch.Register(provider)
	ctx := context.Background()

	q, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	_, err = fx.orch.HandleOrder(ctx, "crafty", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee refunded")
	assert.Equal(t, 1, fx.fake.ChargeCalls)

	amt, ok := fx.fake.Refunded("stripe-pay-1")
	require.True(t, ok, "charged fee refunded after order failure")
	assert.Equal(t, 5.0, amt)
}

func TestPriceDriftGuard(t *testing.T) {
	fx := newFixture(t, 0)
	// 25% over the quoted price: blocked and refunded.
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100, orderPrice: 125})
	ctx := context.Background()

	q, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	_, err = fx.orch.HandleOrder(ctx, "crafty", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindPriceDriftBlocked))
	_, refunded := fx.fake.Refunded("stripe-pay-1")
	assert.True(t, refunded)

	// 5% drift: order goes through with a warning.
	fx2 := newFixture(t, 0)
	fx2.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100, orderPrice: 105})
	q2, err := fx2.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	res, err := fx2.orch.HandleOrder(ctx, "crafty", q2.Token, "alice@example.com", fulfillment.OrderRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.DriftWarning)
	assert.Equal(t, 105.0, res.ConfirmedPrice)
}

func TestEntitlementsGateOrders(t *testing.T) {
	fx := newFixture(t, 0, fulfillment.WithEntitlements(denyAll{}))
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})
	ctx := context.Background()

	q, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	_, err = fx.orch.HandleOrder(ctx, "crafty", q.Token, "alice@example.com", fulfillment.OrderRequest{})
	assert.True(t, fault.Is(err, fault.KindRateLimited))
	assert.Equal(t, 0, fx.fake.ChargeCalls)
}

// Two concurrent orders from the same user with one free-tier slot must
// serialize: exactly one waived fee and one real charge.
func TestConcurrentOrdersShareOneFreeSlot(t *testing.T) {
	fx := newFixture(t, 1)
	fx.orch.Register(&fakeProvider{name: "crafty", quotePrice: 100})
	ctx := context.Background()

	q1, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)
	q2, err := fx.orch.HandleQuote(ctx, "crafty", "alice@example.com", fulfillment.QuoteRequest{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*fulfillment.OrderResult, 2)
	errs := make([]error, 2)
	for i, token := range []string{q1.Token, q2.Token} {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			results[i], errs[i] = fx.orch.HandleOrder(ctx, "crafty", token, "alice@example.com", fulfillment.OrderRequest{})
		}(i, token)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	waived := 0
	for _, res := range results {
		if res.Fee.Waived {
			waived++
		}
	}
	assert.Equal(t, 1, waived, "exactly one order rides the free slot")
	assert.Equal(t, 1, fx.fake.ChargeCalls, "the other pays")
}
