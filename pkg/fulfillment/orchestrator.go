// Package fulfillment routes quotes and orders to external manufacturing
// providers. Prices are server-authoritative: a quote is cached under an
// unguessable single-use token, and the order charges the cached price,
// never the one the client echoes back.
package fulfillment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-farm/kiln/pkg/billing"
	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
	"github.com/kiln-farm/kiln/pkg/payments"
)

// DefaultDriftThresholdPercent blocks orders whose confirmed price moved
// more than this from the quote. Lesser drift logs a warning.
const DefaultDriftThresholdPercent = 10.0

// QuoteRequest describes the part being quoted.
type QuoteRequest struct {
	FileName string
	Service  string
	Material string
	Quantity int
}

// ProviderQuote is a provider's answer to a quote request.
type ProviderQuote struct {
	TotalPrice    float64
	Currency      string
	EstimatedDays int
}

// OrderRequest carries order placement details beyond the quote itself.
type OrderRequest struct {
	ShippingName    string
	ShippingAddress string
	Notes           string
}

// ProviderOrder is a provider's confirmation of a placed order.
type ProviderOrder struct {
	ProviderOrderID string
	ConfirmedPrice  float64
	Currency        string
	Status          string
}

// Provider is one external manufacturing network.
type Provider interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (*ProviderQuote, error)
	PlaceOrder(ctx context.Context, q Quote, req OrderRequest) (*ProviderOrder, error)
}

// Entitlements gates network orders per user, e.g. monthly caps below
// the business tier.
type Entitlements interface {
	AllowNetworkOrder(ctx context.Context, userEmail string) (bool, string, error)
}

// QuoteResult is returned to the caller after a successful quote.
type QuoteResult struct {
	Token      string                 `json:"quote_token"`
	Provider   string                 `json:"provider"`
	TotalPrice float64                `json:"total_price"`
	Currency   string                 `json:"currency"`
	Fee        billing.FeeCalculation `json:"kiln_fee"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

// OrderResult is returned after a successful order.
type OrderResult struct {
	OrderID         string                 `json:"order_id"`
	ProviderOrderID string                 `json:"provider_order_id"`
	QuotedPrice     float64                `json:"quoted_price"`
	ConfirmedPrice  float64                `json:"confirmed_price"`
	Currency        string                 `json:"currency"`
	Fee             billing.FeeCalculation `json:"kiln_fee"`
	Payment         *payments.Payment      `json:"payment,omitempty"`
	DriftWarning    string                 `json:"drift_warning,omitempty"`
}

// Orchestrator owns the quote token lifecycle and the order flow.
type Orchestrator struct {
	mu        sync.Mutex
	providers map[string]Provider
	userLocks map[string]*sync.Mutex

	cache        QuoteCache
	ledger       *billing.Ledger
	payments     *payments.Manager
	entitlements Entitlements
	bus          *events.Bus

	quoteTTL       time.Duration
	driftThreshold float64 // percent
	clock          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQuoteTTL overrides the quote redemption window.
func WithQuoteTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.quoteTTL = ttl }
}

// WithDriftThreshold overrides the blocking drift percentage.
func WithDriftThreshold(percent float64) Option {
	return func(o *Orchestrator) { o.driftThreshold = percent }
}

// WithEntitlements attaches per-user order gating.
func WithEntitlements(e Entitlements) Option {
	return func(o *Orchestrator) { o.entitlements = e }
}

// WithBus attaches the event bus.
func WithBus(b *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithClock overrides time for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// NewOrchestrator wires the quote cache, ledger, and payment manager.
func NewOrchestrator(cache QuoteCache, ledger *billing.Ledger, pm *payments.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:      make(map[string]Provider),
		userLocks:      make(map[string]*sync.Mutex),
		cache:          cache,
		ledger:         ledger,
		payments:       pm,
		quoteTTL:       DefaultQuoteTTL,
		driftThreshold: DefaultDriftThresholdPercent,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a provider. Duplicate names are a no-op.
func (o *Orchestrator) Register(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.providers[p.Name()]; dup {
		return
	}
	o.providers[p.Name()] = p
}

func (o *Orchestrator) provider(name string) (Provider, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.providers[name]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "fulfillment: unknown provider %q", name)
	}
	return p, nil
}

func (o *Orchestrator) userLock(email string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.userLocks[email]
	if !ok {
		l = &sync.Mutex{}
		o.userLocks[email] = l
	}
	return l
}

// newToken produces an unguessable quote token.
func newToken() string {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process is in trouble anyway.
		return "qt_" + uuid.New().String()
	}
	return "qt_" + hex.EncodeToString(buf[:])
}

// HandleQuote gets a quote from the provider, computes the network fee,
// and caches the quote server-side under a fresh token.
func (o *Orchestrator) HandleQuote(ctx context.Context, providerName, userEmail string, req QuoteRequest) (*QuoteResult, error) {
	if userEmail == "" {
		return nil, fault.New(fault.KindValidation, "fulfillment: user email is required")
	}
	p, err := o.provider(providerName)
	if err != nil {
		return nil, err
	}

	pq, err := p.Quote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fulfillment: quote from %s failed: %w", providerName, err)
	}

	fee, err := o.ledger.CalculateFee(ctx, pq.TotalPrice)
	if err != nil {
		return nil, err
	}

	quote := Quote{
		Token:      newToken(),
		Provider:   providerName,
		Service:    req.Service,
		Material:   req.Material,
		Quantity:   req.Quantity,
		TotalPrice: pq.TotalPrice,
		Currency:   pq.Currency,
		UserEmail:  userEmail,
		ExpiresAt:  o.clock().Add(o.quoteTTL),
	}
	if err := o.cache.Put(ctx, quote); err != nil {
		return nil, err
	}

	o.publish(events.TypeQuoteIssued, map[string]any{
		"provider": providerName,
		"price":    pq.TotalPrice,
		"currency": pq.Currency,
	})
	return &QuoteResult{
		Token:      quote.Token,
		Provider:   providerName,
		TotalPrice: pq.TotalPrice,
		Currency:   pq.Currency,
		Fee:        fee,
		ExpiresAt:  quote.ExpiresAt,
	}, nil
}

// HandleOrder redeems a quote token and places the order. The token is
// consumed on first use regardless of outcome; the fee is recomputed
// inside the per-user lock so free-tier reads and the payment attempt
// cannot interleave across concurrent orders from the same user.
func (o *Orchestrator) HandleOrder(ctx context.Context, providerName, token, userEmail string, req OrderRequest) (*OrderResult, error) {
	if token == "" {
		return nil, fault.New(fault.KindQuoteNotFound, "fulfillment: quote token is required")
	}
	p, err := o.provider(providerName)
	if err != nil {
		return nil, err
	}

	quote, err := o.cache.Pop(ctx, token)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, fault.Newf(fault.KindQuoteNotFound, "fulfillment: quote %s not found or already used", token)
	}
	if quote.Expired(o.clock()) {
		return nil, fault.Newf(fault.KindQuoteExpired, "fulfillment: quote %s expired at %s",
			token, quote.ExpiresAt.Format(time.RFC3339))
	}
	if quote.Provider != providerName {
		return nil, fault.Newf(fault.KindProviderMismatch, "fulfillment: quote was issued for provider %q, not %q",
			quote.Provider, providerName)
	}
	if quote.UserEmail != userEmail {
		return nil, fault.New(fault.KindOwnershipMismatch, "fulfillment: quote belongs to a different user")
	}

	if o.entitlements != nil {
		ok, reason, err := o.entitlements.AllowNetworkOrder(ctx, userEmail)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.New(fault.KindRateLimited, "fulfillment: "+reason)
		}
	}

	orderID := "ord_" + uuid.New().String()

	// The fee is recomputed from the cached price under the user lock:
	// free-tier slot consumption and the charge are one critical section.
	var fee billing.FeeCalculation
	var payment *payments.Payment
	func() {
		lock := o.userLock(userEmail)
		lock.Lock()
		defer lock.Unlock()
		fee, err = o.ledger.CalculateFee(ctx, quote.TotalPrice)
		if err != nil {
			return
		}
		payment, err = o.payments.ChargeFee(ctx, orderID, fee, "")
	}()
	if err != nil {
		return nil, err
	}

	order, err := p.PlaceOrder(ctx, *quote, req)
	if err != nil {
		if refundErr := o.refund(ctx, payment); refundErr != nil {
			return nil, fmt.Errorf("fulfillment: order placement with %s failed and refund of %s also failed (%v): %w",
				providerName, payment.ID, refundErr, err)
		}
		return nil, fmt.Errorf("fulfillment: order placement with %s failed, fee refunded: %w", providerName, err)
	}

	result := &OrderResult{
		OrderID:         orderID,
		ProviderOrderID: order.ProviderOrderID,
		QuotedPrice:     quote.TotalPrice,
		ConfirmedPrice:  order.ConfirmedPrice,
		Currency:        quote.Currency,
		Fee:             fee,
		Payment:         payment,
	}

	if drift := driftPercent(quote.TotalPrice, order.ConfirmedPrice); drift > 0 {
		if drift > o.driftThreshold {
			refundErr := o.refund(ctx, payment)
			if refundErr != nil {
				return nil, fault.Newf(fault.KindPriceDriftBlocked,
					"fulfillment: confirmed price %.2f drifted %.1f%% from quoted %.2f and refund of %s failed (%v)",
					order.ConfirmedPrice, drift, quote.TotalPrice, payment.ID, refundErr)
			}
			return nil, fault.Newf(fault.KindPriceDriftBlocked,
				"fulfillment: confirmed price %.2f drifted %.1f%% from quoted %.2f, fee refunded",
				order.ConfirmedPrice, drift, quote.TotalPrice)
		}
		result.DriftWarning = fmt.Sprintf("confirmed price %.2f differs from quoted %.2f", order.ConfirmedPrice, quote.TotalPrice)
		slog.Warn("fulfillment: order price drifted within threshold",
			"order_id", orderID, "quoted", quote.TotalPrice, "confirmed", order.ConfirmedPrice, "drift_pct", drift)
	}

	o.publish(events.TypeOrderPlaced, map[string]any{
		"order_id":          orderID,
		"provider":          providerName,
		"provider_order_id": order.ProviderOrderID,
		"price":             order.ConfirmedPrice,
	})
	return result, nil
}

func (o *Orchestrator) refund(ctx context.Context, payment *payments.Payment) error {
	if payment == nil || payment.ID == "" {
		return nil
	}
	return o.payments.RefundPayment(ctx, payment.ID, payment.Amount, payment.Rail)
}

func (o *Orchestrator) publish(t events.Type, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.New(t, "fulfillment", data))
}

// driftPercent is the absolute percentage difference from the quoted
// price. A zero quote with a nonzero confirmation is total drift.
func driftPercent(quoted, confirmed float64) float64 {
	if quoted == confirmed {
		return 0
	}
	if quoted == 0 {
		return 100
	}
	return math.Abs(confirmed-quoted) / quoted * 100
}
