package payments

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/billing"
	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/fault"
)

// RailCrypto is the alias resolved to the first crypto-capable provider.
const RailCrypto = "crypto"

// Manager routes fee operations to the active rail and owns the flow
// invariants: waiver short-circuit, spend-limit precheck, per-job
// idempotency, and authorize/capture synthesis.
type Manager struct {
	mu          sync.Mutex
	providers   map[string]Provider
	order       []string // registration order
	defaultRail string
	jobLocks    map[string]*sync.Mutex

	ledger *billing.Ledger
	bus    *events.Bus
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultRail sets the configured default rail.
func WithDefaultRail(rail string) Option {
	return func(m *Manager) { m.defaultRail = rail }
}

// WithBus attaches the event bus.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// NewManager creates a manager over the billing ledger.
func NewManager(ledger *billing.Ledger, opts ...Option) *Manager {
	m := &Manager{
		providers: make(map[string]Provider),
		jobLocks:  make(map[string]*sync.Mutex),
		ledger:    ledger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider. The first registration is the fallback rail.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.providers[p.Rail()]; dup {
		return
	}
	m.providers[p.Rail()] = p
	m.order = append(m.order, p.Rail())
}

// selectProvider resolves caller rail > configured default > first
// registered. The "crypto" alias picks the first crypto-capable rail.
func (m *Manager) selectProvider(requested string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if requested == RailCrypto {
		for _, rail := range m.order {
			if m.providers[rail].Crypto() {
				return m.providers[rail], nil
			}
		}
		return nil, fault.New(fault.KindValidation, "payments: no crypto-capable rail registered")
	}
	if requested != "" {
		p, ok := m.providers[requested]
		if !ok {
			return nil, fault.Newf(fault.KindValidation, "payments: unknown rail %q", requested)
		}
		return p, nil
	}
	if m.defaultRail != "" {
		if p, ok := m.providers[m.defaultRail]; ok {
			return p, nil
		}
	}
	if len(m.order) == 0 {
		return nil, fault.New(fault.KindValidation, "payments: no providers registered")
	}
	return m.providers[m.order[0]], nil
}

func (m *Manager) jobLock(jobID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		m.jobLocks[jobID] = l
	}
	return l
}

func (m *Manager) releaseJobLock(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobLocks, jobID)
}

// waivedPayment is the synthetic success for waived or zero fees.
func waivedPayment(reference, rail string) *Payment {
	return &Payment{
		Reference: reference,
		Rail:      rail,
		Status:    StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
}

// ChargeFee charges a job's network fee. Waived or non-positive fees
// short-circuit; an already-completed charge for the job returns the
// existing record without touching the provider.
func (m *Manager) ChargeFee(ctx context.Context, jobID string, fee billing.FeeCalculation, rail string) (*Payment, error) {
	if fee.Waived || fee.FeeAmount <= 0 {
		// Waived charges still get a ledger row: the free-tier counter
		// counts this month's waived rows.
		if fee.Waived && jobID != "" {
			if _, _, err := m.ledger.RecordCharge(ctx, jobID, fee, "", rail, string(StatusCompleted)); err != nil {
				slog.Error("payments: failed to record waived charge", "job_id", jobID, "error", err)
			}
		}
		return waivedPayment(jobID, rail), nil
	}

	lock := m.jobLock(jobID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseJobLock(jobID)
	}()

	if existing, err := m.ledger.GetCharge(ctx, jobID); err == nil && existing != nil &&
		existing.PaymentStatus == string(StatusCompleted) {
		return &Payment{
			ID:        existing.PaymentID,
			Reference: jobID,
			Amount:    existing.FeeAmount,
			Currency:  existing.Currency,
			Rail:      existing.PaymentRail,
			Status:    StatusCompleted,
			CreatedAt: existing.CreatedAt,
		}, nil
	}

	if err := m.precheck(ctx, fee.FeeAmount); err != nil {
		return nil, err
	}
	provider, err := m.selectProvider(rail)
	if err != nil {
		return nil, err
	}

	m.publish(events.TypePaymentInitiated, jobID, provider.Rail(), fee.FeeAmount)
	payment, err := provider.Charge(ctx, ChargeRequest{
		Reference: jobID, Amount: fee.FeeAmount, Currency: fee.Currency,
		Memo: "kiln network fee",
	})
	if err != nil {
		m.publish(events.TypePaymentFailed, jobID, provider.Rail(), fee.FeeAmount)
		return nil, fault.Wrap(fault.KindPaymentFailed, "payments: charge failed", err)
	}

	if _, _, err := m.ledger.RecordCharge(ctx, jobID, fee, payment.ID, provider.Rail(), string(payment.Status)); err != nil {
		slog.Error("payments: charge succeeded but ledger write failed",
			"job_id", jobID, "payment_id", payment.ID, "error", err)
	}
	m.publish(events.TypePaymentCompleted, jobID, provider.Rail(), fee.FeeAmount)
	return payment, nil
}

// AuthorizeFee places a hold for a quote. Providers without native
// authorize get an empty hold id; capture maps that to a plain charge.
func (m *Manager) AuthorizeFee(ctx context.Context, quoteID string, fee billing.FeeCalculation, rail string) (string, error) {
	if fee.Waived || fee.FeeAmount <= 0 {
		return "", nil
	}
	if err := m.precheck(ctx, fee.FeeAmount); err != nil {
		return "", err
	}
	provider, err := m.selectProvider(rail)
	if err != nil {
		return "", err
	}

	auth, ok := provider.(Authorizer)
	if !ok {
		return "", nil
	}
	holdID, err := auth.Authorize(ctx, ChargeRequest{
		Reference: quoteID, Amount: fee.FeeAmount, Currency: fee.Currency,
	})
	if err != nil {
		return "", fault.Wrap(fault.KindPaymentFailed, "payments: authorize failed", err)
	}
	return holdID, nil
}

// CaptureFee settles a previously authorized hold against an order. The
// amount always comes from the server-side fee calculation, never from
// caller input.
func (m *Manager) CaptureFee(ctx context.Context, holdID, orderID string, fee billing.FeeCalculation, rail string) (*Payment, error) {
	if fee.Waived || fee.FeeAmount <= 0 {
		return m.ChargeFee(ctx, orderID, fee, rail)
	}
	provider, err := m.selectProvider(rail)
	if err != nil {
		return nil, err
	}

	if holdID == "" {
		return m.ChargeFee(ctx, orderID, fee, rail)
	}
	auth, ok := provider.(Authorizer)
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "payments: rail %s cannot capture hold %s", provider.Rail(), holdID)
	}

	m.publish(events.TypePaymentInitiated, orderID, provider.Rail(), fee.FeeAmount)
	payment, err := auth.Capture(ctx, holdID, ChargeRequest{
		Reference: orderID, Amount: fee.FeeAmount, Currency: fee.Currency,
	})
	if err != nil {
		m.publish(events.TypePaymentFailed, orderID, provider.Rail(), fee.FeeAmount)
		return nil, fault.Wrap(fault.KindPaymentFailed, "payments: capture failed", err)
	}
	if _, _, err := m.ledger.RecordCharge(ctx, orderID, fee, payment.ID, provider.Rail(), string(payment.Status)); err != nil {
		slog.Error("payments: capture succeeded but ledger write failed",
			"order_id", orderID, "payment_id", payment.ID, "error", err)
	}
	m.publish(events.TypePaymentCompleted, orderID, provider.Rail(), fee.FeeAmount)
	return payment, nil
}

// CancelFee releases a hold.
func (m *Manager) CancelFee(ctx context.Context, holdID, rail string) error {
	if holdID == "" {
		return nil
	}
	provider, err := m.selectProvider(rail)
	if err != nil {
		return err
	}
	auth, ok := provider.(Authorizer)
	if !ok {
		return nil
	}
	return auth.CancelHold(ctx, holdID)
}

// RefundPayment refunds a captured payment, e.g. after order placement
// fails post-capture.
func (m *Manager) RefundPayment(ctx context.Context, paymentID string, amount float64, rail string) error {
	if paymentID == "" {
		return nil
	}
	provider, err := m.selectProvider(rail)
	if err != nil {
		return err
	}
	if err := provider.Refund(ctx, paymentID, amount); err != nil {
		return fault.Wrap(fault.KindPaymentFailed, "payments: refund failed", err)
	}
	return nil
}

func (m *Manager) precheck(ctx context.Context, fee float64) error {
	ok, reason, err := m.ledger.CheckSpendLimits(ctx, fee)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.KindSpendLimit, "payments: "+reason)
	}
	return nil
}

func (m *Manager) publish(t events.Type, reference, rail string, amount float64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(t, "payments", map[string]any{
		"reference": reference,
		"rail":      rail,
		"amount":    amount,
	}))
}
