// Package billing implements the network-fee ledger: fee calculation
// with a monthly free tier, idempotent charge recording, spend limits,
// and revenue aggregation.
package billing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// FeePolicy configures how network fees are derived from job cost.
type FeePolicy struct {
	NetworkFeePercent    float64 `json:"network_fee_percent"`
	MinFee               float64 `json:"min_fee"`
	MaxFee               float64 `json:"max_fee"`
	FreeTierJobsPerMonth int     `json:"free_tier_jobs_per_month"`
	Currency             string  `json:"currency"`
}

// DefaultFeePolicy is the stock network policy.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		NetworkFeePercent:    5,
		MinFee:               0.25,
		MaxFee:               200,
		FreeTierJobsPerMonth: 5,
		Currency:             "USD",
	}
}

// SpendLimits caps outgoing fees. Zero means unlimited.
type SpendLimits struct {
	MaxPerOrder float64 `json:"max_per_order"`
	MaxPerDay   float64 `json:"max_per_day"`
	MaxPerMonth float64 `json:"max_per_month"`
}

// FeeCalculation is the outcome of CalculateFee.
type FeeCalculation struct {
	Cost             float64 `json:"cost"`
	FeeAmount        float64 `json:"fee_amount"`
	EffectivePercent float64 `json:"effective_percent"`
	Currency         string  `json:"currency"`
	Waived           bool    `json:"waived"`
	WaiverReason     string  `json:"waiver_reason,omitempty"`
}

// Charge is one persisted ledger row, unique per job_id.
type Charge struct {
	JobID         string    `json:"job_id"`
	FeeAmount     float64   `json:"fee_amount"`
	Currency      string    `json:"currency"`
	Waived        bool      `json:"waived"`
	WaiverReason  string    `json:"waiver_reason,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	PaymentRail   string    `json:"payment_rail,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MonthRevenue is one row of the monthly aggregation.
type MonthRevenue struct {
	Month       string  `json:"month"` // "2026-03", UTC calendar month
	TotalFees   float64 `json:"total_fees"`
	JobCount    int     `json:"job_count"`
	WaivedCount int     `json:"waived_count"`
}

// ChargeStore is the durable backing of the ledger.
type ChargeStore interface {
	// InsertIgnore persists the charge unless the job_id already exists.
	// When it does, the existing row is returned and inserted is false.
	InsertIgnore(ctx context.Context, c *Charge) (inserted bool, existing *Charge, err error)
	Get(ctx context.Context, jobID string) (*Charge, error)
	// MonthStats returns counts and fee totals for one UTC calendar month.
	MonthStats(ctx context.Context, year int, month time.Month) (jobs, waived int, totalFees float64, err error)
	// FeesSince sums non-waived fees recorded at or after t.
	FeesSince(ctx context.Context, t time.Time) (float64, error)
	MonthlyRevenue(ctx context.Context) ([]MonthRevenue, error)
}

// Ledger combines policy, limits, and the durable store behind one lock
// so the free-tier counter read and the record stay consistent.
type Ledger struct {
	mu     sync.Mutex
	policy FeePolicy
	limits SpendLimits
	store  ChargeStore
	clock  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSpendLimits installs spend caps.
func WithSpendLimits(l SpendLimits) Option {
	return func(led *Ledger) { led.limits = l }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(led *Ledger) { led.clock = clock }
}

// NewLedger creates a ledger over a charge store.
func NewLedger(policy FeePolicy, store ChargeStore, opts ...Option) *Ledger {
	l := &Ledger{policy: policy, store: store, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the active fee policy.
func (l *Ledger) Policy() FeePolicy { return l.policy }

// CalculateFee derives the fee for a job cost. Free-tier months waive the
// fee entirely; zero or negative cost yields a zero, non-waived fee.
func (l *Ledger) CalculateFee(ctx context.Context, cost float64) (FeeCalculation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calculateFeeLocked(ctx, cost)
}

func (l *Ledger) calculateFeeLocked(ctx context.Context, cost float64) (FeeCalculation, error) {
	calc := FeeCalculation{Cost: cost, Currency: l.policy.Currency}

	if cost <= 0 {
		return calc, nil
	}

	now := l.clock().UTC()
	_, waived, _, err := l.store.MonthStats(ctx, now.Year(), now.Month())
	if err != nil {
		return calc, fault.Wrap(fault.KindInternal, "billing: month stats", err)
	}
	if waived < l.policy.FreeTierJobsPerMonth {
		calc.Waived = true
		calc.WaiverReason = fmt.Sprintf("Free tier: job %d of %d free this month",
			waived+1, l.policy.FreeTierJobsPerMonth)
		return calc, nil
	}

	fee := cost * l.policy.NetworkFeePercent / 100
	fee = math.Max(l.policy.MinFee, math.Min(l.policy.MaxFee, fee))
	calc.FeeAmount = round2(fee)
	calc.EffectivePercent = round2(calc.FeeAmount / cost * 100)
	return calc, nil
}

// RecordCharge persists one charge row. A duplicate job_id is a no-op
// that returns the existing row, which is the hook the payment-retry
// protocol relies on.
func (l *Ledger) RecordCharge(ctx context.Context, jobID string, calc FeeCalculation, paymentID, rail, status string) (*Charge, bool, error) {
	if jobID == "" {
		return nil, false, fault.New(fault.KindValidation, "billing: job_id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	charge := &Charge{
		JobID:         jobID,
		FeeAmount:     calc.FeeAmount,
		Currency:      calc.Currency,
		Waived:        calc.Waived,
		WaiverReason:  calc.WaiverReason,
		PaymentID:     paymentID,
		PaymentRail:   rail,
		PaymentStatus: status,
		CreatedAt:     l.clock().UTC(),
	}
	inserted, existing, err := l.store.InsertIgnore(ctx, charge)
	if err != nil {
		return nil, false, fault.Wrap(fault.KindInternal, "billing: record charge", err)
	}
	if !inserted {
		return existing, false, nil
	}
	return charge, true, nil
}

// GetCharge loads one charge by job id.
func (l *Ledger) GetCharge(ctx context.Context, jobID string) (*Charge, error) {
	c, err := l.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CheckSpendLimits verifies a proposed fee against the per-order cap and
// the rolling day/month totals. A fee of exactly the cap passes.
func (l *Ledger) CheckSpendLimits(ctx context.Context, proposedFee float64) (bool, string, error) {
	if l.limits.MaxPerOrder > 0 && proposedFee > l.limits.MaxPerOrder {
		return false, fmt.Sprintf("fee %.2f exceeds per-order limit %.2f", proposedFee, l.limits.MaxPerOrder), nil
	}

	now := l.clock().UTC()
	if l.limits.MaxPerDay > 0 {
		dayTotal, err := l.store.FeesSince(ctx, now.Add(-24*time.Hour))
		if err != nil {
			return false, "", fault.Wrap(fault.KindInternal, "billing: day total", err)
		}
		if dayTotal+proposedFee > l.limits.MaxPerDay {
			return false, fmt.Sprintf("fee %.2f would exceed daily limit %.2f (%.2f spent)",
				proposedFee, l.limits.MaxPerDay, dayTotal), nil
		}
	}
	if l.limits.MaxPerMonth > 0 {
		_, _, monthTotal, err := l.store.MonthStats(ctx, now.Year(), now.Month())
		if err != nil {
			return false, "", fault.Wrap(fault.KindInternal, "billing: month total", err)
		}
		if monthTotal+proposedFee > l.limits.MaxPerMonth {
			return false, fmt.Sprintf("fee %.2f would exceed monthly limit %.2f (%.2f spent)",
				proposedFee, l.limits.MaxPerMonth, monthTotal), nil
		}
	}
	return true, "", nil
}

// MonthlyRevenue aggregates fees by UTC calendar month.
func (l *Ledger) MonthlyRevenue(ctx context.Context) ([]MonthRevenue, error) {
	return l.store.MonthlyRevenue(ctx)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
