package billing_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/billing"
	"github.com/kiln-farm/kiln/pkg/store"
)

func newLedger(t *testing.T, policy billing.FeePolicy, opts ...billing.Option) *billing.Ledger {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cs, err := billing.NewSQLiteChargeStore(db)
	require.NoError(t, err)
	return billing.NewLedger(policy, cs, opts...)
}

// Burns through the free tier so fee tests see real charges.
func exhaustFreeTier(t *testing.T, ctx context.Context, l *billing.Ledger) {
	t.Helper()
	for i := 0; i < l.Policy().FreeTierJobsPerMonth; i++ {
		calc, err := l.CalculateFee(ctx, 10)
		require.NoError(t, err)
		require.True(t, calc.Waived)
		_, _, err = l.RecordCharge(ctx, fmt.Sprintf("warmup-%d", i), calc, "", "", "")
		require.NoError(t, err)
	}
}

func TestCalculateFee_FreeTierSequence(t *testing.T) {
	ctx := context.Background()
	policy := billing.DefaultFeePolicy()
	policy.FreeTierJobsPerMonth = 3
	l := newLedger(t, policy)

	for i := 1; i <= 3; i++ {
		calc, err := l.CalculateFee(ctx, 100)
		require.NoError(t, err)
		assert.True(t, calc.Waived)
		assert.Equal(t, float64(0), calc.FeeAmount)
		assert.Equal(t, fmt.Sprintf("Free tier: job %d of 3 free this month", i), calc.WaiverReason)
		_, _, err = l.RecordCharge(ctx, fmt.Sprintf("job-%d", i), calc, "", "", "")
		require.NoError(t, err)
	}

	calc, err := l.CalculateFee(ctx, 100)
	require.NoError(t, err)
	assert.False(t, calc.Waived)
	assert.Equal(t, 5.0, calc.FeeAmount, "5% of 100 once the tier is spent")
	assert.Equal(t, 5.0, calc.EffectivePercent)
}

func TestCalculateFee_ClampsAndZeroCost(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, billing.DefaultFeePolicy())
	exhaustFreeTier(t, ctx, l)

	// 5% of 1.00 = 0.05 → clamped up to min 0.25.
	calc, err := l.CalculateFee(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.25, calc.FeeAmount)
	assert.Equal(t, 25.0, calc.EffectivePercent, "effective percent reflects the clamp")

	// 5% of 10000 = 500 → clamped down to max 200.
	calc, err = l.CalculateFee(ctx, 10000)
	require.NoError(t, err)
	assert.Equal(t, 200.0, calc.FeeAmount)
	assert.Equal(t, 2.0, calc.EffectivePercent)

	// Zero and negative cost: zero fee, not waived.
	for _, cost := range []float64{0, -5} {
		calc, err = l.CalculateFee(ctx, cost)
		require.NoError(t, err)
		assert.Equal(t, float64(0), calc.FeeAmount)
		assert.False(t, calc.Waived)
		assert.Empty(t, calc.WaiverReason)
	}
}

func TestRecordCharge_IdempotentOnJobID(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, billing.DefaultFeePolicy())
	exhaustFreeTier(t, ctx, l)

	calc, err := l.CalculateFee(ctx, 100)
	require.NoError(t, err)

	first, inserted, err := l.RecordCharge(ctx, "job-1", calc, "pay-abc", "stripe", "completed")
	require.NoError(t, err)
	assert.True(t, inserted)

	// Replaying with different payment details still returns the original.
	for i := 0; i < 3; i++ {
		replay, inserted, err := l.RecordCharge(ctx, "job-1", calc, "pay-other", "circle", "pending")
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "pay-abc", replay.PaymentID)
		assert.Equal(t, first.FeeAmount, replay.FeeAmount)
	}

	got, err := l.GetCharge(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "stripe", got.PaymentRail)
}

func TestWaivedChargeInvariant(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, billing.DefaultFeePolicy())

	calc, err := l.CalculateFee(ctx, 50)
	require.NoError(t, err)
	require.True(t, calc.Waived)
	assert.Equal(t, float64(0), calc.FeeAmount)
	assert.NotEmpty(t, calc.WaiverReason)

	c, _, err := l.RecordCharge(ctx, "job-w", calc, "", "", "")
	require.NoError(t, err)
	assert.True(t, c.Waived)
	assert.Equal(t, float64(0), c.FeeAmount)
	assert.NotEmpty(t, c.WaiverReason)
}

func TestCheckSpendLimits_Boundaries(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, billing.DefaultFeePolicy(),
		billing.WithSpendLimits(billing.SpendLimits{MaxPerOrder: 50, MaxPerDay: 100, MaxPerMonth: 150}))
	exhaustFreeTier(t, ctx, l)

	ok, _, err := l.CheckSpendLimits(ctx, 50)
	require.NoError(t, err)
	assert.True(t, ok, "exactly the per-order cap passes")

	ok, reason, err := l.CheckSpendLimits(ctx, 50.01)
	require.NoError(t, err)
	assert.False(t, ok, "one cent over fails")
	assert.Contains(t, reason, "per-order")

	// Record 80 of real fees, then 30 would breach the daily 100.
	calc, err := l.CalculateFee(ctx, 1600) // 5% → 80
	require.NoError(t, err)
	_, _, err = l.RecordCharge(ctx, "big-job", calc, "", "", "")
	require.NoError(t, err)

	ok, _, err = l.CheckSpendLimits(ctx, 20)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err = l.CheckSpendLimits(ctx, 30)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily")
}

func TestMonthlyRevenue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := newLedger(t, billing.DefaultFeePolicy(), billing.WithClock(func() time.Time { return now }))
	exhaustFreeTier(t, ctx, l)

	for i := 0; i < 2; i++ {
		calc, err := l.CalculateFee(ctx, 100)
		require.NoError(t, err)
		_, _, err = l.RecordCharge(ctx, fmt.Sprintf("paid-%d", i), calc, "", "", "")
		require.NoError(t, err)
	}

	// Next month starts a fresh free tier.
	now = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	calc, err := l.CalculateFee(ctx, 100)
	require.NoError(t, err)
	assert.True(t, calc.Waived, "free tier resets with the calendar month")
	_, _, err = l.RecordCharge(ctx, "april-1", calc, "", "", "")
	require.NoError(t, err)

	rev, err := l.MonthlyRevenue(ctx)
	require.NoError(t, err)
	require.Len(t, rev, 2)
	assert.Equal(t, "2026-04", rev[0].Month)
	assert.Equal(t, 1, rev[0].WaivedCount)
	assert.Equal(t, float64(0), rev[0].TotalFees)
	assert.Equal(t, "2026-03", rev[1].Month)
	assert.Equal(t, 7, rev[1].JobCount)
	assert.Equal(t, 5, rev[1].WaivedCount)
	assert.Equal(t, 10.0, rev[1].TotalFees, "two charges at 5% of 100 each")
}

func TestMonthStats_SubSecondBoundaryRow(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cs, err := billing.NewSQLiteChargeStore(db)
	require.NoError(t, err)

	created := time.Date(2026, 5, 1, 0, 0, 0, 123_000_000, time.UTC)
	inserted, _, err := cs.InsertIgnore(ctx, &billing.Charge{
		JobID: "midnight", FeeAmount: 5, Currency: "USD", CreatedAt: created,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	jobs, waived, total, err := cs.MonthStats(ctx, 2026, time.May)
	require.NoError(t, err)
	assert.Equal(t, 1, jobs, "a midnight row with a sub-second fraction belongs to its own month")
	assert.Equal(t, 0, waived)
	assert.Equal(t, 5.0, total)

	sum, err := cs.FeesSince(ctx, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 5.0, sum)
}

var _ billing.ChargeStore = (*billing.PostgresChargeStore)(nil)
