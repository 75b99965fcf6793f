package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Fake is an in-memory provider used by tests and local dry-runs. Calls
// are counted so tests can assert exactly how often the rail was hit.
type Fake struct {
	mu       sync.Mutex
	rail     string
	crypto   bool
	seq      int
	refunds  map[string]float64
	holds    map[string]ChargeRequest
	captured map[string]bool

	ChargeCalls    int
	AuthorizeCalls int
	CaptureCalls   int

	// FailCharge makes every charge/capture fail.
	FailCharge bool
	// FailRefund makes refunds fail.
	FailRefund bool
}

// NewFake creates a fake rail with the given name.
func NewFake(rail string, crypto bool) *Fake {
	return &Fake{
		rail:     rail,
		crypto:   crypto,
		refunds:  make(map[string]float64),
		holds:    make(map[string]ChargeRequest),
		captured: make(map[string]bool),
	}
}

func (f *Fake) Rail() string { return f.rail }
func (f *Fake) Crypto() bool { return f.crypto }

func (f *Fake) Charge(ctx context.Context, req ChargeRequest) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ChargeCalls++
	if f.FailCharge {
		return nil, fault.New(fault.KindPaymentFailed, f.rail+": card declined")
	}
	f.seq++
	return &Payment{
		ID:        fmt.Sprintf("%s-pay-%d", f.rail, f.seq),
		Reference: req.Reference,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Rail:      f.rail,
		Status:    StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *Fake) Refund(ctx context.Context, paymentID string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRefund {
		return fault.New(fault.KindPaymentFailed, f.rail+": refund rejected")
	}
	f.refunds[paymentID] = amount
	return nil
}

// Refunded reports the refunded amount for a payment id.
func (f *Fake) Refunded(paymentID string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amt, ok := f.refunds[paymentID]
	return amt, ok
}

// FakeAuth is a Fake with native authorize/capture, used to exercise the
// hold lifecycle. Plain Fake stays charge-only so the synthesized-hold
// path is testable.
type FakeAuth struct {
	*Fake
}

// NewFakeAuth creates an authorize-capable fake rail.
func NewFakeAuth(rail string, crypto bool) *FakeAuth {
	return &FakeAuth{Fake: NewFake(rail, crypto)}
}

func (f *FakeAuth) Authorize(ctx context.Context, req ChargeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AuthorizeCalls++
	if f.FailCharge {
		return "", fault.New(fault.KindPaymentFailed, f.rail+": authorization declined")
	}
	f.seq++
	holdID := fmt.Sprintf("%s-hold-%d", f.rail, f.seq)
	f.holds[holdID] = req
	return holdID, nil
}

func (f *FakeAuth) Capture(ctx context.Context, holdID string, req ChargeRequest) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CaptureCalls++
	if _, ok := f.holds[holdID]; !ok {
		return nil, fault.Newf(fault.KindNotFound, "%s: unknown hold %s", f.rail, holdID)
	}
	if f.FailCharge {
		return nil, fault.New(fault.KindPaymentFailed, f.rail+": capture declined")
	}
	delete(f.holds, holdID)
	f.captured[holdID] = true
	f.seq++
	return &Payment{
		ID:        fmt.Sprintf("%s-pay-%d", f.rail, f.seq),
		Reference: req.Reference,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Rail:      f.rail,
		Status:    StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *FakeAuth) CancelHold(ctx context.Context, holdID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.holds, holdID)
	return nil
}

// HeldCount reports outstanding holds.
func (f *Fake) HeldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.holds)
}
