// Package payments composes payment providers (one rail each) behind a
// manager that enforces waiver short-circuits, spend limits, per-job
// idempotency, and refund-on-failure.
package payments

import (
	"context"
	"time"
)

// Status of one payment attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment is the provider-agnostic result of a charge or capture.
type Payment struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"` // job_id or order_id
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Rail      string    `json:"rail"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ChargeRequest describes one charge to a provider.
type ChargeRequest struct {
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Memo      string  `json:"memo,omitempty"`
}

// Provider implements one payment rail.
type Provider interface {
	Rail() string
	// Crypto reports whether this rail settles in crypto; used to resolve
	// the "crypto" rail alias.
	Crypto() bool
	Charge(ctx context.Context, req ChargeRequest) (*Payment, error)
	Refund(ctx context.Context, paymentID string, amount float64) error
}

// Authorizer is implemented by providers with native authorize/capture.
// Providers without it get a synthesized empty hold whose capture maps
// to a plain charge.
type Authorizer interface {
	Authorize(ctx context.Context, req ChargeRequest) (holdID string, err error)
	Capture(ctx context.Context, holdID string, req ChargeRequest) (*Payment, error)
	CancelHold(ctx context.Context, holdID string) error
}
