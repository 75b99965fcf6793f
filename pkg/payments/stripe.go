package payments

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiln-farm/kiln/pkg/fault"
)

const stripeAPIBase = "https://api.stripe.com/v1"

// Stripe charges cards through the PaymentIntents API.
type Stripe struct {
	secretKey string
	base      string
	http      *http.Client
}

// NewStripe creates the Stripe rail. baseURL overrides the API host for
// tests; empty uses production.
func NewStripe(secretKey, baseURL string) *Stripe {
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	return &Stripe{
		secretKey: secretKey,
		base:      strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Stripe) Rail() string { return "stripe" }
func (s *Stripe) Crypto() bool { return false }

func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*Payment, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(toMinorUnits(req.Amount), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("confirm", "true")
	form.Set("description", req.Memo)
	form.Set("metadata[reference]", req.Reference)
	form.Set("automatic_payment_methods[enabled]", "true")
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := s.post(ctx, "/payment_intents", form, &out); err != nil {
		return nil, err
	}

	status := StatusPending
	if out.Status == "succeeded" {
		status = StatusCompleted
	}
	return &Payment{
		ID: out.ID, Reference: req.Reference,
		Amount: req.Amount, Currency: req.Currency,
		Rail: s.Rail(), Status: status,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *Stripe) Refund(ctx context.Context, paymentID string, amount float64) error {
	form := url.Values{
		"payment_intent": {paymentID},
		"amount":         {strconv.FormatInt(toMinorUnits(amount), 10)},
	}
	var out struct {
		ID string `json:"id"`
	}
	return s.post(ctx, "/refunds", form, &out)
}

func (s *Stripe) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fault.Wrap(fault.KindInternal, "stripe: build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindPaymentFailed, "stripe: request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return fault.New(fault.KindAuthInvalid, "stripe: invalid secret key")
	}
	if resp.StatusCode >= 400 {
		return fault.Newf(fault.KindPaymentFailed, "stripe: %s returned %d: %s",
			path, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fault.Wrap(fault.KindInternal, "stripe: decode response", err)
	}
	return nil
}

// toMinorUnits converts a decimal amount to integer cents.
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
