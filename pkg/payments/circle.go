package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-farm/kiln/pkg/fault"
)

const circleAPIBase = "https://api.circle.com/v1"

// Circle settles fees in USDC.
type Circle struct {
	apiKey string
	base   string
	http   *http.Client
}

// NewCircle creates the Circle rail. baseURL overrides the API host for
// tests; empty uses production.
func NewCircle(apiKey, baseURL string) *Circle {
	if baseURL == "" {
		baseURL = circleAPIBase
	}
	return &Circle{
		apiKey: apiKey,
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Circle) Rail() string { return "circle" }
func (c *Circle) Crypto() bool { return true }

func (c *Circle) Charge(ctx context.Context, req ChargeRequest) (*Payment, error) {
	payload := map[string]any{
		"idempotencyKey": uuid.New().String(),
		"amount": map[string]string{
			"amount":   fmt.Sprintf("%.2f", req.Amount),
			"currency": "USD",
		},
		"settlementCurrency": "USD",
		"description":        req.Memo,
		"metadata":           map[string]string{"reference": req.Reference},
	}
	var out struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/payments", payload, &out); err != nil {
		return nil, err
	}

	status := StatusPending
	if out.Data.Status == "paid" || out.Data.Status == "confirmed" {
		status = StatusCompleted
	}
	return &Payment{
		ID: out.Data.ID, Reference: req.Reference,
		Amount: req.Amount, Currency: req.Currency,
		Rail: c.Rail(), Status: status,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *Circle) Refund(ctx context.Context, paymentID string, amount float64) error {
	payload := map[string]any{
		"idempotencyKey": uuid.New().String(),
		"amount": map[string]string{
			"amount":   fmt.Sprintf("%.2f", amount),
			"currency": "USD",
		},
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	return c.post(ctx, "/payments/"+paymentID+"/refund", payload, &out)
}

func (c *Circle) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "circle: encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.KindInternal, "circle: build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindPaymentFailed, "circle: request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return fault.New(fault.KindAuthInvalid, "circle: invalid API key")
	}
	if resp.StatusCode >= 400 {
		return fault.Newf(fault.KindPaymentFailed, "circle: %s returned %d: %s",
			path, resp.StatusCode, truncate(string(respBody), 200))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fault.Wrap(fault.KindInternal, "circle: decode response", err)
	}
	return nil
}
