package fulfillment

import (
	"context"
	"sync"
	"time"
)

// DefaultQuoteTTL is how long an issued quote stays redeemable.
const DefaultQuoteTTL = time.Hour

// expiredGrace keeps expired quotes around briefly so a late order gets
// QUOTE_EXPIRED instead of the vaguer QUOTE_NOT_FOUND.
const expiredGrace = 5 * time.Minute

// Quote is the server-side record behind a quote token. The client never
// sees anything here as authoritative; the cached price is the one that
// gets charged.
type Quote struct {
	Token      string    `json:"token"`
	Provider   string    `json:"provider"`
	Service    string    `json:"service"`
	Material   string    `json:"material"`
	Quantity   int       `json:"quantity"`
	TotalPrice float64   `json:"total_price"`
	Currency   string    `json:"currency"`
	UserEmail  string    `json:"user_email"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the quote's redemption window has passed.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// QuoteCache stores quotes keyed by token. Pop is single-use: the first
// caller gets the quote, everyone after gets nil. Backends may evict
// entries past their grace window, in which case Pop returns nil.
type QuoteCache interface {
	Put(ctx context.Context, q Quote) error
	Pop(ctx context.Context, token string) (*Quote, error)
}

// MemoryCache is the default in-process quote cache. A janitor goroutine
// sweeps entries that expired past the grace window.
type MemoryCache struct {
	mu     sync.Mutex
	quotes map[string]Quote
	clock  func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a memory cache and starts its janitor.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		quotes: make(map[string]Quote),
		clock:  time.Now,
		stopCh: make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) Put(ctx context.Context, q Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Token] = q
	return nil
}

func (c *MemoryCache) Pop(ctx context.Context, token string) (*Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[token]
	if !ok {
		return nil, nil
	}
	delete(c.quotes, token)
	return &q, nil
}

// Len reports cached quote count, swept or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quotes)
}

// Close stops the janitor. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, q := range c.quotes {
		if now.After(q.ExpiresAt.Add(expiredGrace)) {
			delete(c.quotes, token)
		}
	}
}
