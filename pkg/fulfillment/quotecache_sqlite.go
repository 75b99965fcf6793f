package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteCache is the durable quote cache for single-instance deployments
// without Redis. Pop deletes inside one transaction so a token can only
// be redeemed once even under concurrent orders.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates the cache and runs its migration.
func NewSQLiteCache(db *sql.DB) (*SQLiteCache, error) {
	c := &SQLiteCache{db: db}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	_, err := c.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS quote_cache (
			token       TEXT PRIMARY KEY,
			provider    TEXT NOT NULL,
			service     TEXT NOT NULL DEFAULT '',
			material    TEXT NOT NULL DEFAULT '',
			quantity    INTEGER NOT NULL DEFAULT 1,
			total_price REAL NOT NULL,
			currency    TEXT NOT NULL,
			user_email  TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_quote_cache_expires ON quote_cache(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate quote_cache table: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Put(ctx context.Context, q Quote) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO quote_cache
			(token, provider, service, material, quantity, total_price, currency, user_email, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Token, q.Provider, q.Service, q.Material, q.Quantity,
		q.TotalPrice, q.Currency, q.UserEmail, q.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to cache quote %s: %w", q.Token, err)
	}
	return nil
}

func (c *SQLiteCache) Pop(ctx context.Context, token string) (*Quote, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin quote pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var q Quote
	var expiresAt string
	err = tx.QueryRowContext(ctx, `
		SELECT token, provider, service, material, quantity, total_price, currency, user_email, expires_at
		FROM quote_cache WHERE token = ?
	`, token).Scan(&q.Token, &q.Provider, &q.Service, &q.Material, &q.Quantity,
		&q.TotalPrice, &q.Currency, &q.UserEmail, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quote %s: %w", token, err)
	}
	if q.ExpiresAt, err = parseQuoteTime(expiresAt); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM quote_cache WHERE token = ?`, token); err != nil {
		return nil, fmt.Errorf("failed to consume quote %s: %w", token, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit quote pop: %w", err)
	}
	return &q, nil
}

// Purge removes quotes expired past the grace window. Callers run this
// periodically; there is no background janitor for the durable cache.
func (c *SQLiteCache) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM quote_cache WHERE expires_at < ?`,
		now.Add(-expiredGrace).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge quote cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func parseQuoteTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, fmt.Errorf("failed to parse quote timestamp %q: %w", s, err)
		}
	}
	return t, nil
}
