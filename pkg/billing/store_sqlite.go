package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// chargeTimeFormat is fixed-width so lexicographic comparison on the
// created_at column matches chronological order. Timestamps are always
// stored in UTC.
const chargeTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteChargeStore backs the ledger with the shared sqlite database.
// Idempotency rides on INSERT OR IGNORE over the unique job_id key.
type SQLiteChargeStore struct {
	db *sql.DB
}

func NewSQLiteChargeStore(db *sql.DB) (*SQLiteChargeStore, error) {
	s := &SQLiteChargeStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteChargeStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS billing_charges (
        job_id TEXT PRIMARY KEY,
        fee_amount REAL NOT NULL,
        currency TEXT NOT NULL,
        waived INTEGER NOT NULL DEFAULT 0,
        waiver_reason TEXT NOT NULL DEFAULT '',
        payment_id TEXT NOT NULL DEFAULT '',
        payment_rail TEXT NOT NULL DEFAULT '',
        payment_status TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_billing_charges_created ON billing_charges(created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteChargeStore) InsertIgnore(ctx context.Context, c *Charge) (bool, *Charge, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO billing_charges
			(job_id, fee_amount, currency, waived, waiver_reason, payment_id, payment_rail, payment_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.JobID, c.FeeAmount, c.Currency, boolToInt(c.Waived), c.WaiverReason,
		c.PaymentID, c.PaymentRail, c.PaymentStatus, c.CreatedAt.UTC().Format(chargeTimeFormat))
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert charge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.Get(ctx, c.JobID)
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	return true, nil, nil
}

func (s *SQLiteChargeStore) Get(ctx context.Context, jobID string) (*Charge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, fee_amount, currency, waived, waiver_reason, payment_id, payment_rail, payment_status, created_at
		FROM billing_charges WHERE job_id = ?`, jobID)
	return scanCharge(row.Scan)
}

func (s *SQLiteChargeStore) MonthStats(ctx context.Context, year int, month time.Month) (int, int, float64, error) {
	start, end := monthBounds(year, month)
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(waived), 0),
		       COALESCE(SUM(CASE WHEN waived = 0 THEN fee_amount ELSE 0 END), 0)
		FROM billing_charges
		WHERE created_at >= ? AND created_at < ?`,
		start.Format(chargeTimeFormat), end.Format(chargeTimeFormat))

	var jobs, waived int
	var total float64
	if err := row.Scan(&jobs, &waived, &total); err != nil {
		return 0, 0, 0, err
	}
	return jobs, waived, total, nil
}

func (s *SQLiteChargeStore) FeesSince(ctx context.Context, t time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(fee_amount), 0) FROM billing_charges
		WHERE waived = 0 AND created_at >= ?`,
		t.UTC().Format(chargeTimeFormat)).Scan(&total)
	return total, err
}

func (s *SQLiteChargeStore) MonthlyRevenue(ctx context.Context) ([]MonthRevenue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 7) AS month,
		       COALESCE(SUM(CASE WHEN waived = 0 THEN fee_amount ELSE 0 END), 0),
		       COUNT(*),
		       COALESCE(SUM(waived), 0)
		FROM billing_charges
		GROUP BY month
		ORDER BY month DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MonthRevenue
	for rows.Next() {
		var r MonthRevenue
		if err := rows.Scan(&r.Month, &r.TotalFees, &r.JobCount, &r.WaivedCount); err != nil {
			return nil, err
		}
		r.TotalFees = round2(r.TotalFees)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanCharge(scan func(dest ...any) error) (*Charge, error) {
	var (
		c         Charge
		waived    int
		createdAt string
	)
	if err := scan(&c.JobID, &c.FeeAmount, &c.Currency, &waived, &c.WaiverReason,
		&c.PaymentID, &c.PaymentRail, &c.PaymentStatus, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("charge not found")
		}
		return nil, err
	}
	c.Waived = waived != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	return &c, nil
}

func monthBounds(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
