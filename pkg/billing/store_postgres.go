package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresChargeStore backs the ledger with Postgres for multi-node
// deployments where the sqlite file cannot be shared. Idempotency uses
// ON CONFLICT DO NOTHING over the job_id primary key.
type PostgresChargeStore struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and applies the schema.
func OpenPostgres(dsn string) (*PostgresChargeStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	s := &PostgresChargeStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresChargeStore wraps an existing connection.
func NewPostgresChargeStore(db *sql.DB) (*PostgresChargeStore, error) {
	s := &PostgresChargeStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresChargeStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS billing_charges (
        job_id TEXT PRIMARY KEY,
        fee_amount DOUBLE PRECISION NOT NULL,
        currency TEXT NOT NULL,
        waived BOOLEAN NOT NULL DEFAULT FALSE,
        waiver_reason TEXT NOT NULL DEFAULT '',
        payment_id TEXT NOT NULL DEFAULT '',
        payment_rail TEXT NOT NULL DEFAULT '',
        payment_status TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_billing_charges_created ON billing_charges(created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresChargeStore) InsertIgnore(ctx context.Context, c *Charge) (bool, *Charge, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_charges
			(job_id, fee_amount, currency, waived, waiver_reason, payment_id, payment_rail, payment_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO NOTHING`,
		c.JobID, c.FeeAmount, c.Currency, c.Waived, c.WaiverReason,
		c.PaymentID, c.PaymentRail, c.PaymentStatus, c.CreatedAt.UTC())
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

func (s *PostgresChargeStore) Get(ctx context.Context, jobID string) (*Charge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, fee_amount, currency, waived, waiver_reason, payment_id, payment_rail, payment_status, created_at
		FROM billing_charges WHERE job_id = $1`, jobID)

	var c Charge
	var createdAt time.Time
	err := row.Scan(&c.JobID, &c.FeeAmount, &c.Currency, &c.Waived, &c.WaiverReason,
		&c.PaymentID, &c.PaymentRail, &c.PaymentStatus, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("charge not found")
		}
		return nil, err
	}
	c.CreatedAt = createdAt.UTC()
	return &c, nil
}

func (s *PostgresChargeStore) MonthStats(ctx context.Context, year int, month time.Month) (int, int, float64, error) {
	start, end := monthBounds(year, month)
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE waived),
		       COALESCE(SUM(fee_amount) FILTER (WHERE NOT waived), 0)
		FROM billing_charges
		WHERE created_at >= $1 AND created_at < $2`, start, end)

	var jobs, waived int
	var total float64
	if err := row.Scan(&jobs, &waived, &total); err != nil {
		return 0, 0, 0, err
	}
	return jobs, waived, total, nil
}

func (s *PostgresChargeStore) FeesSince(ctx context.Context, t time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(fee_amount), 0) FROM billing_charges
		WHERE NOT waived AND created_at >= $1`, t.UTC()).Scan(&total)
	return total, err
}

func (s *PostgresChargeStore) MonthlyRevenue(ctx context.Context) ([]MonthRevenue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM') AS month,
		       COALESCE(SUM(fee_amount) FILTER (WHERE NOT waived), 0),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE waived)
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
