package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiln-farm/kiln/pkg/queue"
)

// JobStore is the durable mirror of the job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates the store and applies its schema.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	s := &JobStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JobStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS jobs (
        id TEXT PRIMARY KEY,
        file_name TEXT NOT NULL,
        printer_name TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        priority INTEGER NOT NULL DEFAULT 0,
        submitted_by TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        started_at DATETIME,
        completed_at DATETIME,
        error TEXT NOT NULL DEFAULT '',
        metadata JSON
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
    CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SaveJob inserts a new job row.
func (s *JobStore) SaveJob(ctx context.Context, job *queue.Job) error {
	query := `INSERT INTO jobs (
		id, file_name, printer_name, status, priority, submitted_by, created_at, started_at, completed_at, error, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	metaJSON, _ := json.Marshal(job.Metadata)
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.FileName, job.PrinterName, string(job.Status), job.Priority, job.SubmittedBy,
		formatTime(job.CreatedAt), formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt),
		job.Error, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable columns of an existing row.
func (s *JobStore) UpdateJob(ctx context.Context, job *queue.Job) error {
	query := `UPDATE jobs SET
		status = ?, printer_name = ?, started_at = ?, completed_at = ?, error = ?, metadata = ?
	WHERE id = ?`

	metaJSON, _ := json.Marshal(job.Metadata)
	res, err := s.db.ExecContext(ctx, query,
		string(job.Status), job.PrinterName,
		formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt),
		job.Error, string(metaJSON), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

// LoadNonTerminalJobs returns every job that was still live at shutdown.
func (s *JobStore) LoadNonTerminalJobs(ctx context.Context) ([]*queue.Job, error) {
	query := `
        SELECT id, file_name, printer_name, status, priority, submitted_by, created_at, started_at, completed_at, error, metadata
        FROM jobs
        WHERE status NOT IN ('completed', 'failed', 'cancelled')
        ORDER BY created_at ASC
    `
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*queue.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob loads one job by id, including terminal ones.
func (s *JobStore) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	query := `
        SELECT id, file_name, printer_name, status, priority, submitted_by, created_at, started_at, completed_at, error, metadata
        FROM jobs
        WHERE id = ?
    `
	row := s.db.QueryRowContext(ctx, query, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job not found")
		}
		return nil, err
	}
	return j, nil
}

// ListJobs returns job history, newest first.
func (s *JobStore) ListJobs(ctx context.Context, limit int) ([]*queue.Job, error) {
	query := `
        SELECT id, file_name, printer_name, status, priority, submitted_by, created_at, started_at, completed_at, error, metadata
        FROM jobs
        ORDER BY created_at DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*queue.Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJobRow(rows *sql.Rows) (*queue.Job, error) {
	return scanJob(rows.Scan)
}

func scanJob(scan func(dest ...any) error) (*queue.Job, error) {
	var (
		id          string
		fileName    string
		printerName string
		status      string
		priority    int
		submittedBy string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		errMsg      string
		metaJSON    sql.NullString
	)
	if err := scan(&id, &fileName, &printerName, &status, &priority, &submittedBy,
		&createdAt, &startedAt, &completedAt, &errMsg, &metaJSON); err != nil {
		return nil, err
	}

	var meta map[string]any
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &meta)
	}

	return &queue.Job{
		ID:          id,
		FileName:    fileName,
		PrinterName: printerName,
		Status:      queue.Status(status),
		Priority:    priority,
		SubmittedBy: submittedBy,
		CreatedAt:   parseTime(createdAt),
		StartedAt:   parseTimePtr(startedAt),
		CompletedAt: parseTimePtr(completedAt),
		Error:       errMsg,
		Metadata:    meta,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
