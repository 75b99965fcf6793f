package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PrinterRecord is a persisted fleet entry. Credentials are never stored
// here, only a reference into the credential store.
type PrinterRecord struct {
	Name          string    `json:"name"`
	Backend       string    `json:"backend"`
	Host          string    `json:"host"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	IsDefault     bool      `json:"is_default"`
	AddedAt       time.Time `json:"added_at"`
}

// PrinterStore persists the fleet so printers survive restarts.
type PrinterStore struct {
	db *sql.DB
}

func NewPrinterStore(db *sql.DB) (*PrinterStore, error) {
	s := &PrinterStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PrinterStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS printers (
        name TEXT PRIMARY KEY,
        backend TEXT NOT NULL,
        host TEXT NOT NULL,
        credential_ref TEXT NOT NULL DEFAULT '',
        is_default INTEGER NOT NULL DEFAULT 0,
        added_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save upserts one printer record.
func (s *PrinterStore) Save(ctx context.Context, rec *PrinterRecord) error {
	query := `INSERT INTO printers (name, backend, host, credential_ref, is_default, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			backend = excluded.backend,
			host = excluded.host,
			credential_ref = excluded.credential_ref,
			is_default = excluded.is_default`
	_, err := s.db.ExecContext(ctx, query,
		rec.Name, rec.Backend, rec.Host, rec.CredentialRef, boolToInt(rec.IsDefault), formatTime(rec.AddedAt))
	if err != nil {
		return fmt.Errorf("failed to save printer: %w", err)
	}
	return nil
}

// SetDefault marks one printer as default and clears the flag elsewhere.
func (s *PrinterStore) SetDefault(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE printers SET is_default = 0`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE printers SET is_default = 1 WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("printer %s not found", name)
	}
	return tx.Commit()
}

// Delete removes one printer record.
func (s *PrinterStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM printers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("printer %s not found", name)
	}
	return nil
}

// List returns all persisted printers, default first then by name.
func (s *PrinterStore) List(ctx context.Context) ([]*PrinterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT name, backend, host, credential_ref, is_default, added_at
        FROM printers
        ORDER BY is_default DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PrinterRecord
	for rows.Next() {
		var (
			rec       PrinterRecord
			isDefault int
			addedAt   string
		)
		if err := rows.Scan(&rec.Name, &rec.Backend, &rec.Host, &rec.CredentialRef, &isDefault, &addedAt); err != nil {
			return nil, err
		}
		rec.IsDefault = isDefault != 0
		rec.AddedAt = parseTime(addedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
