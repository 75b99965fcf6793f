package dna

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// Outcome classifies one print attempt.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Record is one append-only print attempt for a fingerprinted model.
type Record struct {
	ID                 string         `json:"id"`
	FileHash           string         `json:"file_hash"`
	GeometricSignature string         `json:"geometric_signature"`
	TriangleCount      int            `json:"triangle_count"`
	BBox               BBox           `json:"bbox"`
	Volume             float64        `json:"volume"`
	SurfaceArea        float64        `json:"surface_area"`
	PrinterModel       string         `json:"printer_model"`
	Material           string         `json:"material"`
	Settings           map[string]any `json:"settings,omitempty"`
	Outcome            string         `json:"outcome"`
	QualityGrade       string         `json:"quality_grade,omitempty"`
	FailureMode        string         `json:"failure_mode,omitempty"`
	PrintTimeSec       float64        `json:"print_time_s"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Recommendation is the best known settings for a geometry.
type Recommendation struct {
	Settings     map[string]any `json:"settings"`
	Material     string         `json:"material"`
	PrinterModel string         `json:"printer_model"`
	QualityGrade string         `json:"quality_grade"`
	SampleCount  int            `json:"sample_count"`
	SuccessRate  float64        `json:"success_rate"`
}

// Store persists print DNA history.
type Store struct {
	db *sql.DB
}

// NewStore creates the store and runs its migration.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS print_dna (
			id                  TEXT PRIMARY KEY,
			file_hash           TEXT NOT NULL,
			geometric_signature TEXT NOT NULL,
			triangle_count      INTEGER NOT NULL,
			bbox                TEXT NOT NULL,
			volume              REAL NOT NULL,
			surface_area        REAL NOT NULL,
			printer_model       TEXT NOT NULL DEFAULT '',
			material            TEXT NOT NULL DEFAULT '',
			settings            TEXT,
			outcome             TEXT NOT NULL,
			quality_grade       TEXT NOT NULL DEFAULT '',
			failure_mode        TEXT,
			print_time_s        REAL NOT NULL DEFAULT 0,
			timestamp           TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_print_dna_file_hash ON print_dna(file_hash);
		CREATE INDEX IF NOT EXISTS idx_print_dna_signature ON print_dna(geometric_signature);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate print_dna table: %w", err)
	}
	return nil
}

// Append records one attempt. History is append-only; there is no
// update path.
func (s *Store) Append(ctx context.Context, fp *Fingerprint, rec Record) (*Record, error) {
	if fp == nil {
		return nil, fault.New(fault.KindValidation, "dna: fingerprint is required")
	}
	switch rec.Outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeAborted:
	default:
		return nil, fault.Newf(fault.KindValidation, "dna: unknown outcome %q", rec.Outcome)
	}

	rec.ID = uuid.New().String()
	rec.FileHash = fp.FileHash
	rec.GeometricSignature = fp.GeometricSignature
	rec.TriangleCount = fp.TriangleCount
	rec.BBox = fp.BBox
	rec.Volume = fp.Volume
	rec.SurfaceArea = fp.SurfaceArea
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	bbox, err := json.Marshal(rec.BBox)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bbox: %w", err)
	}
	var settings []byte
	if rec.Settings != nil {
		if settings, err = CanonicalSettings(rec.Settings); err != nil {
			return nil, err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO print_dna
			(id, file_hash, geometric_signature, triangle_count, bbox, volume, surface_area,
			 printer_model, material, settings, outcome, quality_grade, failure_mode, print_time_s, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.FileHash, rec.GeometricSignature, rec.TriangleCount, string(bbox),
		rec.Volume, rec.SurfaceArea, rec.PrinterModel, rec.Material,
		nullableString(settings), rec.Outcome, rec.QualityGrade,
		emptyToNull(rec.FailureMode), rec.PrintTimeSec,
		rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to append print_dna record: %w", err)
	}
	return &rec, nil
}

// History returns attempts for a geometric signature, newest first.
func (s *Store) History(ctx context.Context, signature string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_hash, geometric_signature, triangle_count, bbox, volume, surface_area,
		       printer_model, material, settings, outcome, quality_grade, failure_mode, print_time_s, timestamp
		FROM print_dna WHERE geometric_signature = ?
		ORDER BY timestamp DESC LIMIT ?
	`, signature, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query print_dna history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// ByFileHash returns attempts for exact file bytes, newest first.
func (s *Store) ByFileHash(ctx context.Context, fileHash string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_hash, geometric_signature, triangle_count, bbox, volume, surface_area,
		       printer_model, material, settings, outcome, quality_grade, failure_mode, print_time_s, timestamp
		FROM print_dna WHERE file_hash = ?
		ORDER BY timestamp DESC LIMIT ?
	`, fileHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query print_dna by file hash: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Recommend picks settings from past attempts of the same geometry and
// material: best quality grade wins, recency breaks ties. NotFound when
// no successful attempt exists.
func (s *Store) Recommend(ctx context.Context, signature, material string) (*Recommendation, error) {
	history, err := s.History(ctx, signature, 200)
	if err != nil {
		return nil, err
	}

	var best *Record
	total, successes := 0, 0
	for i := range history {
		rec := &history[i]
		if material != "" && rec.Material != material {
			continue
		}
		total++
		if rec.Outcome != OutcomeSuccess {
			continue
		}
		successes++
		if rec.Settings == nil {
			continue
		}
		// History is newest-first, so strict improvement keeps recency.
		if best == nil || gradeRank(rec.QualityGrade) > gradeRank(best.QualityGrade) {
			best = rec
		}
	}
	if best == nil {
		return nil, fault.Newf(fault.KindNotFound,
			"dna: no successful attempts recorded for signature %s", signature)
	}

	rate := 0.0
	if total > 0 {
		rate = float64(successes) / float64(total)
	}
	return &Recommendation{
		Settings:     best.Settings,
		Material:     best.Material,
		PrinterModel: best.PrinterModel,
		QualityGrade: best.QualityGrade,
		SampleCount:  total,
		SuccessRate:  rate,
	}, nil
}

func gradeRank(grade string) int {
	switch grade {
	case "A":
		return 5
	case "B":
		return 4
	case "C":
		return 3
	case "D":
		return 2
	case "F":
		return 1
	default:
		return 0
	}
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var bbox, timestamp string
		var settings, failureMode sql.NullString
		if err := rows.Scan(&rec.ID, &rec.FileHash, &rec.GeometricSignature, &rec.TriangleCount,
			&bbox, &rec.Volume, &rec.SurfaceArea, &rec.PrinterModel, &rec.Material,
			&settings, &rec.Outcome, &rec.QualityGrade, &failureMode, &rec.PrintTimeSec, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan print_dna row: %w", err)
		}
		if err := json.Unmarshal([]byte(bbox), &rec.BBox); err != nil {
			return nil, fmt.Errorf("failed to decode bbox: %w", err)
		}
		if settings.Valid {
			if err := json.Unmarshal([]byte(settings.String), &rec.Settings); err != nil {
				return nil, fmt.Errorf("failed to decode settings: %w", err)
			}
		}
		if failureMode.Valid {
			rec.FailureMode = failureMode.String
		}
		t, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			if t, err = time.Parse(time.RFC3339, timestamp); err != nil {
				return nil, fmt.Errorf("failed to parse print_dna timestamp %q: %w", timestamp, err)
			}
		}
		rec.Timestamp = t
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
