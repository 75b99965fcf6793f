package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kiln-farm/kiln/pkg/events"
)

// EventStore persists the event trail beyond the in-memory history ring.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) (*EventStore, error) {
	s := &EventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        type TEXT NOT NULL,
        source TEXT NOT NULL DEFAULT '',
        data JSON,
        timestamp DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
    CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append records one event.
func (s *EventStore) Append(ctx context.Context, ev events.Event) error {
	dataJSON, _ := json.Marshal(ev.Data)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, data, timestamp) VALUES (?, ?, ?, ?)`,
		string(ev.Type), ev.Source, string(dataJSON), formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events, optionally filtered by exact type.
func (s *EventStore) Recent(ctx context.Context, eventType string, limit int) ([]events.Event, error) {
	query := `SELECT type, source, data, timestamp FROM events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		var (
			typ, source string
			dataJSON    sql.NullString
			ts          string
		)
		if err := rows.Scan(&typ, &source, &dataJSON, &ts); err != nil {
			return nil, err
		}
		var data map[string]any
		if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
			_ = json.Unmarshal([]byte(dataJSON.String), &data)
		}
		out = append(out, events.Event{
			Type:      events.Type(typ),
			Source:    source,
			Data:      data,
			Timestamp: parseTime(ts),
		})
	}
	return out, rows.Err()
}
