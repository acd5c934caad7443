// Package history persists peer and plugin lifecycle events to SQLite so
// crash loops and reload churn can be diagnosed after the fact.
package history

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Source identifies which subsystem produced an event.
const (
	SourcePeer   = "peer"
	SourcePlugin = "plugin"
)

// Event is one lifecycle event row. Subject is the peer or plugin name.
type Event struct {
	ID        string `db:"id" json:"id"`
	Source    string `db:"source" json:"source"`
	EventType string `db:"event_type" json:"eventType"`
	Timestamp int64  `db:"timestamp" json:"timestamp"` // unix milliseconds
	Subject   string `db:"subject" json:"subject"`
	Detail    string `db:"detail" json:"detail,omitempty"`
}

// Store records lifecycle events. Recording never fails the caller: a write
// error is logged and dropped, losing a diagnostic row must not take down
// the host.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore initializes the schema on an existing connection.
func NewStore(db *sqlx.DB, logger *slog.Logger) (*Store, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "history"),
	}, nil
}

// Open connects to the event database at the given path, creating the
// parent directory if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBInit initializes the lifecycle events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		subject TEXT NOT NULL,
		detail TEXT
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_subject ON lifecycle_events(subject)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_event_type ON lifecycle_events(event_type)`)
	return err
}

// insertEvent is a helper method to insert a lifecycle event into the database
func (s *Store) insertEvent(event *Event) error {
	_, err := s.db.Exec(`
		INSERT INTO lifecycle_events (
			id, source, event_type, timestamp, subject, detail
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		event.Source,
		event.EventType,
		event.Timestamp,
		event.Subject,
		event.Detail,
	)
	return err
}

func (s *Store) record(source, eventType, subject, detail string) {
	event := &Event{
		ID:        uuid.New().String(),
		Source:    source,
		EventType: eventType,
		Timestamp: time.Now().UTC().UnixMilli(),
		Subject:   subject,
		Detail:    detail,
	}
	if err := s.insertEvent(event); err != nil {
		s.logger.Error("Failed to record lifecycle event",
			"source", source,
			"eventType", eventType,
			"subject", subject,
			"error", err)
	}
}

// RecordPeerEvent records a peer lifecycle event: spawns, exits, crashes,
// restart scheduling, and restart exhaustion.
func (s *Store) RecordPeerEvent(eventType, peer, detail string) {
	s.record(SourcePeer, eventType, peer, detail)
}

// RecordPluginEvent records a plugin lifecycle event: hot reloads and
// abandoned runners.
func (s *Store) RecordPluginEvent(eventType, plugin, detail string) {
	s.record(SourcePlugin, eventType, plugin, detail)
}

// GetRecentEvents retrieves the most recent lifecycle events
func (s *Store) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := s.db.Select(&events,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC, id LIMIT $1",
		limit)
	return events, err
}

// GetEventsBySubject retrieves events for a specific peer or plugin
func (s *Store) GetEventsBySubject(subject string, limit int) ([]Event, error) {
	var events []Event
	err := s.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE subject = $1 ORDER BY timestamp DESC, id LIMIT $2",
		subject, limit)
	return events, err
}

// GetEventsByType retrieves events of a specific type
func (s *Store) GetEventsByType(eventType string, limit int) ([]Event, error) {
	var events []Event
	err := s.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE event_type = $1 ORDER BY timestamp DESC, id LIMIT $2",
		eventType, limit)
	return events, err
}

// DeleteOldEvents deletes lifecycle events older than the specified duration
func (s *Store) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := s.db.Exec("DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
