package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists mirrored node events, notifications derived from them
// and the watcher's replay cursor.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id TEXT PRIMARY KEY,
            topic TEXT NOT NULL,
            kind TEXT NOT NULL,
            sequence INTEGER NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_topic
            ON notifications(topic, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// LastEventSequence returns the watcher cursor, zero when unset.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	var value uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM event_cursors WHERE name = 'watcher'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, value uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_cursors(name, value) VALUES('watcher', ?)
         ON CONFLICT(name) DO UPDATE SET value = excluded.value`, value)
	return err
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, evt NodeEvent) error {
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	created := time.Unix(evt.Timestamp, 0).UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events(sequence, type, payload, created_at)
         VALUES(?, ?, ?, ?)`, evt.Sequence, evt.Type, string(payload), created)
	return err
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications(id, topic, kind, sequence, payload, created_at)
         VALUES(?, ?, ?, ?, ?, ?)`,
		n.ID, n.Topic, n.Kind, n.Sequence, string(payload), n.CreatedAt.UTC())
	return err
}

// NotificationsByTopic returns the most recent notifications for a topic in
// ascending sequence order.
func (s *SQLiteStore) NotificationsByTopic(ctx context.Context, topic string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, kind, sequence, payload, created_at
         FROM notifications WHERE topic = ?
         ORDER BY sequence DESC LIMIT ?`, topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var payload string
		if err := rows.Scan(&n.ID, &n.Topic, &n.Kind, &n.Sequence, &payload, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to ascending order for replay.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
