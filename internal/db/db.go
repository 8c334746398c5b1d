package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB records tunnel and manager lifecycle events in SQLite
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the event database at path
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL into the main file and closes the connection
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Flush forces a WAL checkpoint even with active readers
func (db *DB) Flush() error {
	if db.conn == nil {
		return nil
	}
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
	return err
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_key TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS manager_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tunnel_events_key ON tunnel_events(tunnel_key);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_manager_events_timestamp ON manager_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// TunnelEvent is one tunnel lifecycle event
type TunnelEvent struct {
	ID        int64     `json:"id"`
	TunnelKey string    `json:"tunnel_key"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ManagerEvent is one manager lifecycle event
type ManagerEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogTunnelEvent records an event for a tunnel key. A locked database is
// retried briefly; logging must never hold up a shutdown.
func (db *DB) LogTunnelEvent(key, eventType, details string) error {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO tunnel_events (tunnel_key, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?)`,
			key, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("failed to log tunnel event after %d attempts: database locked", attempts)
}

// LogManagerEvent records a manager lifecycle event (start, stop, reload)
func (db *DB) LogManagerEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO manager_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// RecentTunnelEvents returns the newest events first. An empty key returns
// events of every tunnel.
func (db *DB) RecentTunnelEvents(key string, limit int) ([]TunnelEvent, error) {
	query := `SELECT id, tunnel_key, event_type, details, timestamp FROM tunnel_events`
	var args []any
	if key != "" {
		query += ` WHERE tunnel_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.TunnelKey, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentManagerEvents returns the newest manager events first
func (db *DB) RecentManagerEvents(limit int) ([]ManagerEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM manager_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ManagerEvent
	for rows.Next() {
		var e ManagerEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RenameTunnel moves the history of oldKey to newKey after a key move
func (db *DB) RenameTunnel(oldKey, newKey string) error {
	_, err := db.conn.Exec(`UPDATE tunnel_events SET tunnel_key = ? WHERE tunnel_key = ?`, newKey, oldKey)
	return err
}
