// Package checkpoint persists versioned workflow state snapshots.
// Every snapshot of a session gets a monotonically increasing version,
// and a separate latest-pointer row is updated in the same transaction,
// so a session always resumes from its newest complete snapshot.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"conductor/pkg/models"
)

// ErrNotFound is returned when a session or version has no snapshot.
var ErrNotFound = errors.New("checkpoint not found")

// CorruptionError reports a snapshot that exists but cannot be decoded.
// The stored bytes are left untouched for inspection.
type CorruptionError struct {
	SessionID string
	Version   int64
	Err       error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint corrupt: session %s version %d: %v", e.SessionID, e.Version, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// SessionSummary describes one session's latest snapshot.
type SessionSummary struct {
	SessionID     string
	LatestVersion int64
	Status        models.Status
	UpdatedAt     time.Time
}

// Store is an SQLite-backed checkpoint store.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens the checkpoint database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Checkpoints},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, version)
);

CREATE TABLE IF NOT EXISTS checkpoint_latest (
	session_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Save writes a new snapshot of the given state and advances the session's
// latest pointer in the same transaction. It returns the assigned version.
func (s *Store) Save(state models.WorkflowState) (int64, error) {
	if state.SessionID == "" {
		return 0, errors.New("save checkpoint: empty session id")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	row := tx.QueryRow("SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE session_id = ?", state.SessionID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("get latest version: %w", err)
	}
	version++

	now := formatTime(time.Now())
	_, err = tx.Exec(`
		INSERT INTO checkpoints (session_id, version, status, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, state.SessionID, version, string(state.Status), string(data), now)
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO checkpoint_latest (session_id, version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`, state.SessionID, version, now)
	if err != nil {
		return 0, fmt.Errorf("update latest pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit checkpoint: %w", err)
	}
	return version, nil
}

// LoadLatest returns the newest snapshot for the session.
// It returns ErrNotFound if the session has never been checkpointed, and a
// *CorruptionError if the stored snapshot cannot be decoded.
func (s *Store) LoadLatest(sessionID string) (models.WorkflowState, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	row := s.conn.QueryRow("SELECT version FROM checkpoint_latest WHERE session_id = ?", sessionID)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkflowState{}, 0, ErrNotFound
		}
		return models.WorkflowState{}, 0, fmt.Errorf("load latest pointer: %w", err)
	}

	state, err := s.loadVersionLocked(sessionID, version)
	if err != nil {
		return models.WorkflowState{}, 0, err
	}
	return state, version, nil
}

// LoadVersion returns a specific historical snapshot of the session.
func (s *Store) LoadVersion(sessionID string, version int64) (models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadVersionLocked(sessionID, version)
}

func (s *Store) loadVersionLocked(sessionID string, version int64) (models.WorkflowState, error) {
	var data string
	row := s.conn.QueryRow("SELECT state FROM checkpoints WHERE session_id = ? AND version = ?", sessionID, version)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkflowState{}, ErrNotFound
		}
		return models.WorkflowState{}, fmt.Errorf("load checkpoint: %w", err)
	}

	var state models.WorkflowState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return models.WorkflowState{}, &CorruptionError{SessionID: sessionID, Version: version, Err: err}
	}
	if !state.Status.Valid() {
		return models.WorkflowState{}, &CorruptionError{
			SessionID: sessionID,
			Version:   version,
			Err:       fmt.Errorf("unknown status %q", state.Status),
		}
	}
	return state, nil
}

// ListSessions returns a summary of every checkpointed session, newest first.
func (s *Store) ListSessions() ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(`
		SELECT l.session_id, l.version, c.status, l.updated_at
		FROM checkpoint_latest l
		JOIN checkpoints c ON c.session_id = l.session_id AND c.version = l.version
		ORDER BY l.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var status, updated string
		if err := rows.Scan(&sum.SessionID, &sum.LatestVersion, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Status = models.Status(status)
		t, err := parseTime(updated)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		sum.UpdatedAt = t
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes all snapshots of sessions whose latest state is
// terminal and older than the cutoff. In-flight sessions are never purged.
// Returns the number of sessions removed.
func (s *Store) PurgeOlderThan(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT l.session_id
		FROM checkpoint_latest l
		JOIN checkpoints c ON c.session_id = l.session_id AND c.version = l.version
		WHERE c.status IN (?, ?) AND l.updated_at < ?
	`, string(models.StatusSucceeded), string(models.StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("find purgeable sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM checkpoints WHERE session_id = ?", id); err != nil {
			return 0, fmt.Errorf("purge checkpoints: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM checkpoint_latest WHERE session_id = ?", id); err != nil {
			return 0, fmt.Errorf("purge latest pointer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int64(len(ids)), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
