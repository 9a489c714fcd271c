// Package store implements chatcore's durable persistence using SQLite.
// Exactly three things survive a restart: the session marker, the UI's
// role/project selection, and the auth token. Message history is never
// persisted locally; it is always re-fetched from the session directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chatcore/internal/logging"
	"chatcore/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// LocalStore wraps the SQLite database holding the durable records.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Database schema initialized")
	return s, nil
}

// initialize creates the schema. The marker and selection tables are
// single-row tables (id is pinned to 1).
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_marker (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		role_id    INTEGER NOT NULL,
		project_id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS selection (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		role_id    INTEGER NOT NULL DEFAULT 0,
		project_id INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *LocalStore) Path() string {
	return s.dbPath
}

// =============================================================================
// SESSION MARKER (single durable record)
// =============================================================================

// SaveMarker upserts the single marker row.
func (s *LocalStore) SaveMarker(m types.SessionMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Saving marker: role=%d project=%d session=%s", m.RoleID, m.ProjectID, m.SessionID)

	_, err := s.db.Exec(
		`INSERT INTO session_marker (id, role_id, project_id, session_id, updated_at)
		 VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   role_id = excluded.role_id,
		   project_id = excluded.project_id,
		   session_id = excluded.session_id,
		   updated_at = CURRENT_TIMESTAMP`,
		m.RoleID, m.ProjectID, m.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to save marker: %w", err)
	}
	return nil
}

// LoadMarker returns the persisted marker, or nil when none exists.
func (s *LocalStore) LoadMarker() (*types.SessionMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m types.SessionMarker
	err := s.db.QueryRow(
		`SELECT role_id, project_id, session_id FROM session_marker WHERE id = 1`,
	).Scan(&m.RoleID, &m.ProjectID, &m.SessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load marker: %w", err)
	}
	return &m, nil
}

// ClearMarker removes the marker row.
func (s *LocalStore) ClearMarker() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Clearing marker")
	if _, err := s.db.Exec(`DELETE FROM session_marker WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear marker: %w", err)
	}
	return nil
}

// =============================================================================
// ROLE/PROJECT SELECTION
// =============================================================================

// SaveSelection upserts the persisted role/project selection. Zero values
// mean "no selection" for that slot.
func (s *LocalStore) SaveSelection(roleID, projectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Saving selection: role=%d project=%d", roleID, projectID)

	_, err := s.db.Exec(
		`INSERT INTO selection (id, role_id, project_id, updated_at)
		 VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   role_id = excluded.role_id,
		   project_id = excluded.project_id,
		   updated_at = CURRENT_TIMESTAMP`,
		roleID, projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to save selection: %w", err)
	}
	return nil
}

// LoadSelection returns the persisted selection. ok is false when no
// selection row has ever been written.
func (s *LocalStore) LoadSelection() (roleID, projectID int64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		`SELECT role_id, project_id FROM selection WHERE id = 1`,
	).Scan(&roleID, &projectID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("failed to load selection: %w", err)
	}
	return roleID, projectID, true, nil
}

// ClearSelection removes the selection row.
func (s *LocalStore) ClearSelection() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM selection WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear selection: %w", err)
	}
	return nil
}

// =============================================================================
// KEY/VALUE (auth token and small odds and ends)
// =============================================================================

const keyAuthToken = "auth_token"

// SetValue upserts a kv entry.
func (s *LocalStore) SetValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetValue returns the value for key, or "" when absent.
func (s *LocalStore) GetValue(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// DeleteValue removes a kv entry.
func (s *LocalStore) DeleteValue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// SaveToken persists the auth token.
func (s *LocalStore) SaveToken(token string) error {
	return s.SetValue(keyAuthToken, token)
}

// LoadToken returns the persisted auth token, or "" when absent.
func (s *LocalStore) LoadToken() (string, error) {
	return s.GetValue(keyAuthToken)
}

// ClearToken removes the persisted auth token.
func (s *LocalStore) ClearToken() error {
	return s.DeleteValue(keyAuthToken)
}
