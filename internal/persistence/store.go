// Package persistence provides SQLite-backed state for the bridge: the
// exchange history shown after editor restarts, the recent-edits journal,
// and the global edit counter used for checkpoint bookkeeping.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/editor-bridge/internal/editstream"
)

// ExchangeRecord is one persisted exchange.
type ExchangeRecord struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	Mode       string `json:"mode"`
	Stage      string `json:"stage"`
	LastPrompt string `json:"lastPrompt"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// RecentEditRecord is one persisted recent-edits journal entry.
type RecentEditRecord struct {
	ID            int64  `json:"id"`
	Path          string `json:"path"`
	EditRequestID string `json:"editRequestId"`
	TrackingID    string `json:"trackingId"`
	Kind          string `json:"kind"`
	CreatedAt     string `json:"createdAt"`
}

// Store provides persistent bridge state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the exchanges table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			session_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT '',
			last_prompt TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, exchange_id)
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id);
	`)
	return err
}

// migrateV2 creates the recent-edits journal.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recent_edits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			edit_request_id TEXT NOT NULL DEFAULT '',
			tracking_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV3 creates the single-row edit counter.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS edit_counter (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value INTEGER NOT NULL DEFAULT 0
		);
		INSERT OR IGNORE INTO edit_counter (id, value) VALUES (1, 0);
	`)
	return err
}

// UpsertExchange records an exchange, preserving created_at on replace.
func (s *Store) UpsertExchange(rec ExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO exchanges (session_id, exchange_id, mode, stage, last_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, exchange_id) DO UPDATE SET
			mode = excluded.mode,
			stage = excluded.stage,
			last_prompt = excluded.last_prompt,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.ExchangeID, rec.Mode, rec.Stage, rec.LastPrompt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert exchange: %w", err)
	}
	return nil
}

// UpdateExchangeStage updates the stage label of a persisted exchange.
func (s *Store) UpdateExchangeStage(sessionID, exchangeID, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE exchanges SET stage = ?, updated_at = ? WHERE session_id = ? AND exchange_id = ?",
		stage, time.Now().UTC().Format(time.RFC3339), sessionID, exchangeID,
	)
	if err != nil {
		return fmt.Errorf("update exchange stage: %w", err)
	}
	return nil
}

// ListExchanges returns all exchanges for a session, oldest first.
func (s *Store) ListExchanges(sessionID string) ([]ExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT session_id, exchange_id, mode, stage, last_prompt, created_at, updated_at FROM exchanges WHERE session_id = ? ORDER BY created_at ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var records []ExchangeRecord
	for rows.Next() {
		var r ExchangeRecord
		if err := rows.Scan(&r.SessionID, &r.ExchangeID, &r.Mode, &r.Stage, &r.LastPrompt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}

	if records == nil {
		records = []ExchangeRecord{}
	}
	return records, nil
}

// AppendRecentEdit records a landed edit in the journal.
// Implements editstream.Bookkeeper.
func (s *Store) AppendRecentEdit(entry editstream.RecentEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO recent_edits (path, edit_request_id, tracking_id, kind, created_at) VALUES (?, ?, ?, ?, ?)",
		entry.Path, entry.EditRequestID, entry.TrackingID, entry.Kind, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append recent edit: %w", err)
	}
	return nil
}

// RecentEdits returns the newest journal entries, most recent first.
func (s *Store) RecentEdits(limit int) ([]RecentEditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		"SELECT id, path, edit_request_id, tracking_id, kind, created_at FROM recent_edits ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent edits: %w", err)
	}
	defer rows.Close()

	var records []RecentEditRecord
	for rows.Next() {
		var r RecentEditRecord
		if err := rows.Scan(&r.ID, &r.Path, &r.EditRequestID, &r.TrackingID, &r.Kind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent edit: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent edits: %w", err)
	}

	if records == nil {
		records = []RecentEditRecord{}
	}
	return records, nil
}

// IncrementEditCounter advances the global edit counter and returns the
// new value. Implements editstream.Bookkeeper.
func (s *Store) IncrementEditCounter() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("UPDATE edit_counter SET value = value + 1 WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("increment edit counter: %w", err)
	}

	var value int64
	if err := s.db.QueryRow("SELECT value FROM edit_counter WHERE id = 1").Scan(&value); err != nil {
		return 0, fmt.Errorf("read edit counter: %w", err)
	}
	return value, nil
}

// EditCounter returns the current counter value.
func (s *Store) EditCounter() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value int64
	if err := s.db.QueryRow("SELECT value FROM edit_counter WHERE id = 1").Scan(&value); err != nil {
		return 0, fmt.Errorf("read edit counter: %w", err)
	}
	return value, nil
}
