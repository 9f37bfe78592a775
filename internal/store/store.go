// Package store provides durable, asynchronous storage for the synchronized
// collections and a metadata namespace. The primary engine is sqlite; when it
// is unavailable the store degrades to a capped JSON snapshot file and keeps
// serving callers without surfacing errors.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcus/flipstock/internal/models"
	_ "modernc.org/sqlite"
)

const (
	dbFile       = "flipstock.db"
	fallbackFile = "fallback.json"

	// metaMigrated gates the one-time fallback -> primary copy.
	metaMigrated = "fallback_migrated"
)

const schema = `
CREATE TABLE IF NOT EXISTS inventory (id TEXT PRIMARY KEY, data TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS sales     (id TEXT PRIMARY KEY, data TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS expenses  (id TEXT PRIMARY KEY, data TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS meta      (key TEXT PRIMARY KEY, value TEXT NOT NULL);
`

// Store owns durable persistence of the dataset. All write operations absorb
// engine failures: they are logged, never returned to the caller.
type Store struct {
	baseDir string
	data    *models.Dataset

	conn        *sql.DB // nil when the primary engine is unavailable
	unavailable bool

	fallback *snapshotFile

	mu        sync.Mutex
	saveTimer *time.Timer
	saveDone  chan struct{} // non-nil while a save is scheduled or in flight
	saveDelay time.Duration

	closed bool
}

// Open initializes the store in baseDir. It is idempotent: opening an
// existing store is a no-op beyond schema checks. A primary engine failure
// flips the store into degraded mode instead of returning an error.
func Open(baseDir string, data *models.Dataset) *Store {
	s := &Store{
		baseDir:   baseDir,
		data:      data,
		fallback:  newSnapshotFile(filepath.Join(baseDir, fallbackFile), defaultFallbackCap),
		saveDelay: 200 * time.Millisecond,
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		slog.Warn("store: create dir, running degraded", "dir", baseDir, "err", err)
		s.unavailable = true
		return s
	}

	conn, err := openPrimary(filepath.Join(baseDir, dbFile))
	if err != nil {
		slog.Warn("store: primary engine unavailable, using fallback", "err", err)
		s.unavailable = true
		return s
	}
	s.conn = conn

	s.migrateFromFallback()
	return s
}

// openPrimary opens the sqlite database and applies the schema and pragmas.
func openPrimary(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return conn, nil
}

// Close flushes any scheduled save and closes the primary engine.
func (s *Store) Close() error {
	s.WaitForPendingWrite()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Available reports whether the primary engine is usable.
func (s *Store) Available() bool {
	return !s.unavailable
}

// Conn returns the underlying sqlite handle for components that keep their
// own tables in the same file (the offline queue). Nil in degraded mode.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// ReadAll returns all records of a table from the primary engine, or from
// the fallback snapshot in degraded mode.
func (s *Store) ReadAll(table string) []models.Record {
	if !models.ValidTable(table) {
		return nil
	}
	if s.unavailable {
		return s.fallback.read()[table]
	}

	rows, err := s.conn.Query(fmt.Sprintf(`SELECT data FROM %s`, table))
	if err != nil {
		slog.Warn("store: read all", "table", table, "err", err)
		return nil
	}
	defer rows.Close()

	var recs []models.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			slog.Warn("store: scan row", "table", table, "err", err)
			continue
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			slog.Warn("store: decode record", "table", table, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("store: read all iteration", "table", table, "err", err)
	}
	return recs
}

// WriteAll replaces a table's contents with the given records as a single
// atomic unit (clear then bulk insert in one transaction).
func (s *Store) WriteAll(table string, recs []models.Record) {
	if !models.ValidTable(table) || s.unavailable {
		return
	}

	tx, err := s.conn.Begin()
	if err != nil {
		slog.Warn("store: begin write all", "table", table, "err", err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		slog.Warn("store: clear table", "table", table, "err", err)
		return
	}
	for _, rec := range recs {
		id := rec.ID()
		if id == "" {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			slog.Warn("store: encode record", "table", table, "id", id, "err", err)
			continue
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data) VALUES (?, ?)`, table),
			id, string(data),
		); err != nil {
			slog.Warn("store: insert record", "table", table, "id", id, "err", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Warn("store: commit write all", "table", table, "err", err)
	}
}

// WriteOne inserts or replaces a single record.
func (s *Store) WriteOne(table string, rec models.Record) {
	if !models.ValidTable(table) || s.unavailable {
		return
	}
	id := rec.ID()
	if id == "" {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("store: encode record", "table", table, "id", id, "err", err)
		return
	}
	if _, err := s.conn.Exec(
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data) VALUES (?, ?)`, table),
		id, string(data),
	); err != nil {
		slog.Warn("store: write one", "table", table, "id", id, "err", err)
	}
}

// DeleteOne removes a single record by id.
func (s *Store) DeleteOne(table, id string) {
	if !models.ValidTable(table) || s.unavailable {
		return
	}
	if _, err := s.conn.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		slog.Warn("store: delete one", "table", table, "id", id, "err", err)
	}
}

// Count returns the number of stored records in a table.
func (s *Store) Count(table string) int {
	if !models.ValidTable(table) {
		return 0
	}
	if s.unavailable {
		return len(s.fallback.read()[table])
	}
	var n int
	if err := s.conn.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		slog.Warn("store: count", "table", table, "err", err)
		return 0
	}
	return n
}

// GetMeta returns a value from the metadata namespace.
func (s *Store) GetMeta(key string) (string, bool) {
	if s.unavailable {
		return "", false
	}
	var value string
	err := s.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		slog.Warn("store: get meta", "key", key, "err", err)
		return "", false
	}
	return value, true
}

// SetMeta writes a value into the metadata namespace.
func (s *Store) SetMeta(key, value string) {
	if s.unavailable {
		return
	}
	if _, err := s.conn.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value,
	); err != nil {
		slog.Warn("store: set meta", "key", key, "err", err)
	}
}

// Load populates the in-memory dataset from durable storage. Called once at
// startup, before any component reads the collections.
func (s *Store) Load() {
	for _, table := range models.Tables {
		s.data.Replace(table, s.ReadAll(table))
	}
}

// migrateFromFallback performs the one-time fallback -> primary copy: only
// when the primary has never been populated, the fallback holds data, and the
// migration flag is unset.
func (s *Store) migrateFromFallback() {
	if _, done := s.GetMeta(metaMigrated); done {
		return
	}
	snap := s.fallback.read()

	empty := true
	for _, table := range models.Tables {
		if s.Count(table) > 0 {
			empty = false
			break
		}
	}
	if empty {
		migrated := 0
		for _, table := range models.Tables {
			if recs := snap[table]; len(recs) > 0 {
				s.WriteAll(table, recs)
				migrated += len(recs)
			}
		}
		if migrated > 0 {
			slog.Info("store: migrated fallback data to primary", "records", migrated)
		}
	}
	s.SetMeta(metaMigrated, "1")
}
