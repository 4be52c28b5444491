// Package sidecar stores drawing snapshots outside the vault files.
//
// Older plugin versions and other sync backends kept a copy of each
// drawing in a side database keyed by the document UUID. When such a copy
// disagrees with the file, the conflict resolver asks which one wins.
//
// The database is embedded SQLite in WAL mode:
//
//	snapshots(uuid TEXT PRIMARY KEY, data TEXT, updated_at TEXT)
package sidecar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/drawvault/drawsync/internal/store"
)

// ErrNotFound is returned by Get when no snapshot is stored for a UUID.
var ErrNotFound = errors.New("sidecar snapshot not found")

// Entry is one stored snapshot.
type Entry struct {
	UUID      string
	Snapshot  store.Snapshot
	UpdatedAt time.Time
}

// Config holds configuration for a sidecar Store.
type Config struct {
	// Logger for sidecar activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[sidecar] ", log.LstdFlags),
	}
}

// Store is the sidecar database.
type Store struct {
	conn   *sql.DB
	path   string
	config *Config
}

// Open opens or creates the sidecar database at path and ensures the schema.
//
// The caller MUST call Close() when done.
func Open(path string, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sidecar directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping sidecar: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, config: config}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to run %q: %w", p, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		uuid TEXT PRIMARY KEY,
		data TEXT NOT NULL,        -- JSON snapshot
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize sidecar schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.config.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close sidecar: %w", err)
	}
	s.conn = nil
	return nil
}

// Get returns the snapshot stored for uuid.
func (s *Store) Get(ctx context.Context, uuid string) (*Entry, error) {
	var data, updated string
	err := s.conn.QueryRowContext(ctx,
		`SELECT data, updated_at FROM snapshots WHERE uuid = ?`, uuid,
	).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sidecar snapshot %s: %w", uuid, err)
	}
	return decodeEntry(uuid, data, updated)
}

// Put inserts or replaces the snapshot for uuid.
func (s *Store) Put(ctx context.Context, uuid string, snap store.Snapshot) error {
	if uuid == "" {
		return fmt.Errorf("uuid is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
	INSERT INTO snapshots (uuid, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	_, err = s.conn.ExecContext(ctx, query, uuid, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put sidecar snapshot %s: %w", uuid, err)
	}
	return nil
}

// Delete removes the snapshot for uuid. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM snapshots WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete sidecar snapshot %s: %w", uuid, err)
	}
	return nil
}

// List returns every stored entry, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT uuid, data, updated_at FROM snapshots ORDER BY updated_at DESC, uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sidecar snapshots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var uuid, data, updated string
		if err := rows.Scan(&uuid, &data, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan sidecar row: %w", err)
		}
		e, err := decodeEntry(uuid, data, updated)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sidecar snapshots: %w", err)
	}
	return entries, nil
}

func decodeEntry(uuid, data, updated string) (*Entry, error) {
	var snap store.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode sidecar snapshot %s: %w", uuid, err)
	}
	if snap.Store == nil {
		snap.Store = map[string]store.Record{}
	}
	at, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", uuid, err)
	}
	return &Entry{UUID: uuid, Snapshot: snap, UpdatedAt: at}, nil
}
