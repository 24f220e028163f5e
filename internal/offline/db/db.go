// Package db is the embedded SQLite store behind storyforge's offline mode.
//
// It holds the user's projects and scenes, the action queue of work that
// needs a remote service, and a small key/value meta table for persisted
// flags. Everything lives in one database file so that an optimistic entity
// write and the queue entry backing it commit together.
//
// Architecture:
//   - Database file: <data_dir>/storyforge.db
//   - WAL mode: readers proceed while the sync engine writes
//   - Tables: projects, scenes, action_queue, meta
//   - Writes run in IMMEDIATE transactions; change events are published to
//     subscribers after commit
//
// Every failure from the driver surfaces as a *StorageError, which matches
// ErrStorageUnavailable.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat is fixed-width UTC so stored timestamps sort as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB is the offline store.
type DB struct {
	conn   *sql.DB
	path   string
	clock  clockwork.Clock
	events *broker
	closed atomic.Bool
}

// Config holds optional settings for OpenWithConfig.
type Config struct {
	// Clock stamps created/updated times and backoff gates.
	// Defaults to the real clock.
	Clock clockwork.Clock
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the store at path and initializes its
// schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "storyforge.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenWithConfig(path, Config{})
}

// OpenWithConfig is Open with explicit settings.
func OpenWithConfig(path string, cfg Config) (*DB, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "create database directory", Err: err}
	}

	// Pragmas in the DSN apply to every pooled connection, not just the
	// first one.
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(wal)")
	connStr := fmt.Sprintf("file:%s?%s", path, params.Encode())

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, &StorageError{Op: "open database", Err: err}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &StorageError{Op: "ping database", Err: err}
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		clock:  cfg.Clock,
		events: newBroker(),
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Clock returns the clock the store stamps records with.
func (db *DB) Clock() clockwork.Clock {
	return db.clock
}

// Close checkpoints the WAL, closes the connection pool and every
// subscriber channel. Later operations fail with ErrStorageUnavailable.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.events.close()

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		source_text TEXT NOT NULL DEFAULT '',
		style TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		progress REAL NOT NULL DEFAULT 0,
		video_url TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 2
	);

	CREATE TABLE IF NOT EXISTS scenes (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		image_prompt TEXT,
		image TEXT,
		duration REAL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	-- Actions outlive their targets: a deleted project turns its pending
	-- work into no-ops, so there is no foreign key here.
	CREATE TABLE IF NOT EXISTS action_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		project_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
	CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at);
	CREATE INDEX IF NOT EXISTS idx_scenes_project ON scenes(project_id, position);
	CREATE INDEX IF NOT EXISTS idx_action_queue_status ON action_queue(status, seq);
	CREATE INDEX IF NOT EXISTS idx_action_queue_project ON action_queue(project_id);
	`

	if db.closed.Load() {
		return &StorageError{Op: "initialize schema", Err: errClosed}
	}
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return &StorageError{Op: "initialize schema", Err: err}
	}
	return nil
}

// Tx is a write transaction. Every mutating store operation is available on
// Tx so that several of them, typically an entity write and an Enqueue,
// commit or roll back together.
type Tx struct {
	ctx    context.Context
	tx     *sql.Tx
	db     *DB
	now    time.Time
	events []Event
}

// Update runs fn inside a transaction. fn's error rolls everything back;
// otherwise the transaction commits and its change events are published.
// All writes in one transaction share the same timestamp.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if db.closed.Load() {
		return &StorageError{Op: "begin transaction", Err: errClosed}
	}

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin transaction", Err: err}
	}
	defer sqlTx.Rollback()

	tx := &Tx{ctx: ctx, tx: sqlTx, db: db, now: db.clock.Now().UTC()}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &StorageError{Op: "commit transaction", Err: err}
	}

	db.events.publish(tx.events...)
	return nil
}

// Now returns the timestamp this transaction stamps records with.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) emit(kind EventKind, projectID, sceneID, actionID string) {
	tx.events = append(tx.events, Event{
		Kind:      kind,
		ProjectID: projectID,
		SceneID:   sceneID,
		ActionID:  actionID,
		At:        tx.now,
	})
}

// reader returns a querier for read-only calls made outside a transaction.
func (db *DB) reader(op string) (querier, error) {
	if db.closed.Load() {
		return nil, &StorageError{Op: op, Err: errClosed}
	}
	return db.conn, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
