// Package store persists normalized report rows into a SQLite file or a Dolt
// repository. Rows are keyed by schema version plus the schema's natural key,
// so re-persisting an identical pull leaves the table unchanged.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/dolthub/driver"
	_ "modernc.org/sqlite"

	"github.com/hargabyte/lwreport/internal/retry"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendDolt   = "dolt"
)

const doltDatabase = "lwreport"

// ErrNotVersioned is returned by history operations on a non-Dolt store.
var ErrNotVersioned = errors.New("store is not version controlled")

// Observer receives row counts after each batch.
type Observer interface {
	RowsUpserted(table, op string, n int)
}

type nopObserver struct{}

func (nopObserver) RowsUpserted(string, string, int) {}

// Options tunes a Store.
type Options struct {
	Backend   string
	BatchSize int
	Logger    *slog.Logger
	Observer  Observer
	// Retry governs the single re-attempt of a failed batch.
	Retry retry.Policy
	Sleep retry.Sleeper
	// Now stamps _first_seen and _updated_at.
	Now func() time.Time
}

// Store is the persistence adapter. It is safe for concurrent use; each
// upsert batch runs in its own transaction.
type Store struct {
	db      *sql.DB
	dbPath  string
	dialect dialect
	opts    Options
}

// Open opens or creates the store at path. For sqlite, path is the database
// file; for dolt it is the repository directory.
func Open(path string, opts Options) (*Store, error) {
	if opts.Backend == "" {
		opts.Backend = BackendSQLite
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Policy{MaxAttempts: 2, Initial: 200 * time.Millisecond, Max: time.Second}
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Backend {
	case BackendSQLite:
		db, err = openSQLite(path)
	case BackendDolt:
		db, err = openDolt(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dbPath: path, dialect: dialect{backend: opts.Backend}, opts: opts}

	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; transactions hold the only connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

func openDolt(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dolt directory: %w", err)
	}

	// First, connect without specifying database to create it if needed
	initDSN := fmt.Sprintf("file://%s?commitname=lwreport&commitemail=lwreport@local", dir)
	initDB, err := sql.Open("dolt", initDSN)
	if err != nil {
		return nil, fmt.Errorf("open dolt for init: %w", err)
	}
	if _, err := initDB.Exec("CREATE DATABASE IF NOT EXISTS " + doltDatabase); err != nil {
		initDB.Close()
		return nil, fmt.Errorf("create database: %w", err)
	}
	initDB.Close()

	dsn := fmt.Sprintf("file://%s?commitname=lwreport&commitemail=lwreport@local&database=%s", dir, doltDatabase)
	db, err := sql.Open("dolt", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dolt db: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for advanced operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file or repository path.
func (s *Store) Path() string {
	return s.dbPath
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.opts.Backend
}
