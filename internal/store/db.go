// Package store provides the shared SQLite persistence layer for foreman.
// Every process (supervisor, worker schedulers, the trigger CLI) opens its
// own connection; concurrency is handled by WAL mode plus a busy timeout,
// and cross-process contracts are expressed as repository operations.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded WASM sqlite build

	"github.com/zjrosen/foreman/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection and provides access to repositories.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path, applies
// pragmas, and runs any pending migrations. An existing database file is
// copied to <path>.bak before migrations run.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up database before migration: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.applyPragmas(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "database opened", "path", path)
	return db, nil
}

func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// backupFile copies src to dst, truncating any previous backup.
func backupFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: path is the user-configured db path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection exposes the underlying *sql.DB for callers that need raw
// access (tests, ad-hoc queries).
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// WorkerRepository returns the repository for worker records.
func (db *DB) WorkerRepository() *WorkerRepository {
	return newWorkerRepository(db.conn)
}

// TaskRepository returns the repository for tasks.
func (db *DB) TaskRepository() *TaskRepository {
	return newTaskRepository(db.conn)
}

// EventRepository returns the repository for lifecycle events.
func (db *DB) EventRepository() *EventRepository {
	return newEventRepository(db.conn)
}

// CommandRepository returns the repository for control commands.
func (db *DB) CommandRepository() *CommandRepository {
	return newCommandRepository(db.conn)
}

// TriggerRepository returns the repository for time triggers.
func (db *DB) TriggerRepository() *TriggerRepository {
	return newTriggerRepository(db.conn)
}

// ConnectorRepository returns the repository for connector configs.
func (db *DB) ConnectorRepository() *ConnectorRepository {
	return newConnectorRepository(db.conn)
}

// ManifestRepository returns the repository for skill and capability
// manifests.
func (db *DB) ManifestRepository() *ManifestRepository {
	return newManifestRepository(db.conn)
}

// RunRepository returns the repository for decomposition run records.
func (db *DB) RunRepository() *RunRepository {
	return newRunRepository(db.conn)
}
