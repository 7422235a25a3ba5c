package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/fenceline/jailrun/internal/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the concrete embedded engine backing Store
// (spec.md §4.1: "an embedded engine ... suffices; the interface is
// the contract"). It follows the teacher's boxer.go: sql.Open against
// the pure-Go modernc.org/sqlite driver, WAL journaling for
// concurrent readers, schema applied through migrations instead of an
// ad hoc exec of a schema string.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite-backed store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY storms.

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys on %s: %w", path, err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating storage schema at %s: %w", path, err)
	}

	slog.InfoContext(ctx, "storage.Open", "path", path)
	return &SQLiteStore{db: db, path: path}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("attaching migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (collection, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value`,
		collection, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// CAS implements spec.md §4.1's atomic transition contract: old == nil
// requires absence, new == nil deletes, otherwise the current value
// must equal old. Each case is a single conditional statement; SQLite
// serializes writers so there is no read-then-write race window.
func (s *SQLiteStore) CAS(ctx context.Context, collection, key string, old, new []byte) error {
	var res sql.Result
	var err error

	switch {
	case old == nil && new != nil:
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv (collection, key, value)
			 SELECT ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM kv WHERE collection = ? AND key = ?)`,
			collection, key, new, collection, key)
	case old != nil && new == nil:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM kv WHERE collection = ? AND key = ? AND value = ?`,
			collection, key, old)
	case old != nil && new != nil:
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value = ? WHERE collection = ? AND key = ? AND value = ?`,
			new, collection, key, old)
	default: // old == nil && new == nil: succeeds, without writing, only if the key is absent.
		exists, err := s.Exists(ctx, collection, key)
		if err != nil {
			return fmt.Errorf("cas %s/%s: %w", collection, key, err)
		}
		if exists {
			return fmt.Errorf("cas %s/%s: %w", collection, key, errs.ErrCASConflict)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("cas %s/%s: %w", collection, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas %s/%s: checking rows affected: %w", collection, key, err)
	}
	if n != 1 {
		return fmt.Errorf("cas %s/%s: %w", collection, key, errs.ErrCASConflict)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, collection, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// Flush issues a WAL checkpoint and reports the number of bytes moved
// from the write-ahead log into the main database file. It blocks
// until the checkpoint has finished or ctx is done.
func (s *SQLiteStore) Flush(ctx context.Context) (int64, error) {
	before, _ := walSize(s.path)
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return 0, fmt.Errorf("flushing storage: %w", err)
	}
	after, _ := walSize(s.path)
	flushed := before - after
	if flushed < 0 {
		flushed = before
	}
	return flushed, nil
}

func walSize(dbPath string) (int64, error) {
	fi, err := os.Stat(dbPath + "-wal")
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
