// Package store opens and closes the relational store that receives the
// materialized table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/internal/schema"
)

// Store is an open database handle together with its dialect.
type Store struct {
	DB      *sql.DB
	Dialect schema.Dialect
	DSN     string

	logger *log.Logger
}

// Open opens the store for the named driver (sqlite, postgres, mysql) and
// verifies the connection. For sqlite the DSN may be a plain file path; its
// directory is created when missing.
func Open(ctx context.Context, driver, dsn string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	d, err := schema.DialectFor(driver)
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeOpenFailed, "store: unsupported driver", err)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, cerrors.NewStoreError(cerrors.CodeOpenFailed, "store: empty dsn", nil)
	}

	if path, ok := SQLitePath(d, dsn); ok {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, cerrors.NewStoreError(cerrors.CodeOpenFailed, "store: failed to create database directory", err)
			}
		}
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeOpenFailed, fmt.Sprintf("store: failed to open %s database", d.Name()), err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, cerrors.NewStoreError(cerrors.CodeOpenFailed, fmt.Sprintf("store: cannot reach %s database", d.Name()), err)
	}

	if d.Name() == "sqlite" {
		// One connection keeps PRAGMAs and the write transaction on the same handle.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, cerrors.NewStoreError(cerrors.CodeOpenFailed, "store: failed to set journal mode", err)
		}
	}

	return &Store{DB: db, Dialect: d, DSN: dsn, logger: logger}, nil
}

// Close releases the handle. A sqlite database is checkpointed and switched
// back to rollback-journal mode first so that the result is a single file.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	if s.Dialect.Name() == "sqlite" {
		ctx := context.Background()
		if _, err := s.DB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Printf("store: failed to checkpoint WAL: %v", err)
		}
		if _, err := s.DB.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
			s.logger.Printf("store: failed to set journal mode to DELETE: %v", err)
		}
	}
	if err := s.DB.Close(); err != nil {
		return cerrors.NewStoreError(cerrors.CodeStoreUnusable, "store: failed to close database", err)
	}
	return nil
}

// Path returns the database file for sqlite stores.
func (s *Store) Path() (string, bool) {
	return SQLitePath(s.Dialect, s.DSN)
}

// SQLitePath extracts the file path from a sqlite DSN. It reports false for
// other dialects and in-memory databases.
func SQLitePath(d schema.Dialect, dsn string) (string, bool) {
	if d.Name() != "sqlite" {
		return "", false
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return "", false
	}
	return path, true
}

// TimestampedPath inserts a -YYYYMMDDHHMMSS suffix before the extension:
// castor.db becomes castor-20260101120000.db.
func TimestampedPath(path string, now time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return base + "-" + now.Format("20060102150405") + ext
}
