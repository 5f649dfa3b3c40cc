package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/ashureev/antirisk-desk/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex // one write scope at a time to keep SQLITE_BUSY rare
	retry   resilience.Policy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writer's lock.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		path: dbPath,
		retry: resilience.Policy{
			MaxAttempts:  3,
			BaseDelay:    100 * time.Millisecond,
			GrowthFactor: 2,
			MaxDelay:     400 * time.Millisecond,
			Classifier:   sqliteClassifier,
			OnRetry: func(a resilience.Attempt) {
				slog.Debug("write scope failed with SQLITE_BUSY, retrying", "attempt", a.Number, "delay", a.Delay)
			},
		},
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func sqliteClassifier(err error) resilience.Class {
	if shared.IsSQLiteConflictError(err) {
		return resilience.ClassTransientCapacity
	}
	return resilience.ClassFatal
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		region TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (region, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(region, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Region returns a region whose calls each run in their own scope.
func (s *SQLiteStore) Region(name string) Records {
	return scopedRecords{repo: s, region: name}
}

// View runs fn in a read scope.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.runTx(ctx, fn)
}

// Update runs fn in a write scope, retrying the whole scope on SQLITE_BUSY.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := resilience.Execute(ctx, s.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.runTx(ctx, fn)
	})
	if err == nil {
		return nil
	}
	// Unwrap the controller's envelope: callers care about the storage error.
	var fatal *resilience.FatalError
	if errors.As(err, &fatal) {
		return fatal.Err
	}
	return err
}

// runTx opens a transaction, runs fn and guarantees commit or rollback,
// including when fn panics.
func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "begin", Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back transaction", "error", rbErr)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = &Error{Op: "commit", Err: commitErr}
		}
	}()

	return fn(sqlTx{tx: tx})
}

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) Region(name string) Records {
	return sqlRecords{tx: t.tx, region: name}
}

type sqlRecords struct {
	tx     *sql.Tx
	region string
}

func (r sqlRecords) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.tx.QueryRowContext(ctx,
		`SELECT value FROM records WHERE region = ? AND key = ?`, r.region, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(r.region, key)
	}
	if err != nil {
		return nil, &Error{Op: "get", Region: r.region, Key: key, Err: err}
	}
	return value, nil
}

func (r sqlRecords) GetAll(ctx context.Context) ([]Record, error) {
	rows, err := r.tx.QueryContext(ctx,
		`SELECT key, value, updated_at FROM records WHERE region = ? ORDER BY key`, r.region)
	if err != nil {
		return nil, &Error{Op: "list", Region: r.region, Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close records rows", "region", r.region, "error", closeErr)
		}
	}()

	var out []Record
	for rows.Next() {
		var rec Record
		var updatedAt int64
		if err := rows.Scan(&rec.Key, &rec.Value, &updatedAt); err != nil {
			return nil, &Error{Op: "scan", Region: r.region, Err: err}
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "list", Region: r.region, Err: err}
	}
	return out, nil
}

func (r sqlRecords) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO records (region, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(region, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
	if _, err := r.tx.ExecContext(ctx, query, r.region, key, value, time.Now().UnixMilli()); err != nil {
		return &Error{Op: "put", Region: r.region, Key: key, Err: err}
	}
	return nil
}

func (r sqlRecords) Remove(ctx context.Context, key string) error {
	if _, err := r.tx.ExecContext(ctx, `DELETE FROM records WHERE region = ? AND key = ?`, r.region, key); err != nil {
		return &Error{Op: "remove", Region: r.region, Key: key, Err: err}
	}
	return nil
}
