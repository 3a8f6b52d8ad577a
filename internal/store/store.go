// Package store is the SQLite adapter for the lease pool. It exposes
// transactional primitives over servers, credentials, usage logs and traffic
// samples and carries no allocation policy of its own.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"vpnpool/internal/logger"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrUnavailable marks lock timeouts and connectivity failures. Callers may retry.
var ErrUnavailable = errors.New("store unavailable")

const DefaultBusyTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	Path        string
	BusyTimeout time.Duration
	// MaxOpenConns caps the connection pool; zero leaves database/sql's default.
	MaxOpenConns int
}

// DB is the pool database.
type DB struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs primitives either inside a transaction (from WithTx) or
// directly against the database (from Reader).
type Queries struct {
	q    querier
	inTx bool
}

// Open opens (creating if needed) the database at opts.Path and applies the schema.
//
// Every transaction begins with BEGIN IMMEDIATE, taking the database write lock
// before the first read. Two transactions can therefore never both observe a
// credential as free; the loser waits up to BusyTimeout and then fails with
// ErrUnavailable.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	memory := opts.Path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn(opts.Path, opts.BusyTimeout, memory))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &DB{db: db, path: opts.Path, log: logger.Get("store")}
	s.log.Info("Database opened", "path", opts.Path, "busy_timeout", opts.BusyTimeout)
	return s, nil
}

func dsn(path string, busy time.Duration, memory bool) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	params.Set("_foreign_keys", "on")
	if !memory {
		params.Set("_journal_mode", "WAL")
	}
	return "file:" + path + "?" + params.Encode()
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks that the database answers queries.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify(err)
	}
	return nil
}

// Reader returns non-transactional primitives for read-only reporting.
func (d *DB) Reader() *Queries {
	return &Queries{q: d.db}
}

// WithTx runs fn inside one immediate transaction. It commits when fn returns
// nil and rolls back on error, panic or context cancellation.
func (d *DB) WithTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				d.log.Warn("Rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(&Queries{q: tx, inTx: true}); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Savepoint runs fn inside a nested savepoint of the current transaction. A
// failing fn rolls back only its own writes.
func (q *Queries) Savepoint(ctx context.Context, name string, fn func() error) error {
	if !q.inTx {
		return fmt.Errorf("savepoint %s outside transaction", name)
	}
	if _, err := q.q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := q.q.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		_, _ = q.q.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	_, err := q.q.ExecContext(ctx, "RELEASE "+name)
	return err
}

// IsUnavailable reports whether err is a lock timeout, busy database or
// expired deadline.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraint reports whether err is a constraint violation (unique, check, foreign key).
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if IsUnavailable(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
