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

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/util"
)

// Compile-time interface checks.
var _ Registry = (*SQLiteStore)(nil)
var _ RawLog = (*SQLiteStore)(nil)
var _ DailyBars = (*SQLiteStore)(nil)
var _ Snapshots = (*SQLiteStore)(nil)
var _ Fundamentals = (*SQLiteStore)(nil)

// querier is the subset of *sql.DB and *sql.Tx the repository methods use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries the repository methods. SQLiteStore runs them against the
// pool, Tx against an open transaction.
type ops struct {
	q   querier
	now func() time.Time
}

// SQLiteStore is the relational store backed by a single SQLite file in WAL
// mode.
type SQLiteStore struct {
	ops
	db    *sql.DB
	retry util.RetryPolicy
	log   *slog.Logger
}

// Tx is one write transaction. Its methods see the transaction's own writes.
type Tx struct {
	ops
	tx *sql.Tx
}

// Options configures NewSQLiteStore.
type Options struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
	Logger       *slog.Logger
	// Now overrides the clock used for updated_at stamps.
	Now func() time.Time
}

// OptionsFromConfig maps the storage section of the config.
func OptionsFromConfig(c config.Storage, logger *slog.Logger) Options {
	return Options{
		Path:         c.SQLitePath,
		MaxOpenConns: c.MaxOpenConns,
		BusyTimeout:  c.BusyTimeout,
		Logger:       logger,
	}
}

// DSN builds the modernc connection string with the pragmas every pooled
// connection needs.
func DSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// NewSQLiteStore opens (or creates) the database at opts.Path, applies
// pending migrations and returns a ready-to-use store.
func NewSQLiteStore(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, errors.New("store: empty sqlite path")
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", DSN(opts.Path, opts.BusyTimeout))
	if err != nil {
		return nil, err
	}
	conns := max(opts.MaxOpenConns, 1)
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", opts.Path, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &SQLiteStore{
		ops: ops{q: db, now: now},
		db:  db,
		retry: util.RetryPolicy{
			MaxAttempts: 6,
			BaseDelay:   25 * time.Millisecond,
			MaxDelay:    time.Second,
			Retryable:   IsBusy,
		},
		log: logger.With("component", "store"),
	}
	if _, err := Migrate(ctx, db, s.log); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the pool for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// WithTx runs fn inside a write transaction and commits when fn returns nil.
// Busy or locked failures restart the whole transaction, so fn must not
// keep side effects outside the database.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	attempt := 0
	return s.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.log.Debug("retrying busy transaction", "attempt", attempt)
		}
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		tx := &Tx{ops: ops{q: sqlTx, now: s.now}, tx: sqlTx}
		if err := fn(tx); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		return sqlTx.Commit()
	})
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// IsConstraint reports whether err is a constraint or trigger abort.
func IsConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// ---------------------------------------------------------------------------
// Column codecs
// ---------------------------------------------------------------------------

// instantLayout stores absolute instants (fetch_time, updated_at) in UTC.
const instantLayout = "2006-01-02 15:04:05.000000"

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(instantLayout)
}

func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(instantLayout, s, time.UTC)
}

func nullableDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format("2006-01-02"), Valid: true}
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
