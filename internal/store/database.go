package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"uk.co.dudmesh.telex/internal/observability"
)

// timeLayout is fixed width so that text comparison of stored timestamps
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000-07:00"

type Options struct {
	MaxOpenConns int
	BusyTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}

// Database owns one SQLite file and a bounded pool of connections to it.
type Database struct {
	db  *sqlx.DB
	log *logrus.Entry
}

// Open creates the containing directory if needed and connects to the SQLite
// file at path.
func Open(ctx context.Context, path string, opts Options) (*Database, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultOptions().MaxOpenConns
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, opts.BusyTimeout.Milliseconds())
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	log := observability.Component("database").WithField("path", path)
	log.WithField("max_conns", opts.MaxOpenConns).Debug("database opened")

	return &Database{db: db, log: log}, nil
}

// Initialize runs schema statements in a single transaction. Statements must
// be idempotent (create ... if not exists).
func (d *Database) Initialize(ctx context.Context, statements []string) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}
	d.log.Info("database schema initialized")
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	d.log.Info("database closed")
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
