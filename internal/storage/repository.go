package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"odwatch/internal/core"

	_ "modernc.org/sqlite"
)

// DSN builds the connection string for dbPath. Transactions start with BEGIN
// IMMEDIATE so the read of a read-modify-write already holds the write lock,
// and writers wait on each other instead of failing with SQLITE_BUSY.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// SQLiteRepository persists vote counters, one row per record key.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Get returns the counter stored under key. A missing record reads as the
// zero counter.
func (r *SQLiteRepository) Get(ctx context.Context, key string) (core.VoteCounter, error) {
	if key == "" {
		return core.VoteCounter{}, core.ErrEmptyRecordKey
	}
	c, err := scanCounter(r.db.QueryRowContext(ctx, selectCounter, key))
	if err != nil {
		return core.VoteCounter{}, fmt.Errorf("get vote counter: %w", err)
	}
	return c, nil
}

// Transact runs fn against the current counter and writes its result in the
// same transaction. Writes merge into the existing row: created_at is only
// set when the row is inserted.
func (r *SQLiteRepository) Transact(ctx context.Context, key string, fn func(current core.VoteCounter) (core.VoteCounter, error)) (core.VoteCounter, error) {
	if key == "" {
		return core.VoteCounter{}, core.ErrEmptyRecordKey
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.VoteCounter{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanCounter(tx.QueryRowContext(ctx, selectCounter, key))
	if err != nil {
		return core.VoteCounter{}, fmt.Errorf("read vote counter: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return core.VoteCounter{}, err
	}
	if err := checkMonotonic(current, next); err != nil {
		return core.VoteCounter{}, err
	}

	_, err = tx.ExecContext(ctx, upsertCounter,
		key,
		next.ForCount,
		next.AgainstCount,
		formatTime(next.CreatedAt),
		formatTime(next.UpdatedAt),
	)
	if err != nil {
		return core.VoteCounter{}, fmt.Errorf("write vote counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.VoteCounter{}, fmt.Errorf("commit vote counter: %w", err)
	}

	slog.DebugContext(ctx, "Vote counter committed",
		"key", key,
		"for_count", next.ForCount,
		"against_count", next.AgainstCount)

	return next, nil
}

const selectCounter = `
SELECT for_count, against_count, created_at, updated_at
FROM vote_counters
WHERE record_key = ?`

const upsertCounter = `
INSERT INTO vote_counters (record_key, for_count, against_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(record_key) DO UPDATE SET
    for_count = excluded.for_count,
    against_count = excluded.against_count,
    updated_at = excluded.updated_at`

func scanCounter(row *sql.Row) (core.VoteCounter, error) {
	var (
		c                core.VoteCounter
		created, updated string
	)
	err := row.Scan(&c.ForCount, &c.AgainstCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return core.VoteCounter{}, nil
	}
	if err != nil {
		return core.VoteCounter{}, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return core.VoteCounter{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return core.VoteCounter{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return c, nil
}

func checkMonotonic(current, next core.VoteCounter) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.ForCount < current.ForCount || next.AgainstCount < current.AgainstCount {
		return fmt.Errorf("vote counts cannot decrease (for %d->%d, against %d->%d)",
			current.ForCount, next.ForCount, current.AgainstCount, next.AgainstCount)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
