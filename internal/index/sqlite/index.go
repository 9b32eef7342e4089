// Package sqlite implements the metadata index on top of an embedded
// modernc.org/sqlite database file. It realizes the "simple
// transactional KV index" the archive's design calls for: a single
// writer, many readers, and bounded retry on SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prn-tf/deltavault/internal/archiverr"
	"github.com/prn-tf/deltavault/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	filename      TEXT NOT NULL,
	time_created  TIMESTAMP NOT NULL,
	content_hash  TEXT NOT NULL,
	content_size  INTEGER NOT NULL,
	store_hash    TEXT NOT NULL UNIQUE,
	store_size    INTEGER NOT NULL,
	parent_hash   TEXT
);
CREATE INDEX IF NOT EXISTS idx_blobs_filename     ON blobs(filename);
CREATE INDEX IF NOT EXISTS idx_blobs_content_hash ON blobs(content_hash);
CREATE INDEX IF NOT EXISTS idx_blobs_parent_hash  ON blobs(parent_hash);
`

// Index is the sqlite-backed implementation of index.Index.
type Index struct {
	db         *sql.DB
	maxRetries int
	retryWait  time.Duration
}

// Config controls retry behavior on SQLITE_BUSY.
type Config struct {
	// Path is the database file, e.g. "<prefix>/meta.db".
	Path string

	// MaxRetries bounds how many times a write retries after a
	// "database is locked" error before surfacing ErrIndexLocked.
	// Zero selects the default of 5.
	MaxRetries int

	// RetryWait is the base backoff between retries. Zero selects the
	// default of 20ms (doubled on each attempt).
	RetryWait time.Duration
}

// Open opens (creating if necessary) the sqlite metadata index at
// cfg.Path, in WAL mode so readers never block the writer.
func Open(cfg Config) (*Index, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 20 * time.Millisecond
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Index{db: db, maxRetries: cfg.MaxRetries, retryWait: cfg.RetryWait}, nil
}

func (i *Index) Close() error { return i.db.Close() }

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// withRetry runs fn, retrying with exponential backoff while fn fails
// with a "database locked" style error, up to i.maxRetries times.
func (i *Index) withRetry(ctx context.Context, fn func() error) error {
	wait := i.retryWait
	var lastErr error
	for attempt := 0; attempt <= i.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isLocked(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%w: %v", archiverr.ErrIndexLocked, lastErr)
}

func scanBlob(row interface {
	Scan(dest ...any) error
}) (*domain.Blob, error) {
	var b domain.Blob
	var parent sql.NullString
	if err := row.Scan(&b.ID, &b.Filename, &b.TimeCreated, &b.ContentHash, &b.ContentSize, &b.StoreHash, &b.StoreSize, &parent); err != nil {
		return nil, err
	}
	if parent.Valid {
		v := parent.String
		b.ParentHash = &v
	}
	return &b, nil
}

const selectCols = `id, filename, time_created, content_hash, content_size, store_hash, store_size, parent_hash`

func (i *Index) Insert(ctx context.Context, b *domain.Blob) (bool, error) {
	var inserted bool
	err := i.withRetry(ctx, func() error {
		var existing int64
		err := i.db.QueryRowContext(ctx, `SELECT id FROM blobs WHERE store_hash = ?`, b.StoreHash).Scan(&existing)
		if err == nil {
			inserted = false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check existing: %w", err)
		}

		res, err := i.db.ExecContext(ctx, `
			INSERT INTO blobs (filename, time_created, content_hash, content_size, store_hash, store_size, parent_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.Filename, b.TimeCreated, b.ContentHash, b.ContentSize, b.StoreHash, b.StoreSize, b.ParentHash,
		)
		if err != nil {
			return fmt.Errorf("insert blob: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted id: %w", err)
		}
		b.ID = id
		inserted = true
		return nil
	})
	return inserted, err
}

func (i *Index) Remove(ctx context.Context, b *domain.Blob) error {
	return i.withRetry(ctx, func() error {
		_, err := i.db.ExecContext(ctx, `DELETE FROM blobs WHERE store_hash = ?`, b.StoreHash)
		if err != nil {
			return fmt.Errorf("remove blob: %w", err)
		}
		return nil
	})
}

func (i *Index) Rename(ctx context.Context, from, to string) error {
	return i.withRetry(ctx, func() error {
		_, err := i.db.ExecContext(ctx, `UPDATE blobs SET filename = ? WHERE filename = ?`, to, from)
		if err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		return nil
	})
}

func (i *Index) query(ctx context.Context, query string, args ...any) ([]*domain.Blob, error) {
	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (i *Index) All(ctx context.Context) ([]*domain.Blob, error) {
	return i.query(ctx, `SELECT `+selectCols+` FROM blobs ORDER BY id ASC`)
}

func (i *Index) Roots(ctx context.Context) ([]*domain.Blob, error) {
	return i.query(ctx, `SELECT `+selectCols+` FROM blobs WHERE parent_hash IS NULL ORDER BY id ASC`)
}

func (i *Index) ByFilename(ctx context.Context, name string) ([]*domain.Blob, error) {
	return i.query(ctx, `SELECT `+selectCols+` FROM blobs WHERE filename = ? ORDER BY id ASC`, name)
}

func (i *Index) ByContentHash(ctx context.Context, hash string) ([]*domain.Blob, error) {
	return i.query(ctx, `SELECT `+selectCols+` FROM blobs WHERE content_hash = ? ORDER BY id ASC`, hash)
}

func (i *Index) Latest(ctx context.Context, filename string) (*domain.Blob, error) {
	row := i.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM blobs WHERE filename = ? ORDER BY id DESC LIMIT 1`, filename)
	b, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest blob: %w", err)
	}
	return b, nil
}

func (i *Index) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := i.db.QueryRowContext(ctx, `SELECT MAX(id) FROM blobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}
