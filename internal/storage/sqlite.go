package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"skyfeed/internal/model"
	"skyfeed/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
//
// Reads go straight to the connection pool. Writes are serialised through
// writeMu so the existence check and the insert of RecordPosted cannot
// interleave between feed tasks.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", DSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every connection to an in-memory database sees its own empty schema.
	if isMemory(dsn) {
		db.SetMaxOpenConns(1)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DSN appends the connection pragmas to a database path. The driver applies
// them to every connection it opens, not only the first one in the pool.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// HasPosted reports whether an entry id has a record.
func (s *SQLite) HasPosted(ctx context.Context, entryID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posted_entries WHERE entry_id = ?`, entryID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check posted: %w", err)
	}
	return count > 0, nil
}

// RecordPosted inserts the record for a successfully posted entry.
// It returns ErrAlreadyRecorded if the id is already present; existing rows
// are never overwritten.
func (s *SQLite) RecordPosted(ctx context.Context, rec model.EntryRecord) error {
	if rec.EntryID == "" {
		return fmt.Errorf("record posted: empty entry id")
	}
	if rec.PostedAt.IsZero() {
		rec.PostedAt = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posted_entries WHERE entry_id = ?`, rec.EntryID,
	).Scan(&count); err != nil {
		return fmt.Errorf("check posted: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("record %q: %w", rec.EntryID, ErrAlreadyRecorded)
	}

	var published *string
	if !rec.PublishedAt.IsZero() {
		v := rec.PublishedAt.UTC().Format(timeLayout)
		published = &v
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO posted_entries (entry_id, feed_url, post_uri, published_at, posted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.EntryID, rec.FeedURL, rec.PostURI, published, rec.PostedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert posted entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRecords returns every record ordered by the time it was posted.
func (s *SQLite) ListRecords(ctx context.Context) ([]model.EntryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, feed_url, post_uri, published_at, posted_at
		 FROM posted_entries ORDER BY posted_at, rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("query posted entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.EntryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.EntryRecord, error) {
	var rec model.EntryRecord
	var published sql.NullString
	var posted string
	if err := row.Scan(&rec.EntryID, &rec.FeedURL, &rec.PostURI, &published, &posted); err != nil {
		return rec, fmt.Errorf("scan posted entry: %w", err)
	}
	if published.Valid {
		rec.PublishedAt, _ = time.Parse(timeLayout, published.String)
	}
	rec.PostedAt, _ = time.Parse(timeLayout, posted)
	return rec, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
