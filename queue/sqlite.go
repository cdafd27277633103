package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend stores entries in an sqlite table with autoincrement IDs.
// Several processes can use the same database file.
type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteBackend opens (or creates) the queue table in the given database file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteBackend(filename string) (*SQLiteBackend, error) {
	dsn := filename
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	} else if !strings.Contains(dsn, "?") {
		dsn = dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeError("open", err)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		body BLOB NOT NULL,
		headers TEXT,
		created_at INTEGER
	)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, storeError("open", err)
		}
	}
	return &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteBackend) Append(ctx context.Context, e Entry) (uint64, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return 0, storeError("append", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO outbox (body, headers, created_at) VALUES (?, ?, ?)",
		[]byte(e.Body), string(headers), e.CreatedAt.UnixNano())
	if err != nil {
		return 0, storeError("append", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, storeError("append", err)
	}
	return uint64(id), nil
}

func (s *SQLiteBackend) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, body, headers, created_at FROM outbox ORDER BY id ASC")
	if err != nil {
		return nil, storeError("read", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			body    []byte
			headers sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &body, &headers, &created); err != nil {
			return entries, storeError("read", err)
		}
		e.Body = json.RawMessage(body)
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &e.Headers); err != nil {
				return entries, storeError("read", err)
			}
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, storeError("read", rows.Err())
}

func (s *SQLiteBackend) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&n)
	return n, storeError("count", err)
}

func (s *SQLiteBackend) DeleteThrough(ctx context.Context, id uint64) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM outbox WHERE id <= ?", id)
	return storeError("delete", err)
}

func (s *SQLiteBackend) Clear(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM outbox")
	return storeError("clear", err)
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
