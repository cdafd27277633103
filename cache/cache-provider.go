package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrStore is matched (with errors.Is) by every error a Provider returns.
var ErrStore = errors.New("cache store failure")

// StoreError wraps a provider specific error.
type StoreError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeError(op, namespace string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Namespace: namespace, Err: err}
}

// Provider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped in named namespaces.
// Several processes may share the same provider storage.
//
// Implementations must be thread-safe!
type Provider interface {
	// CreateNamespace creates the namespace if it does not exist yet.
	CreateNamespace(ctx context.Context, name string) error
	// Namespaces returns the names of all existing namespaces.
	Namespaces(ctx context.Context) ([]string, error)
	// DeleteNamespace removes the namespace and all of its entries.
	DeleteNamespace(ctx context.Context, name string) error
	// Get returns the stored bytes for the key in the namespace, if they exist.
	// The boolean indicates whether the entry was found.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	// Put stores (or overwrites) the bytes under the key in the namespace.
	// The namespace is created if needed.
	Put(ctx context.Context, namespace, key string, bytes []byte) error
	// Delete removes a single entry.
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	db, err := OpenSQLite(filename)
	if err != nil {
		return nil, storeError("open", "", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS namespaces (
		name TEXT PRIMARY KEY,
		created_at INTEGER
	)`,
		`CREATE TABLE IF NOT EXISTS entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (namespace, key)
	)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, storeError("open", "", err)
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// OpenSQLite opens the sqlite database in WAL mode.
// The database file can be shared with other processes.
func OpenSQLite(filename string) (*sql.DB, error) {
	dsn := filename
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	} else if !strings.Contains(dsn, "?") {
		dsn = dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *SQLiteProvider) CreateNamespace(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	return storeError("create", name, err)
}

func (s *SQLiteProvider) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, storeError("list", "", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, storeError("list", "", err)
		}
		names = append(names, name)
	}
	return names, storeError("list", "", rows.Err())
}

func (s *SQLiteProvider) DeleteNamespace(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("delete", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", name); err != nil {
		return storeError("delete", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", name); err != nil {
		return storeError("delete", name, err)
	}
	return storeError("delete", name, tx.Commit())
}

func (s *SQLiteProvider) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE namespace = ? AND key = ?",
		namespace, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError("get", namespace, err)
	}
	return bytes, true, nil
}

func (s *SQLiteProvider) Put(ctx context.Context, namespace, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("put", namespace, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		namespace, now); err != nil {
		return storeError("put", namespace, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(namespace, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		namespace, key, now, bytes); err != nil {
		return storeError("put", namespace, err)
	}
	return storeError("put", namespace, tx.Commit())
}

func (s *SQLiteProvider) Delete(ctx context.Context, namespace, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE namespace = ? AND key = ?", namespace, key)
	return storeError("purge", namespace, err)
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
