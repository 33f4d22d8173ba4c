// Package store persists switchyard's durable state in SQLite: the request
// log and the last known state of every provider's circuit breaker.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// FileName is the database file created under the data directory.
const FileName = "switchyard.db"

// Store is a SQLite-backed persistence layer. Writes go through a single
// connection; reads use a small query_only pool.
type Store struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	now       func() time.Time
	closeOnce sync.Once
}

const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
	}

	writer, err := openDB(path+pragmas, 1)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	reader, err := openDB(path+pragmas+"&_pragma=query_only(ON)", 4)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}

	s := &Store{writer: writer, reader: reader, path: path, now: time.Now}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func openDB(dsn string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SetNow replaces the wall clock used for migration and pruning timestamps.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Close closes both connections. It is safe to call more than once.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		for _, db := range []*sql.DB{s.writer, s.reader} {
			if db == nil {
				continue
			}
			if err := db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Writer returns the writer handle.
func (s *Store) Writer() *sql.DB { return s.writer }

// Reader returns the reader handle.
func (s *Store) Reader() *sql.DB { return s.reader }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping checks both connections.
func (s *Store) Ping() error {
	if err := s.writer.Ping(); err != nil {
		return fmt.Errorf("store: writer ping: %w", err)
	}
	if err := s.reader.Ping(); err != nil {
		return fmt.Errorf("store: reader ping: %w", err)
	}
	return nil
}

// Prune deletes request log rows older than retentionDays and returns the
// number removed. Breaker snapshots are never pruned.
func (s *Store) Prune(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	res, err := s.writer.Exec("DELETE FROM requests WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune rows affected: %w", err)
	}
	return n, nil
}
