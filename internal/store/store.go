// Package store owns the SQLite schema, the content-addressed blob
// store, and the full-text index over response bodies.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the database connection for one capture store.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the database at path for writing, applies the
// WAL/synchronous pragmas, and brings the schema up to date.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// The import pipeline is single-writer; one connection keeps
	// transaction state unambiguous.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

// OpenReadOnly opens an existing database for queries only. Readers use
// their own connections and never block the writer under WAL.
func OpenReadOnly(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the filesystem path the database was opened from.
func (d *DB) Path() string { return d.path }
