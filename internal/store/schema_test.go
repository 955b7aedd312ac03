package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateSchema_Tables(t *testing.T) {
	db := tempDB(t)

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	tables := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables[name] = true
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{"blobs", "imports", "pages", "entries", "graphql_fields", "response_body_fts"} {
		assert.True(t, tables[want], "missing table %s", want)
	}
}

func TestOpen_WALMode(t *testing.T) {
	db := tempDB(t)

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_UpgradesOlderDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// A database from before body decompression, dedup, and GraphQL
	// extraction existed.
	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE blobs (hash TEXT PRIMARY KEY, content BLOB NOT NULL, size INTEGER NOT NULL, mime_type TEXT);
		CREATE TABLE imports (id INTEGER PRIMARY KEY, source_file TEXT NOT NULL, imported_at TEXT NOT NULL, entry_count INTEGER);
		CREATE TABLE pages (id TEXT NOT NULL, import_id INTEGER, started_at TEXT, title TEXT,
			on_content_load_ms REAL, on_load_ms REAL, PRIMARY KEY (id, import_id));
		CREATE TABLE entries (id INTEGER PRIMARY KEY, import_id INTEGER, page_id TEXT,
			started_at TEXT, time_ms REAL, method TEXT, url TEXT, host TEXT, path TEXT,
			query_string TEXT, http_version TEXT, request_headers TEXT, request_cookies TEXT,
			request_body_hash TEXT, request_body_size INTEGER, status INTEGER, status_text TEXT,
			response_headers TEXT, response_cookies TEXT, response_body_hash TEXT,
			response_body_size INTEGER, response_mime_type TEXT, is_redirect INTEGER,
			server_ip TEXT, connection_id TEXT);
		INSERT INTO imports (source_file, imported_at, entry_count) VALUES ('a.har', '2024-01-01T00:00:00Z', 0);
	`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for _, col := range []struct{ table, column string }{
		{"blobs", "external_path"},
		{"imports", "status"},
		{"imports", "entries_skipped"},
		{"entries", "entry_hash"},
		{"entries", "response_body_hash_raw"},
		{"entries", "graphql_operation_type"},
		{"entries", "entry_extensions"},
	} {
		has, err := tableHasColumn(db.DB, col.table, col.column)
		require.NoError(t, err)
		assert.True(t, has, "%s.%s not added", col.table, col.column)
	}

	// Existing rows survive the upgrade untouched.
	var source string
	require.NoError(t, db.QueryRow(`SELECT source_file FROM imports`).Scan(&source))
	assert.Equal(t, "a.har", source)
}
