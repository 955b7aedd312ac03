package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Table definitions. Kept separate from the indexes so that column
// upgrades for older databases can run in between: an index on a column
// that does not exist yet would fail.
const tablesSQL = `
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	content BLOB NOT NULL,
	size INTEGER NOT NULL,
	mime_type TEXT,
	external_path TEXT
);

CREATE TABLE IF NOT EXISTS imports (
	id INTEGER PRIMARY KEY,
	source_file TEXT NOT NULL,
	imported_at TEXT NOT NULL,
	entry_count INTEGER,
	har_version TEXT,
	creator TEXT,
	browser TEXT,
	log_extensions TEXT,
	status TEXT,
	entries_total INTEGER,
	entries_skipped INTEGER
);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT NOT NULL,
	import_id INTEGER REFERENCES imports(id),
	started_at TEXT,
	title TEXT,
	on_content_load_ms REAL,
	on_load_ms REAL,
	page_extensions TEXT,
	page_timings_extensions TEXT,
	PRIMARY KEY (id, import_id)
);

CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY,
	import_id INTEGER REFERENCES imports(id),
	page_id TEXT,

	started_at TEXT,
	time_ms REAL,
	blocked_ms REAL,
	dns_ms REAL,
	connect_ms REAL,
	send_ms REAL,
	wait_ms REAL,
	receive_ms REAL,
	ssl_ms REAL,

	method TEXT,
	url TEXT,
	host TEXT,
	path TEXT,
	query_string TEXT,
	http_version TEXT,
	request_headers TEXT,
	request_cookies TEXT,
	request_body_hash TEXT REFERENCES blobs(hash),
	request_body_size INTEGER,

	status INTEGER,
	status_text TEXT,
	response_headers TEXT,
	response_cookies TEXT,
	response_body_hash TEXT REFERENCES blobs(hash),
	response_body_size INTEGER,
	response_body_hash_raw TEXT REFERENCES blobs(hash),
	response_body_size_raw INTEGER,
	response_mime_type TEXT,

	is_redirect INTEGER,
	server_ip TEXT,
	connection_id TEXT,
	entry_hash TEXT,

	entry_extensions TEXT,
	request_extensions TEXT,
	response_extensions TEXT,
	content_extensions TEXT,
	timings_extensions TEXT,
	post_data_extensions TEXT,

	graphql_operation_type TEXT,
	graphql_operation_name TEXT,
	graphql_top_level_fields TEXT
);

CREATE TABLE IF NOT EXISTS graphql_fields (
	entry_id INTEGER REFERENCES entries(id),
	field TEXT NOT NULL,
	PRIMARY KEY (entry_id, field)
);
`

const indexesSQL = `
CREATE INDEX IF NOT EXISTS idx_entries_url ON entries(url);
CREATE INDEX IF NOT EXISTS idx_entries_host ON entries(host);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);
CREATE INDEX IF NOT EXISTS idx_entries_method ON entries(method);
CREATE INDEX IF NOT EXISTS idx_entries_mime ON entries(response_mime_type);
CREATE INDEX IF NOT EXISTS idx_entries_started ON entries(started_at);
CREATE INDEX IF NOT EXISTS idx_entries_import ON entries(import_id);
CREATE INDEX IF NOT EXISTS idx_entries_entry_hash ON entries(entry_hash);
CREATE INDEX IF NOT EXISTS idx_entries_graphql_op_type ON entries(graphql_operation_type);
CREATE INDEX IF NOT EXISTS idx_entries_graphql_op_name ON entries(graphql_operation_name);
CREATE INDEX IF NOT EXISTS idx_graphql_fields_field ON graphql_fields(field, entry_id);
`

const ftsSQLFormat = "CREATE VIRTUAL TABLE IF NOT EXISTS response_body_fts USING fts5(hash UNINDEXED, body, tokenize = '%s');"

// DefaultTokenizer is used when creating a fresh database.
const DefaultTokenizer = "unicode61"

// upgradeColumns are columns added after the first public schema.
// Forward-only: columns are added, never renamed or dropped.
var upgradeColumns = []struct {
	table  string
	column string
	decl   string
}{
	{"blobs", "external_path", "TEXT"},
	{"imports", "har_version", "TEXT"},
	{"imports", "creator", "TEXT"},
	{"imports", "browser", "TEXT"},
	{"imports", "log_extensions", "TEXT"},
	{"imports", "status", "TEXT"},
	{"imports", "entries_total", "INTEGER"},
	{"imports", "entries_skipped", "INTEGER"},
	{"pages", "page_extensions", "TEXT"},
	{"pages", "page_timings_extensions", "TEXT"},
	{"entries", "blocked_ms", "REAL"},
	{"entries", "dns_ms", "REAL"},
	{"entries", "connect_ms", "REAL"},
	{"entries", "send_ms", "REAL"},
	{"entries", "wait_ms", "REAL"},
	{"entries", "receive_ms", "REAL"},
	{"entries", "ssl_ms", "REAL"},
	{"entries", "response_body_hash_raw", "TEXT"},
	{"entries", "response_body_size_raw", "INTEGER"},
	{"entries", "entry_hash", "TEXT"},
	{"entries", "entry_extensions", "TEXT"},
	{"entries", "request_extensions", "TEXT"},
	{"entries", "response_extensions", "TEXT"},
	{"entries", "content_extensions", "TEXT"},
	{"entries", "timings_extensions", "TEXT"},
	{"entries", "post_data_extensions", "TEXT"},
	{"entries", "graphql_operation_type", "TEXT"},
	{"entries", "graphql_operation_name", "TEXT"},
	{"entries", "graphql_top_level_fields", "TEXT"},
}

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(tablesSQL); err != nil {
		return &SchemaError{Op: "create tables", Err: err}
	}
	if err := applyUpgrades(db); err != nil {
		return err
	}
	if _, err := db.Exec(indexesSQL); err != nil {
		return &SchemaError{Op: "create indexes", Err: err}
	}
	if _, err := db.Exec(fmt.Sprintf(ftsSQLFormat, DefaultTokenizer)); err != nil {
		if strings.Contains(err.Error(), "fts5") {
			return &SchemaError{Op: "create fts table", Err: fmt.Errorf("SQLite FTS5 support is required: %w", err)}
		}
		return &SchemaError{Op: "create fts table", Err: err}
	}
	return nil
}

// applyUpgrades brings a database created by an older release up to the
// current column set.
func applyUpgrades(db *sql.DB) error {
	for _, up := range upgradeColumns {
		has, err := tableHasColumn(db, up.table, up.column)
		if err != nil {
			return &SchemaError{Op: "inspect " + up.table, Err: err}
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", up.table, up.column, up.decl)
		if _, err := db.Exec(stmt); err != nil {
			return &SchemaError{Op: stmt, Err: err}
		}
	}
	return nil
}

func tableHasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
