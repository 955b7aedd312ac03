package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// MergeOptions controls database concatenation.
type MergeOptions struct {
	// DedupByEntryHash skips entries whose entry_hash already exists
	// anywhere in the output.
	DedupByEntryHash bool
}

// MergeStats counts what a merge moved and what it skipped.
type MergeStats struct {
	ImportsAdded   int
	PagesAdded     int
	EntriesAdded   int
	EntriesDeduped int
	BlobsAdded     int
	BlobsDeduped   int
	FTSAdded       int
}

// Columns copied verbatim from a source entries row into the output;
// id and import_id are assigned fresh.
var entryCopyCols = []string{
	"page_id", "started_at", "time_ms", "blocked_ms", "dns_ms", "connect_ms",
	"send_ms", "wait_ms", "receive_ms", "ssl_ms",
	"method", "url", "host", "path", "query_string", "http_version",
	"request_headers", "request_cookies", "request_body_hash", "request_body_size",
	"status", "status_text", "response_headers", "response_cookies",
	"response_body_hash", "response_body_size", "response_body_hash_raw",
	"response_body_size_raw", "response_mime_type",
	"is_redirect", "server_ip", "connection_id", "entry_hash",
	"entry_extensions", "request_extensions", "response_extensions",
	"content_extensions", "timings_extensions", "post_data_extensions",
	"graphql_operation_type", "graphql_operation_name", "graphql_top_level_fields",
}

// Merge replays every import of each source database into out under
// fresh import ids. Concatenation semantics: source order is preserved,
// blobs are deduplicated by hash, and optional entry_hash dedup applies
// across everything already merged.
func Merge(sources []string, out *DB, opts MergeOptions) (MergeStats, error) {
	var stats MergeStats
	for _, source := range sources {
		src, err := OpenReadOnly(source)
		if err != nil {
			return stats, err
		}
		err = mergeOne(src, out, opts, &stats)
		_ = src.Close()
		if err != nil {
			return stats, fmt.Errorf("merge %s: %w", source, err)
		}
	}
	return stats, nil
}

func mergeOne(src, out *DB, opts MergeOptions, stats *MergeStats) error {
	imports, err := ListImports(src)
	if err != nil {
		return err
	}
	srcHasFTS, err := hasFTSTable(src.DB)
	if err != nil {
		return err
	}

	tx, err := out.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, imp := range imports {
		var logExtensions sql.NullString
		if err := src.QueryRow(`SELECT log_extensions FROM imports WHERE id = ?`, imp.ID).Scan(&logExtensions); err != nil {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO imports (source_file, imported_at, entry_count, har_version, creator, browser,
			                     log_extensions, status, entries_total, entries_skipped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			imp.SourceFile, imp.ImportedAt, imp.EntryCount, imp.HarVersion, imp.Creator, imp.Browser,
			logExtensions, imp.Status, imp.EntriesTotal, imp.EntriesSkipped)
		if err != nil {
			return err
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		stats.ImportsAdded++

		if err := copyPages(src, tx, imp.ID, newID, stats); err != nil {
			return err
		}
		if err := copyEntries(src, tx, imp.ID, newID, srcHasFTS, opts, stats); err != nil {
			return err
		}

		var count int64
		if err := tx.QueryRow(`SELECT COUNT(*) FROM entries WHERE import_id = ?`, newID).Scan(&count); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE imports SET entry_count = ? WHERE id = ?`, count, newID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func copyPages(src *DB, tx *sql.Tx, oldID, newID int64, stats *MergeStats) error {
	rows, err := src.Query(`
		SELECT id, started_at, title, on_content_load_ms, on_load_ms, page_extensions, page_timings_extensions
		FROM pages WHERE import_id = ?`, oldID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id                       string
			startedAt, title         sql.NullString
			onContentLoad, onLoad    sql.NullFloat64
			pageExt, pageTimingsExt  sql.NullString
		)
		if err := rows.Scan(&id, &startedAt, &title, &onContentLoad, &onLoad, &pageExt, &pageTimingsExt); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO pages (id, import_id, started_at, title, on_content_load_ms, on_load_ms,
			                             page_extensions, page_timings_extensions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, newID, startedAt, title, onContentLoad, onLoad, pageExt, pageTimingsExt); err != nil {
			return err
		}
		stats.PagesAdded++
	}
	return rows.Err()
}

func copyEntries(src *DB, tx *sql.Tx, oldID, newID int64, srcHasFTS bool, opts MergeOptions, stats *MergeStats) error {
	cols := strings.Join(entryCopyCols, ", ")
	rows, err := src.Query(fmt.Sprintf(`SELECT id, %s FROM entries WHERE import_id = ? ORDER BY id`, cols), oldID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(entryCopyCols)), ", ")
	insertSQL := fmt.Sprintf(`INSERT INTO entries (import_id, %s) VALUES (?, %s)`, cols, placeholders)

	type pendingEntry struct {
		oldEntryID int64
		values     []any
	}
	var pending []pendingEntry
	for rows.Next() {
		values := make([]any, len(entryCopyCols)+1)
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		oldEntryID, _ := values[0].(int64)
		pending = append(pending, pendingEntry{oldEntryID: oldEntryID, values: values[1:]})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	hashIdx := indexOf(entryCopyCols, "entry_hash")
	blobIdxs := []int{
		indexOf(entryCopyCols, "request_body_hash"),
		indexOf(entryCopyCols, "response_body_hash"),
		indexOf(entryCopyCols, "response_body_hash_raw"),
	}
	responseHashIdx := indexOf(entryCopyCols, "response_body_hash")

	for _, pe := range pending {
		if opts.DedupByEntryHash {
			if hash, ok := textValue(pe.values[hashIdx]); ok && hash != "" {
				var one int
				err := tx.QueryRow(`SELECT 1 FROM entries WHERE entry_hash = ? LIMIT 1`, hash).Scan(&one)
				if err == nil {
					stats.EntriesDeduped++
					continue
				}
				if err != sql.ErrNoRows {
					return err
				}
			}
		}

		for _, idx := range blobIdxs {
			hash, ok := textValue(pe.values[idx])
			if !ok || hash == "" {
				continue
			}
			if err := copyBlob(src, tx, hash, stats); err != nil {
				return err
			}
			if idx == responseHashIdx && srcHasFTS {
				if err := copyFTSRow(src, tx, hash, stats); err != nil {
					return err
				}
			}
		}

		args := append([]any{newID}, pe.values...)
		res, err := tx.Exec(insertSQL, args...)
		if err != nil {
			return err
		}
		newEntryID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		stats.EntriesAdded++

		if err := copyGraphQLFields(src, tx, pe.oldEntryID, newEntryID); err != nil {
			return err
		}
	}
	return nil
}

func copyBlob(src *DB, tx *sql.Tx, hash string, stats *MergeStats) error {
	var have int64
	err := tx.QueryRow(`SELECT size FROM blobs WHERE hash = ?`, hash).Scan(&have)
	if err == nil {
		var want int64
		if err := src.QueryRow(`SELECT size FROM blobs WHERE hash = ?`, hash).Scan(&want); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if want != have {
			return &DedupConflictError{Hash: hash, Have: have, Got: want}
		}
		stats.BlobsDeduped++
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	var (
		content []byte
		size    int64
		mime    sql.NullString
		ext     sql.NullString
	)
	err = src.QueryRow(`SELECT content, size, mime_type, external_path FROM blobs WHERE hash = ?`, hash).
		Scan(&content, &size, &mime, &ext)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO blobs (hash, content, size, mime_type, external_path) VALUES (?, ?, ?, ?, ?)`,
		hash, content, size, mime, ext); err != nil {
		return err
	}
	stats.BlobsAdded++
	return nil
}

func copyFTSRow(src *DB, tx *sql.Tx, hash string, stats *MergeStats) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM response_body_fts WHERE hash = ? LIMIT 1`, hash).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	var body string
	err = src.QueryRow(`SELECT body FROM response_body_fts WHERE hash = ? LIMIT 1`, hash).Scan(&body)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO response_body_fts (hash, body) VALUES (?, ?)`, hash, body); err != nil {
		return err
	}
	stats.FTSAdded++
	return nil
}

func copyGraphQLFields(src *DB, tx *sql.Tx, oldEntryID, newEntryID int64) error {
	rows, err := src.Query(`SELECT field FROM graphql_fields WHERE entry_id = ?`, oldEntryID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var field string
		if err := rows.Scan(&field); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO graphql_fields (entry_id, field) VALUES (?, ?)`, newEntryID, field); err != nil {
			return err
		}
	}
	return rows.Err()
}

func hasFTSTable(db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'response_body_fts'`).Scan(&n)
	return n > 0, err
}

// textValue normalizes the driver's representation of a TEXT column.
func textValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
