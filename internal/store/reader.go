package store

import "database/sql"

// ImportRow mirrors one row of the imports table.
type ImportRow struct {
	ID             int64
	SourceFile     string
	ImportedAt     string
	EntryCount     sql.NullInt64
	HarVersion     sql.NullString
	Creator        sql.NullString
	Browser        sql.NullString
	Status         sql.NullString
	EntriesTotal   sql.NullInt64
	EntriesSkipped sql.NullInt64
}

// ListImports returns every import, oldest first.
func ListImports(db *DB) ([]ImportRow, error) {
	rows, err := db.Query(`
		SELECT id, source_file, imported_at, entry_count, har_version, creator, browser,
		       status, entries_total, entries_skipped
		FROM imports ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ImportRow
	for rows.Next() {
		var r ImportRow
		if err := rows.Scan(&r.ID, &r.SourceFile, &r.ImportedAt, &r.EntryCount,
			&r.HarVersion, &r.Creator, &r.Browser, &r.Status, &r.EntriesTotal, &r.EntriesSkipped); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DBInfo summarizes a capture database for the info command.
type DBInfo struct {
	Imports   int64
	Pages     int64
	Entries   int64
	Blobs     int64
	BlobBytes int64
	FTSRows   int64
	FileBytes int64
}

// Info gathers row counts and sizes.
func Info(db *DB) (DBInfo, error) {
	var info DBInfo
	counts := []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM imports`, &info.Imports},
		{`SELECT COUNT(*) FROM pages`, &info.Pages},
		{`SELECT COUNT(*) FROM entries`, &info.Entries},
		{`SELECT COUNT(*) FROM blobs`, &info.Blobs},
		{`SELECT COALESCE(SUM(size), 0) FROM blobs`, &info.BlobBytes},
	}
	for _, c := range counts {
		if err := db.QueryRow(c.sql).Scan(c.dest); err != nil {
			return info, err
		}
	}

	var hasFTS int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'response_body_fts'`).Scan(&hasFTS); err != nil {
		return info, err
	}
	if hasFTS > 0 {
		if err := db.QueryRow(`SELECT COUNT(*) FROM response_body_fts`).Scan(&info.FTSRows); err != nil {
			return info, err
		}
	}

	var pageCount, pageSize int64
	if err := db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return info, err
	}
	if err := db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return info, err
	}
	info.FileBytes = pageCount * pageSize
	return info, nil
}
