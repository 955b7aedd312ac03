package store

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tokenizers supported by the response body index.
var Tokenizers = []string{"unicode61", "porter", "trigram"}

// DefaultFTSMaxBytes caps indexing when the caller sets no explicit
// body size limit, so a single huge body cannot balloon the index.
const DefaultFTSMaxBytes int64 = 1024 * 1024

var textMIMETokens = []string{
	"html", "json", "javascript", "css", "xml",
	"plain", "markdown", "svg", "yaml",
}

// IsTextMIME reports whether a MIME type is considered textual for body
// storage gating and full-text indexing.
func IsTextMIME(mime string) bool {
	if mime == "" {
		return false
	}
	m := strings.ToLower(mime)
	if strings.HasPrefix(m, "text/") {
		return true
	}
	for _, tok := range textMIMETokens {
		if strings.Contains(m, tok) {
			return true
		}
	}
	return false
}

// IndexBody adds one response body to the full-text index, keyed by its
// blob hash. A hash is indexed at most once no matter how many entries
// reference it. Non-UTF-8 bodies, non-text MIME types, and bodies over
// the cap are skipped silently.
func IndexBody(tx execQuerier, hash string, body []byte, mime string, maxBytes *int64) error {
	if len(body) == 0 {
		return nil
	}
	max := DefaultFTSMaxBytes
	if maxBytes != nil {
		max = *maxBytes
	}
	if int64(len(body)) > max {
		return nil
	}
	if !utf8.Valid(body) {
		return nil
	}
	if mime != "" && !IsTextMIME(mime) {
		return nil
	}

	// fts5 has no unique constraints, so uniqueness is enforced by hand.
	var one int
	err := tx.QueryRow(`SELECT 1 FROM response_body_fts WHERE hash = ? LIMIT 1`, hash).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	_, err = tx.Exec(`INSERT INTO response_body_fts (hash, body) VALUES (?, ?)`, hash, string(body))
	return err
}

// RebuildFTS drops and recreates the index with the requested tokenizer,
// then re-indexes every distinct referenced response body. The whole
// operation is one transaction. Returns the number of indexed documents.
func RebuildFTS(db *DB, tokenizer string, maxBytes *int64) (int, error) {
	ok := false
	for _, t := range Tokenizers {
		if t == tokenizer {
			ok = true
			break
		}
	}
	if !ok {
		return 0, fmt.Errorf("unknown tokenizer %q; use one of %s", tokenizer, strings.Join(Tokenizers, ", "))
	}

	hashes, err := distinctResponseHashes(db)
	if err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DROP TABLE IF EXISTS response_body_fts`); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(fmt.Sprintf(ftsSQLFormat, tokenizer)); err != nil {
		return 0, err
	}

	max := DefaultFTSMaxBytes
	if maxBytes != nil {
		max = *maxBytes
	}

	indexed := 0
	for _, hash := range hashes {
		content, mime, err := blobForIndex(tx, hash)
		if err != nil {
			return 0, err
		}
		if len(content) == 0 || int64(len(content)) > max {
			continue
		}
		if mime != "" && !IsTextMIME(mime) {
			continue
		}
		if !utf8.Valid(content) {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO response_body_fts (hash, body) VALUES (?, ?)`, hash, string(content)); err != nil {
			return 0, err
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return indexed, nil
}

func distinctResponseHashes(db *DB) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT response_body_hash FROM entries WHERE response_body_hash IS NOT NULL ORDER BY response_body_hash`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func blobForIndex(tx execQuerier, hash string) ([]byte, string, error) {
	var (
		content []byte
		size    int64
		mime    sql.NullString
		ext     sql.NullString
	)
	err := tx.QueryRow(`SELECT content, size, mime_type, external_path FROM blobs WHERE hash = ?`, hash).
		Scan(&content, &size, &mime, &ext)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if len(content) == 0 && size > 0 && ext.Valid {
		b, err := readExternal(ext.String)
		if err != nil {
			return nil, "", err
		}
		content = b
	}
	return content, mime.String, nil
}

// SearchOptions tunes a full-text query.
type SearchOptions struct {
	Limit  int
	Offset int
	// OrderBy overrides the default bm25 rank ordering with a raw
	// ORDER BY expression over the joined entries columns.
	OrderBy string
}

// SearchResult is one matched entry with its ranked snippet.
type SearchResult struct {
	Rank      float64
	StartedAt sql.NullString
	Status    sql.NullInt64
	URL       sql.NullString
	Snippet   string
}

// Search runs an FTS MATCH joined to entries by response body hash,
// ordered by match rank unless overridden.
func Search(db *DB, query string, opts SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'response_body_fts'`).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("FTS index not found; run fts-rebuild first")
	}

	order := "rank, e.started_at, e.id"
	if opts.OrderBy != "" {
		order = opts.OrderBy
	}
	sqlText := fmt.Sprintf(`
		SELECT bm25(response_body_fts) AS rank,
		       e.started_at, e.status, e.url,
		       snippet(response_body_fts, 1, '[', ']', '...', 12) AS snippet
		FROM response_body_fts
		JOIN entries e ON e.response_body_hash = response_body_fts.hash
		WHERE response_body_fts MATCH ?
		ORDER BY %s`, order)
	args := []any{query}
	if opts.Limit > 0 {
		sqlText += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			sqlText += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := db.Query(sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Rank, &r.StartedAt, &r.Status, &r.URL, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
