package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEntryWithBody(t *testing.T, db *DB, importID int64, url string, body []byte, mime string) {
	t.Helper()
	sub := NewSubmission(body, mime, false)
	_, err := SubmitBlob(db, sub, &BlobConfig{})
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO entries (import_id, method, url, status, response_body_hash, response_body_size, response_mime_type, is_redirect)
		VALUES (?, 'GET', ?, 200, ?, ?, ?, 0)`,
		importID, url, sub.Hash, len(body), mime)
	require.NoError(t, err)
	require.NoError(t, IndexBody(db, sub.Hash, body, mime, nil))
}

func newImport(t *testing.T, db *DB) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO imports (source_file, imported_at, entry_count, status) VALUES ('t.har', '2024-01-01T00:00:00Z', 0, 'complete')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestIndexBody_OncePerHash(t *testing.T) {
	db := tempDB(t)
	imp := newImport(t, db)

	body := []byte("the quick brown fox")
	insertEntryWithBody(t, db, imp, "https://a.test/1", body, "text/plain")
	// Second entry, same body bytes.
	sub := NewSubmission(body, "text/plain", false)
	_, err := db.Exec(`
		INSERT INTO entries (import_id, method, url, status, response_body_hash, is_redirect)
		VALUES (?, 'GET', 'https://a.test/2', 200, ?, 0)`, imp, sub.Hash)
	require.NoError(t, err)
	require.NoError(t, IndexBody(db, sub.Hash, body, "text/plain", nil))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM response_body_fts WHERE hash = ?`, sub.Hash).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIndexBody_SkipsNonText(t *testing.T) {
	db := tempDB(t)

	require.NoError(t, IndexBody(db, "hash-a", []byte{0xff, 0xfe, 0x00}, "text/plain", nil))
	require.NoError(t, IndexBody(db, "hash-b", []byte("binary-ish mime"), "image/png", nil))
	big := make([]byte, DefaultFTSMaxBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, IndexBody(db, "hash-c", big, "text/plain", nil))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM response_body_fts`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSearch_RankedJoin(t *testing.T) {
	db := tempDB(t)
	imp := newImport(t, db)

	insertEntryWithBody(t, db, imp, "https://a.test/hit", []byte("needle in a haystack"), "text/plain")
	insertEntryWithBody(t, db, imp, "https://a.test/miss", []byte("nothing to see"), "text/plain")

	results, err := Search(db, "needle", SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://a.test/hit", results[0].URL.String)
	assert.Contains(t, results[0].Snippet, "[needle]")
}

func TestRebuildFTS_Tokenizers(t *testing.T) {
	db := tempDB(t)
	imp := newImport(t, db)
	insertEntryWithBody(t, db, imp, "https://a.test/", []byte("running quickly"), "text/plain")

	for _, tokenizer := range Tokenizers {
		indexed, err := RebuildFTS(db, tokenizer, nil)
		require.NoError(t, err, tokenizer)
		assert.Equal(t, 1, indexed, tokenizer)
	}

	// porter stems: "running" matches "run".
	_, err := RebuildFTS(db, "porter", nil)
	require.NoError(t, err)
	results, err := Search(db, "run", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = RebuildFTS(db, "klingon", nil)
	require.Error(t, err)
}

func TestRebuildFTS_DedupAcrossEntries(t *testing.T) {
	db := tempDB(t)
	imp := newImport(t, db)

	body := []byte("shared body")
	insertEntryWithBody(t, db, imp, "https://a.test/1", body, "text/plain")
	sub := NewSubmission(body, "text/plain", false)
	_, err := db.Exec(`
		INSERT INTO entries (import_id, method, url, status, response_body_hash, is_redirect)
		VALUES (?, 'GET', 'https://a.test/2', 200, ?, 0)`, imp, sub.Hash)
	require.NoError(t, err)

	indexed, err := RebuildFTS(db, "unicode61", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)
}
