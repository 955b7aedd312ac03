package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/harvault/internal/store"
)

type testEntry struct {
	url       string
	method    string
	status    int
	bodyText  string
	bodyB64   []byte
	mime      string
	headers   [][2]string
	postJSON  string
	startedAt string
}

func (e testEntry) json() string {
	method := e.method
	if method == "" {
		method = "GET"
	}
	startedAt := e.startedAt
	if startedAt == "" {
		startedAt = "2024-01-15T10:30:00.000Z"
	}

	var headers []string
	for _, h := range e.headers {
		headers = append(headers, fmt.Sprintf(`{"name":%q,"value":%q}`, h[0], h[1]))
	}

	content := `{"size": 0}`
	switch {
	case e.bodyB64 != nil:
		content = fmt.Sprintf(`{"size": %d, "mimeType": %q, "text": %q, "encoding": "base64"}`,
			len(e.bodyB64), e.mime, base64.StdEncoding.EncodeToString(e.bodyB64))
	case e.bodyText != "":
		content = fmt.Sprintf(`{"size": %d, "mimeType": %q, "text": %q}`, len(e.bodyText), e.mime, e.bodyText)
	}

	postData := ""
	if e.postJSON != "" {
		postData = fmt.Sprintf(`, "postData": {"mimeType": "application/json", "text": %q}`, e.postJSON)
	}

	return fmt.Sprintf(`{
		"startedDateTime": %q,
		"time": 42.0,
		"request": {"method": %q, "url": %q, "httpVersion": "HTTP/1.1", "headers": []%s},
		"response": {"status": %d, "statusText": "", "httpVersion": "HTTP/1.1",
			"headers": [%s], "content": %s}
	}`, startedAt, method, e.url, postData, e.status, strings.Join(headers, ","), content)
}

func writeHARFile(t *testing.T, dir, name string, entries ...testEntry) string {
	t.Helper()
	var parts []string
	for _, e := range entries {
		parts = append(parts, e.json())
	}
	doc := `{"log": {"version": "1.2", "entries": [` + strings.Join(parts, ",") + `]}}`
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "out.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func runImport(t *testing.T, db *store.DB, opts Options, files ...string) Stats {
	t.Helper()
	importer, err := NewImporter(db, opts)
	require.NoError(t, err)
	stats, err := importer.ImportFiles(context.Background(), files)
	require.NoError(t, err)
	return stats
}

func TestImport_MinimalHAR(t *testing.T) {
	db := openTestDB(t)
	file := writeHARFile(t, t.TempDir(), "min.har", testEntry{url: "https://a.test/", status: 200})

	stats := runImport(t, db, Options{}, file)
	assert.Equal(t, 1, stats.EntriesImported)
	assert.Equal(t, 0, stats.EntriesSkipped)

	var status string
	var count int
	require.NoError(t, db.QueryRow(`SELECT status, entry_count FROM imports`).Scan(&status, &count))
	assert.Equal(t, "complete", status)
	assert.Equal(t, 1, count)

	var host, path string
	var isRedirect int
	require.NoError(t, db.QueryRow(`SELECT host, path, is_redirect FROM entries`).Scan(&host, &path, &isRedirect))
	assert.Equal(t, "a.test", host)
	assert.Equal(t, "/", path)
	assert.Equal(t, 0, isRedirect)

	var blobs int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&blobs))
	assert.Equal(t, 0, blobs)
}

func TestImport_DeduplicatedBodies(t *testing.T) {
	db := openTestDB(t)
	file := writeHARFile(t, t.TempDir(), "dup.har",
		testEntry{url: "https://a.test/1", status: 200, bodyText: "hi!\n", mime: "text/plain",
			headers: [][2]string{{"Content-Type", "text/plain"}}},
		testEntry{url: "https://a.test/2", status: 200, bodyText: "hi!\n", mime: "text/plain",
			headers: [][2]string{{"Content-Type", "text/plain"}}},
	)

	stats := runImport(t, db, Options{StoreBodies: true}, file)
	assert.Equal(t, 2, stats.EntriesImported)
	assert.Equal(t, 1, stats.Response.Created)
	assert.Equal(t, 1, stats.Response.Deduplicated)

	var entries, blobs, fts int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&entries))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&blobs))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM response_body_fts`).Scan(&fts))
	assert.Equal(t, 2, entries)
	assert.Equal(t, 1, blobs)
	assert.Equal(t, 1, fts)

	var hash string
	var size int64
	require.NoError(t, db.QueryRow(`SELECT hash, size FROM blobs`).Scan(&hash, &size))
	assert.Equal(t, store.HashBytes([]byte("hi!\n")), hash)
	assert.EqualValues(t, 4, size)
}

func TestImport_GzipDecompression(t *testing.T) {
	plain := []byte(`{"x":1}`)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	compressed := buf.Bytes()

	db := openTestDB(t)
	file := writeHARFile(t, t.TempDir(), "gz.har", testEntry{
		url: "https://a.test/api", status: 200,
		bodyB64: compressed, mime: "application/json",
		headers: [][2]string{{"Content-Encoding", "gzip"}},
	})

	runImport(t, db, Options{StoreBodies: true, DecompressBodies: true, KeepCompressed: true}, file)

	var hash, hashRaw string
	var sizeVal, sizeRaw int64
	require.NoError(t, db.QueryRow(`
		SELECT response_body_hash, response_body_size, response_body_hash_raw, response_body_size_raw
		FROM entries`).Scan(&hash, &sizeVal, &hashRaw, &sizeRaw))

	decoded, err := store.ReadBlobContent(db, hash)
	require.NoError(t, err)
	assert.Equal(t, plain, decoded)
	assert.EqualValues(t, len(plain), sizeVal)

	raw, err := store.ReadBlobContent(db, hashRaw)
	require.NoError(t, err)
	assert.Equal(t, compressed, raw)
	assert.EqualValues(t, len(compressed), sizeRaw)
}

func TestImport_Incremental(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	file := writeHARFile(t, dir, "a.har",
		testEntry{url: "https://a.test/1", status: 200, bodyText: "one", mime: "text/plain"},
		testEntry{url: "https://a.test/2", status: 200, bodyText: "two", mime: "text/plain"},
		testEntry{url: "https://a.test/3", status: 200, bodyText: "three", mime: "text/plain"},
	)

	first := runImport(t, db, Options{StoreBodies: true, Incremental: true}, file)
	assert.Equal(t, 3, first.EntriesImported)

	var blobsBefore int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&blobsBefore))

	second := runImport(t, db, Options{StoreBodies: true, Incremental: true}, file)
	assert.Equal(t, 0, second.EntriesImported)
	assert.Equal(t, 3, second.EntriesSkipped)

	var blobsAfter int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&blobsAfter))
	assert.Equal(t, blobsBefore, blobsAfter)

	var count, skipped, total int
	require.NoError(t, db.QueryRow(`
		SELECT entry_count, entries_skipped, entries_total FROM imports ORDER BY id DESC LIMIT 1`).
		Scan(&count, &skipped, &total))
	assert.Equal(t, 0, count)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, 3, total)

	var imports int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM imports`).Scan(&imports))
	assert.Equal(t, 2, imports, "incremental creates a fresh import row")
}

func TestImport_Resume(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()

	entries := make([]testEntry, 10)
	for i := range entries {
		entries[i] = testEntry{url: fmt.Sprintf("https://a.test/%d", i), status: 200}
	}

	// First run saw only the first five entries before the capture file
	// was finished being written.
	path := writeHARFile(t, dir, "cap.har", entries[:5]...)
	runImport(t, db, Options{Incremental: true}, path)

	// Simulate the interrupted run: status never reached complete.
	_, err := db.Exec(`UPDATE imports SET status = 'in_progress'`)
	require.NoError(t, err)

	// The full capture appears at the same path; resume picks up the
	// same import and appends only the missing entries.
	writeHARFile(t, dir, "cap.har", entries...)
	stats := runImport(t, db, Options{Resume: true}, path)
	assert.Equal(t, 5, stats.EntriesImported)
	assert.Equal(t, 5, stats.EntriesSkipped)

	var imports int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM imports`).Scan(&imports))
	assert.Equal(t, 1, imports)

	var status string
	var count int
	require.NoError(t, db.QueryRow(`SELECT status, entry_count FROM imports`).Scan(&status, &count))
	assert.Equal(t, "complete", status)
	assert.Equal(t, 10, count)

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&rows))
	assert.Equal(t, 10, rows)

	var dupes int
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM (SELECT url FROM entries GROUP BY url HAVING COUNT(*) > 1)`).Scan(&dupes))
	assert.Equal(t, 0, dupes)
}

func TestImport_GraphQLExtraction(t *testing.T) {
	db := openTestDB(t)
	file := writeHARFile(t, t.TempDir(), "gql.har", testEntry{
		url: "https://a.test/graphql", method: "POST", status: 200,
		postJSON: `{"query":"query Q { a b { c } }"}`,
	})

	runImport(t, db, Options{}, file)

	var opType, opName string
	var entryID int64
	require.NoError(t, db.QueryRow(`
		SELECT id, graphql_operation_type, graphql_operation_name FROM entries`).
		Scan(&entryID, &opType, &opName))
	assert.Equal(t, "query", opType)
	assert.Equal(t, "Q", opName)

	rows, err := db.Query(`SELECT field FROM graphql_fields WHERE entry_id = ? ORDER BY field`, entryID)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var fields []string
	for rows.Next() {
		var f string
		require.NoError(t, rows.Scan(&f))
		fields = append(fields, f)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a", "b"}, fields)
}

func TestImport_Filters(t *testing.T) {
	db := openTestDB(t)
	file := writeHARFile(t, t.TempDir(), "f.har",
		testEntry{url: "https://keep.test/a", status: 200},
		testEntry{url: "https://drop.test/b", status: 200},
		testEntry{url: "https://keep.test/c", status: 500},
	)

	stats := runImport(t, db, Options{
		Filters: FilterOptions{Hosts: []string{"keep.test"}, Statuses: []int{200}},
	}, file)

	assert.Equal(t, 1, stats.EntriesImported)
	assert.Equal(t, 2, stats.EntriesSkipped)

	var url string
	require.NoError(t, db.QueryRow(`SELECT url FROM entries`).Scan(&url))
	assert.Equal(t, "https://keep.test/a", url)
}

func TestImport_DateWindowFilter(t *testing.T) {
	db := openTestDB(t)
	file := writeHARFile(t, t.TempDir(), "d.har",
		testEntry{url: "https://a.test/old", status: 200, startedAt: "2024-01-10T00:00:00Z"},
		testEntry{url: "https://a.test/in", status: 200, startedAt: "2024-01-15T12:00:00Z"},
		testEntry{url: "https://a.test/new", status: 200, startedAt: "2024-02-01T00:00:00Z"},
	)

	stats := runImport(t, db, Options{
		Filters: FilterOptions{From: "2024-01-15", To: "2024-01-15"},
	}, file)

	assert.Equal(t, 1, stats.EntriesImported)
	var url string
	require.NoError(t, db.QueryRow(`SELECT url FROM entries`).Scan(&url))
	assert.Equal(t, "https://a.test/in", url)
}

func TestImport_ParseErrorLeavesResumable(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	good := writeHARFile(t, dir, "tmp.har",
		testEntry{url: "https://a.test/1", status: 200},
		testEntry{url: "https://a.test/2", status: 200},
	)
	doc, err := os.ReadFile(good)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "broken.har")
	require.NoError(t, os.WriteFile(truncated, doc[:len(doc)*3/4], 0o644))

	importer, err := NewImporter(db, Options{SavepointEvery: 1})
	require.NoError(t, err)
	_, err = importer.ImportFiles(context.Background(), []string{truncated})
	require.Error(t, err)

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM imports`).Scan(&status))
	assert.Equal(t, "in_progress", status)

	// The committed prefix survives the failure.
	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestImport_ParallelFiles(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()

	var files []string
	for f := 0; f < 3; f++ {
		var entries []testEntry
		for i := 0; i < 20; i++ {
			entries = append(entries, testEntry{
				url: fmt.Sprintf("https://f%d.test/%03d", f, i), status: 200,
				bodyText: fmt.Sprintf("body %d/%d", f, i), mime: "text/plain",
			})
		}
		files = append(files, writeHARFile(t, dir, fmt.Sprintf("f%d.har", f), entries...))
	}

	stats := runImport(t, db, Options{StoreBodies: true, Jobs: 3, SavepointEvery: 7}, files...)
	assert.Equal(t, 60, stats.EntriesImported)

	var imports int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM imports WHERE status = 'complete'`).Scan(&imports))
	assert.Equal(t, 3, imports)

	// Order within each source file is preserved end-to-end.
	for f := 0; f < 3; f++ {
		rows, err := db.Query(`
			SELECT e.url FROM entries e
			JOIN imports i ON e.import_id = i.id
			WHERE i.source_file LIKE ? ORDER BY e.id`, "%"+fmt.Sprintf("f%d.har", f))
		require.NoError(t, err)
		var urls []string
		for rows.Next() {
			var u string
			require.NoError(t, rows.Scan(&u))
			urls = append(urls, u)
		}
		require.NoError(t, rows.Err())
		_ = rows.Close()

		require.Len(t, urls, 20)
		assert.True(t, sortedAscending(urls), "file %d out of order", f)
	}
}

func TestImport_ParallelFailureIsolation(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()

	good1 := writeHARFile(t, dir, "good1.har", testEntry{url: "https://a.test/1", status: 200})
	good2 := writeHARFile(t, dir, "good2.har", testEntry{url: "https://b.test/1", status: 200})
	bad := filepath.Join(dir, "bad.har")
	require.NoError(t, os.WriteFile(bad, []byte(`{"log": {"version": "1.2"`), 0o644))

	importer, err := NewImporter(db, Options{Jobs: 3})
	require.NoError(t, err)
	_, err = importer.ImportFiles(context.Background(), []string{good1, bad, good2})
	require.Error(t, err, "the failed file is reported")

	var complete int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM imports WHERE status = 'complete'`).Scan(&complete))
	assert.Equal(t, 2, complete, "healthy files still complete")

	var entries int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&entries))
	assert.Equal(t, 2, entries)
}

func TestImport_ExtensionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	doc := `{"log": {"version": "1.2", "_tool": "devtools", "entries": [{
		"startedDateTime": "2024-01-15T10:30:00.000Z",
		"time": 1.0,
		"_resourceType": "fetch",
		"request": {"method": "GET", "url": "https://a.test/", "httpVersion": "HTTP/1.1", "headers": [], "_reqKey": 1},
		"response": {"status": 200, "statusText": "OK", "httpVersion": "HTTP/1.1", "headers": [],
			"content": {"size": 0, "_contentKey": "v"}, "_respKey": true}
	}]}}`
	path := filepath.Join(dir, "ext.har")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	runImport(t, db, Options{}, path)

	var entryExt, reqExt, respExt, contentExt string
	require.NoError(t, db.QueryRow(`
		SELECT entry_extensions, request_extensions, response_extensions, content_extensions FROM entries`).
		Scan(&entryExt, &reqExt, &respExt, &contentExt))
	assert.Equal(t, `{"_resourceType":"fetch"}`, entryExt)
	assert.Equal(t, `{"_reqKey":1}`, reqExt)
	assert.Equal(t, `{"_respKey":true}`, respExt)
	assert.Equal(t, `{"_contentKey":"v"}`, contentExt)

	var logExt string
	require.NoError(t, db.QueryRow(`SELECT log_extensions FROM imports`).Scan(&logExt))
	assert.Equal(t, `{"_tool":"devtools"}`, logExt)
}

func TestImport_PagesStored(t *testing.T) {
	db := openTestDB(t)
	dir := t.TempDir()
	doc := `{"log": {"version": "1.2",
		"pages": [{"id": "page_1", "startedDateTime": "2024-01-15T10:29:00Z", "title": "Home",
			"pageTimings": {"onContentLoad": 120.5, "onLoad": 321.0}}],
		"entries": [{
			"startedDateTime": "2024-01-15T10:30:00.000Z", "time": 1.0, "pageref": "page_1",
			"request": {"method": "GET", "url": "https://a.test/", "httpVersion": "HTTP/1.1", "headers": []},
			"response": {"status": 200, "statusText": "OK", "httpVersion": "HTTP/1.1", "headers": [], "content": {"size": 0}}
		}]}}`
	path := filepath.Join(dir, "pages.har")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	runImport(t, db, Options{}, path)

	var id, title string
	var onLoad float64
	require.NoError(t, db.QueryRow(`SELECT id, title, on_load_ms FROM pages`).Scan(&id, &title, &onLoad))
	assert.Equal(t, "page_1", id)
	assert.Equal(t, "Home", title)
	assert.Equal(t, 321.0, onLoad)

	var pageRef string
	require.NoError(t, db.QueryRow(`SELECT page_id FROM entries`).Scan(&pageRef))
	assert.Equal(t, "page_1", pageRef)
}

func sortedAscending(urls []string) bool {
	for i := 1; i < len(urls); i++ {
		if urls[i] < urls[i-1] {
			return false
		}
	}
	return true
}
