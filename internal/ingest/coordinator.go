package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/harvault/internal/har"
	"github.com/agentic-research/harvault/internal/store"
)

// DefaultSavepointEvery bounds rollback work: progress is made durable
// after this many written entries.
const DefaultSavepointEvery = 1000

// Options configures an import run. Immutable once the Importer is
// built; pass a fresh Options for the next invocation.
type Options struct {
	StoreBodies      bool
	MaxBodySize      *int64 // nil means unlimited
	TextOnly         bool
	DecompressBodies bool
	KeepCompressed   bool

	Blob store.BlobConfig

	Incremental bool
	Resume      bool
	Jobs        int
	AsyncRead   bool

	Filters FilterOptions

	SavepointEvery int
	Logger         *slog.Logger
}

// Importer is the serial writer that owns the database connection for
// the duration of an import run.
type Importer struct {
	db      *store.DB
	opts    Options
	filters *Filters
	norm    NormalizeOptions
	log     *slog.Logger
}

// NewImporter validates options and compiles filters.
func NewImporter(db *store.DB, opts Options) (*Importer, error) {
	if opts.KeepCompressed && !opts.DecompressBodies {
		return nil, fmt.Errorf("keep-compressed requires decompress-bodies")
	}
	filters, err := BuildFilters(opts.Filters)
	if err != nil {
		return nil, err
	}
	if opts.SavepointEvery <= 0 {
		opts.SavepointEvery = DefaultSavepointEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeBodies := opts.StoreBodies || opts.Blob.ExtractDir != ""
	return &Importer{
		db:      db,
		opts:    opts,
		filters: filters,
		norm: NormalizeOptions{
			StoreBodies:      storeBodies,
			MaxBodySize:      opts.MaxBodySize,
			TextOnly:         opts.TextOnly,
			DecompressBodies: opts.DecompressBodies,
			KeepCompressed:   opts.KeepCompressed,
			ComputeEntryHash: opts.Incremental || opts.Resume,
		},
		log: logger,
	}, nil
}

// ImportFiles ingests each file as its own import, sharing the
// connection. With Jobs > 1 and more than one file, parsing runs in
// parallel workers feeding this writer.
func (im *Importer) ImportFiles(ctx context.Context, files []string) (Stats, error) {
	var total Stats
	if len(files) == 0 {
		return total, fmt.Errorf("no input files specified")
	}

	if im.opts.Jobs > 1 && len(files) > 1 {
		return im.importParallel(ctx, files)
	}

	for _, file := range files {
		stats, err := im.importFile(ctx, file)
		total.Add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sourceKey canonicalizes the path recorded in imports.source_file so
// resume can find it again regardless of working directory.
func sourceKey(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func (im *Importer) importFile(ctx context.Context, path string) (Stats, error) {
	parser, err := har.Open(path, har.Options{AsyncRead: im.opts.AsyncRead})
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = parser.Close() }()

	first, err := parser.Next()
	if err != nil {
		return Stats{}, err
	}
	if first.Log == nil {
		return Stats{}, &har.ParseError{Path: path, Reason: "log metadata missing"}
	}

	state, err := im.beginImport(path, first.Log)
	if err != nil {
		return Stats{}, err
	}
	im.log.Info("importing", "file", path, "import_id", state.importID, "resumed", state.resumed)

	tw, err := newTxWriter(im.db, im.opts.SavepointEvery)
	if err != nil {
		return state.stats, err
	}

	for {
		if err := ctx.Err(); err != nil {
			// Finish the current savepoint so completed work survives,
			// leave the import in_progress for --resume.
			_ = tw.finish(func(tx *sql.Tx) error { return state.updateProgress(tx, "in_progress") })
			return state.stats, err
		}

		item, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if har.IsParseError(err) && im.opts.Resume {
				im.log.Warn("truncated HAR; keeping partial prefix", "file", path, "error", err)
				ferr := tw.finish(func(tx *sql.Tx) error { return state.updateProgress(tx, "in_progress") })
				return state.stats, ferr
			}
			_ = tw.fail(func(tx *sql.Tx) error { return state.updateProgress(tx, "in_progress") })
			return state.stats, err
		}

		switch {
		case item.Page != nil:
			err = insertPage(tw.tx, state.importID, item.Page)
		case item.Entry != nil:
			err = im.writeEntry(tw, state, item.Entry)
		case item.LogTrailer != nil:
			state.trailer = item.LogTrailer
		}
		if err != nil {
			_ = tw.fail(func(tx *sql.Tx) error { return state.updateProgress(tx, "in_progress") })
			return state.stats, err
		}
	}

	err = tw.finish(func(tx *sql.Tx) error {
		if err := state.mergeTrailer(tx); err != nil {
			return err
		}
		return state.updateProgress(tx, "complete")
	})
	return state.stats, err
}

// writeEntry applies filters, dedup, blob submission, row insert, and
// FTS indexing for one entry, cycling the savepoint as needed.
func (im *Importer) writeEntry(tw *txWriter, state *importState, entry *har.Entry) error {
	state.entriesSeen++

	ok, err := im.filters.Match(entry)
	if err != nil {
		return err
	}
	if !ok {
		state.stats.EntriesSkipped++
		return nil
	}

	row, subs := Normalize(entry, im.norm)
	return im.applyEntry(tw, state, row, subs)
}

// applyEntry is the writer-side half: dedup lookup, blob submission,
// row insert, FTS indexing. Rows arrive pre-normalized either from
// writeEntry or from a parallel worker.
func (im *Importer) applyEntry(tw *txWriter, state *importState, row *EntryRow, subs []store.BlobSubmission) error {
	if im.norm.ComputeEntryHash && row.EntryHash != nil {
		exists, err := entryHashExists(tw.tx, *row.EntryHash)
		if err != nil {
			return err
		}
		if exists {
			state.stats.EntriesSkipped++
			return nil
		}
	}

	for _, sub := range subs {
		isNew, err := store.SubmitBlob(tw.tx, sub, &im.opts.Blob)
		if err != nil {
			return err
		}
		if sub.Request {
			state.stats.Request.record(isNew, len(sub.Content))
		} else {
			state.stats.Response.record(isNew, len(sub.Content))
		}
	}

	entryID, err := insertEntry(tw.tx, state.importID, row)
	if err != nil {
		return err
	}
	for _, field := range row.GraphQLFields {
		if _, err := tw.tx.Exec(
			`INSERT OR IGNORE INTO graphql_fields (entry_id, field) VALUES (?, ?)`,
			entryID, field); err != nil {
			return err
		}
	}

	if row.ResponseBodyHash != nil {
		for _, sub := range subs {
			if !sub.Request && sub.Hash == *row.ResponseBodyHash {
				if err := store.IndexBody(tw.tx, sub.Hash, sub.Content, sub.MimeType, im.opts.MaxBodySize); err != nil {
					return err
				}
				break
			}
		}
	}

	state.stats.EntriesImported++
	return tw.maybeCycle(func(tx *sql.Tx) error { return state.updateProgress(tx, "in_progress") })
}

// importState tracks one import's identity and counters.
type importState struct {
	importID     int64
	sourceFile   string
	resumed      bool
	baseImported int
	baseSkipped  int
	entriesSeen  int
	completed    bool
	stats        Stats
	logExt       har.Extensions
	trailer      har.Extensions
}

// beginImport creates (or, in resume mode, rediscovers) the imports row.
// The row is committed immediately so later runs can find it.
func (im *Importer) beginImport(path string, log *har.Log) (*importState, error) {
	source := sourceKey(path)
	state := &importState{sourceFile: source, logExt: log.Extensions}

	if im.opts.Resume {
		row := im.db.QueryRow(`
			SELECT id, COALESCE(entries_skipped, 0) FROM imports
			WHERE source_file = ? AND (status IS NULL OR status != 'complete')
			ORDER BY id DESC LIMIT 1`, source)
		var importID, skipped int64
		err := row.Scan(&importID, &skipped)
		switch err {
		case nil:
			var imported int64
			if err := im.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE import_id = ?`, importID).Scan(&imported); err != nil {
				return nil, err
			}
			state.importID = importID
			state.resumed = true
			state.baseImported = int(imported)
			state.baseSkipped = int(skipped)
			return state, nil
		case sql.ErrNoRows:
			// Nothing to resume; fall through to a fresh import.
		default:
			return nil, err
		}
	}

	var (
		version, creator, browser *string
		logExtJSON                *string
	)
	if log.Version != "" {
		version = &log.Version
	}
	if log.Creator != nil {
		s := log.Creator.Name + " " + log.Creator.Version
		creator = &s
	}
	if log.Browser != nil {
		s := log.Browser.Name + " " + log.Browser.Version
		browser = &s
	}
	if len(log.Extensions) > 0 {
		s := oj.JSON(map[string]any(log.Extensions), &jsonOpts)
		logExtJSON = &s
	}

	res, err := im.db.Exec(`
		INSERT INTO imports (source_file, imported_at, entry_count, har_version, creator, browser,
		                     log_extensions, status, entries_total, entries_skipped)
		VALUES (?, ?, 0, ?, ?, ?, ?, 'in_progress', NULL, 0)`,
		source, time.Now().UTC().Format(time.RFC3339), version, creator, browser, logExtJSON)
	if err != nil {
		return nil, err
	}
	state.importID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *importState) updateProgress(tx *sql.Tx, status string) error {
	_, err := tx.Exec(`
		UPDATE imports SET entry_count = ?, entries_total = ?, entries_skipped = ?, status = ?
		WHERE id = ?`,
		s.baseImported+s.stats.EntriesImported,
		s.entriesSeen,
		s.baseSkipped+s.stats.EntriesSkipped,
		status, s.importID)
	return err
}

// mergeTrailer folds log-level extensions the producer placed after the
// arrays into the already-written log_extensions column.
func (s *importState) mergeTrailer(tx *sql.Tx) error {
	if len(s.trailer) == 0 {
		return nil
	}
	merged := har.Extensions{}
	for k, v := range s.logExt {
		merged[k] = v
	}
	for k, v := range s.trailer {
		merged[k] = v
	}
	_, err := tx.Exec(`UPDATE imports SET log_extensions = ? WHERE id = ?`,
		oj.JSON(map[string]any(merged), &jsonOpts), s.importID)
	return err
}

func entryHashExists(tx *sql.Tx, hash string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM entries WHERE entry_hash = ? LIMIT 1`, hash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func insertPage(tx *sql.Tx, importID int64, page *har.Page) error {
	var (
		onContentLoad, onLoad *float64
		timingsExt            *string
	)
	if page.Timings != nil {
		onContentLoad = page.Timings.OnContentLoad
		onLoad = page.Timings.OnLoad
		timingsExt = extensionsJSON(page.Timings.Extensions)
	}
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO pages (id, import_id, started_at, title, on_content_load_ms, on_load_ms,
		                             page_extensions, page_timings_extensions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		page.ID, importID, optString(page.StartedDateTime), optString(page.Title),
		onContentLoad, onLoad, extensionsJSON(page.Extensions), timingsExt)
	return err
}

func insertEntry(tx *sql.Tx, importID int64, row *EntryRow) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO entries (
			import_id, page_id, started_at, time_ms, blocked_ms, dns_ms, connect_ms,
			send_ms, wait_ms, receive_ms, ssl_ms,
			method, url, host, path, query_string, http_version,
			request_headers, request_cookies, request_body_hash, request_body_size,
			status, status_text, response_headers, response_cookies,
			response_body_hash, response_body_size, response_body_hash_raw,
			response_body_size_raw, response_mime_type,
			is_redirect, server_ip, connection_id, entry_hash,
			entry_extensions, request_extensions, response_extensions,
			content_extensions, timings_extensions, post_data_extensions,
			graphql_operation_type, graphql_operation_name, graphql_top_level_fields
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		          ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		importID, row.PageID, row.StartedAt, row.TimeMS, row.BlockedMS, row.DNSMS, row.ConnectMS,
		row.SendMS, row.WaitMS, row.ReceiveMS, row.SSLMS,
		row.Method, row.URL, row.Host, row.Path, row.QueryString, row.HTTPVersion,
		row.RequestHeaders, row.RequestCookies, row.RequestBodyHash, row.RequestBodySize,
		row.Status, row.StatusText, row.ResponseHeaders, row.ResponseCookies,
		row.ResponseBodyHash, row.ResponseBodySize, row.ResponseBodyHashRaw,
		row.ResponseBodySizeRaw, row.ResponseMimeType,
		row.IsRedirect, row.ServerIP, row.ConnectionID, row.EntryHash,
		row.EntryExtensions, row.RequestExtensions, row.ResponseExtensions,
		row.ContentExtensions, row.TimingsExtensions, row.PostDataExtensions,
		row.GraphQLOperationType, row.GraphQLOperationName, row.GraphQLTopLevelFields)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// IsIOError reports whether err is a filesystem-level failure. The CLI
// maps these to exit code 3.
func IsIOError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}
