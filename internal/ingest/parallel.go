package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/harvault/internal/har"
	"github.com/agentic-research/harvault/internal/store"
)

type msgKind int

const (
	msgLog msgKind = iota
	msgPage
	msgEntry
	msgFiltered
	msgTrailer
	msgDone
)

// workerMsg is one unit of parser output funneled to the writer. Each
// worker sends its file's messages in document order; the channel
// preserves that order per file.
type workerMsg struct {
	file    string
	kind    msgKind
	log     *har.Log
	page    *har.Page
	row     *EntryRow
	subs    []store.BlobSubmission
	trailer har.Extensions
	err     error
}

// importParallel runs up to Jobs parsing workers feeding this writer
// over a bounded channel. Parsing and normalization happen in the
// workers; all database mutation stays here.
func (im *Importer) importParallel(ctx context.Context, files []string) (Stats, error) {
	jobs := im.opts.Jobs
	if jobs > len(files) {
		jobs = len(files)
	}
	ch := make(chan workerMsg, jobs*8)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	go func() {
		for _, file := range files {
			file := file
			g.Go(func() error {
				im.parseWorker(gctx, file, ch)
				return nil
			})
		}
		_ = g.Wait()
		close(ch)
	}()

	var (
		states   = map[string]*importState{}
		order    []string
		failures = map[string]error{}
		tw       *txWriter
		total    Stats
	)

	// updateAll refreshes progress counters for every active import in
	// the closing transaction of a batch.
	updateAll := func(tx *sql.Tx) error {
		for _, file := range order {
			if err := states[file].updateProgress(tx, "in_progress"); err != nil {
				return err
			}
		}
		return nil
	}

	flush := func() error {
		if tw == nil {
			return nil
		}
		err := tw.finish(updateAll)
		tw = nil
		return err
	}

	var writerErr error
	for msg := range ch {
		if writerErr != nil {
			continue // drain; pending worker output is discarded
		}
		switch msg.kind {
		case msgLog:
			// imports rows are inserted outside the batch transaction so
			// they are visible immediately.
			if err := flush(); err != nil {
				writerErr = err
				continue
			}
			state, err := im.beginImport(msg.file, msg.log)
			if err != nil {
				writerErr = err
				continue
			}
			states[msg.file] = state
			order = append(order, msg.file)
			im.log.Info("importing", "file", msg.file, "import_id", state.importID, "resumed", state.resumed)
		case msgPage, msgEntry, msgFiltered, msgTrailer:
			state := states[msg.file]
			if state == nil {
				continue
			}
			if tw == nil {
				w, err := newTxWriter(im.db, im.opts.SavepointEvery)
				if err != nil {
					writerErr = err
					continue
				}
				tw = w
			}
			var err error
			switch msg.kind {
			case msgPage:
				err = insertPage(tw.tx, state.importID, msg.page)
			case msgEntry:
				state.entriesSeen++
				err = im.applyEntry(tw, state, msg.row, msg.subs)
			case msgFiltered:
				state.entriesSeen++
				state.stats.EntriesSkipped++
			case msgTrailer:
				state.trailer = msg.trailer
			}
			if err != nil {
				_ = tw.fail(updateAll)
				tw = nil
				writerErr = err
			}
		case msgDone:
			if msg.err != nil {
				// One worker's failure aborts only its own import; the
				// row stays in_progress for a later --resume.
				im.log.Error("import failed", "file", msg.file, "error", msg.err)
				failures[msg.file] = msg.err
				continue
			}
			if state := states[msg.file]; state != nil {
				state.completed = true
			}
		}
	}

	if writerErr != nil {
		if tw != nil {
			_ = tw.tx.Rollback()
		}
		return total, writerErr
	}

	if tw == nil {
		w, err := newTxWriter(im.db, im.opts.SavepointEvery)
		if err != nil {
			return total, err
		}
		tw = w
	}
	err := tw.finish(func(tx *sql.Tx) error {
		for _, file := range order {
			state := states[file]
			status := "in_progress"
			if state.completed {
				status = "complete"
				if err := state.mergeTrailer(tx); err != nil {
					return err
				}
			}
			if err := state.updateProgress(tx, status); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return total, err
	}

	for _, file := range order {
		total.Add(states[file].stats)
	}
	if err := ctx.Err(); err != nil {
		return total, err
	}
	for file, ferr := range failures {
		return total, fmt.Errorf("import %s: %w", file, ferr)
	}
	return total, nil
}

// parseWorker parses and normalizes one file, streaming results to the
// writer. It never touches the database.
func (im *Importer) parseWorker(ctx context.Context, file string, ch chan<- workerMsg) {
	send := func(m workerMsg) bool {
		m.file = file
		select {
		case ch <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	parser, err := har.Open(file, har.Options{AsyncRead: im.opts.AsyncRead})
	if err != nil {
		send(workerMsg{kind: msgDone, err: err})
		return
	}
	defer func() { _ = parser.Close() }()

	for {
		item, err := parser.Next()
		if err == io.EOF {
			send(workerMsg{kind: msgDone})
			return
		}
		if err != nil {
			send(workerMsg{kind: msgDone, err: err})
			return
		}

		var ok bool
		switch {
		case item.Log != nil:
			ok = send(workerMsg{kind: msgLog, log: item.Log})
		case item.Page != nil:
			ok = send(workerMsg{kind: msgPage, page: item.Page})
		case item.Entry != nil:
			match, err := im.filters.Match(item.Entry)
			if err != nil {
				send(workerMsg{kind: msgDone, err: err})
				return
			}
			if !match {
				ok = send(workerMsg{kind: msgFiltered})
			} else {
				row, subs := Normalize(item.Entry, im.norm)
				ok = send(workerMsg{kind: msgEntry, row: row, subs: subs})
			}
		case item.LogTrailer != nil:
			ok = send(workerMsg{kind: msgTrailer, trailer: item.LogTrailer})
		default:
			ok = true
		}
		if !ok {
			return
		}
	}
}
