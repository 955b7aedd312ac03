package ingest

import (
	"database/sql"

	"github.com/agentic-research/harvault/internal/store"
)

const savepointName = "harvault_batch"

// txWriter manages the outer transaction and its periodic savepoints.
// Every savepointEvery written records the savepoint is released, the
// transaction committed, and a fresh one opened, so an interruption
// loses at most one batch and a recoverable error rolls back no
// further than the last savepoint.
type txWriter struct {
	db             *store.DB
	tx             *sql.Tx
	savepointEvery int
	pending        int
}

func newTxWriter(db *store.DB, savepointEvery int) (*txWriter, error) {
	w := &txWriter{db: db, savepointEvery: savepointEvery}
	if err := w.begin(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *txWriter) begin() error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("SAVEPOINT " + savepointName); err != nil {
		_ = tx.Rollback()
		return err
	}
	w.tx = tx
	w.pending = 0
	return nil
}

// maybeCycle counts one written record and, at the batch boundary,
// persists progress and starts a new transaction. The update callback
// runs inside the closing transaction.
func (w *txWriter) maybeCycle(update func(tx *sql.Tx) error) error {
	w.pending++
	if w.pending < w.savepointEvery {
		return nil
	}
	if _, err := w.tx.Exec("RELEASE " + savepointName); err != nil {
		return err
	}
	if err := update(w.tx); err != nil {
		return err
	}
	if err := w.tx.Commit(); err != nil {
		return err
	}
	return w.begin()
}

// finish commits everything written so far, running update in the same
// transaction.
func (w *txWriter) finish(update func(tx *sql.Tx) error) error {
	if _, err := w.tx.Exec("RELEASE " + savepointName); err != nil {
		_ = w.tx.Rollback()
		return err
	}
	if err := update(w.tx); err != nil {
		_ = w.tx.Rollback()
		return err
	}
	return w.tx.Commit()
}

// fail rolls back to the last savepoint, discarding the partial batch,
// then commits the prefix and the progress update. The import stays
// resumable.
func (w *txWriter) fail(update func(tx *sql.Tx) error) error {
	if _, err := w.tx.Exec("ROLLBACK TO " + savepointName); err != nil {
		_ = w.tx.Rollback()
		return err
	}
	if _, err := w.tx.Exec("RELEASE " + savepointName); err != nil {
		_ = w.tx.Rollback()
		return err
	}
	if err := update(w.tx); err != nil {
		_ = w.tx.Rollback()
		return err
	}
	return w.tx.Commit()
}
