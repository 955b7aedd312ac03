package store

import (
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// SchemaError is a migration or DDL failure. Fatal to the process.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// DedupConflictError reports a blob row that already exists under the
// same hash with a different size. Either the hash collided or the
// database is corrupt; both are fatal.
type DedupConflictError struct {
	Hash string
	Have int64
	Got  int64
}

func (e *DedupConflictError) Error() string {
	return fmt.Sprintf("blob %s: stored size %d does not match incoming size %d", e.Hash, e.Have, e.Got)
}

// IsConstraint reports whether err is a SQLite constraint violation
// (SQLITE_CONSTRAINT family). The CLI maps these to exit code 4.
func IsConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19
	}
	return false
}
