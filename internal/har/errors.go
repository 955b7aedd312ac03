package har

import (
	"errors"
	"fmt"
)

// ParseError reports malformed HAR input. It is fatal to the import of
// the file it names and recoverable for peer files.
type ParseError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s at byte %d: %s", e.Path, e.Offset, e.Reason)
}

func parseErr(path string, offset int64, format string, args ...any) error {
	return &ParseError{Path: path, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
