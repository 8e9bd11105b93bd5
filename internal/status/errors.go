package status

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no status document exists at any known location.
	ErrNotFound = errors.New("status document not found")
	// ErrUnknownUnit means the document has no entry for the unit.
	ErrUnknownUnit = errors.New("unknown unit")
)

// ParseError reports a malformed status document. Nothing is recovered from a
// document that fails to parse.
type ParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

// ConflictError reports that the document changed on disk after the snapshot
// used for a write was taken. Callers re-snapshot and re-plan.
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("status document %s changed since it was read (revision %s, now %s)", e.Path, short(e.Expected), short(e.Actual))
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
