package dispatch

import (
	"errors"
	"fmt"
	"time"

	"storyline/internal/domain"
)

// ErrAborted means the dispatch was cancelled. The worker was stopped and the
// unit keeps its working status so a later run resumes it.
var ErrAborted = errors.New("dispatch aborted")

// TimeoutError reports a worker that outlived its allotted time.
type TimeoutError struct {
	UnitID  string
	Phase   domain.Phase
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no completion signal within %s", e.UnitID, e.Phase, e.Timeout)
}

// BlockedError reports a unit the worker marked blocked.
type BlockedError struct {
	UnitID string
	Phase  domain.Phase
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s %s: blocked: %s", e.UnitID, e.Phase, e.Reason)
}

// ProcessError reports a worker that ended without completing its phase.
type ProcessError struct {
	UnitID   string
	Phase    domain.Phase
	ExitCode int
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: worker failed: %v", e.UnitID, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s %s: worker exited with code %d", e.UnitID, e.Phase, e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }
