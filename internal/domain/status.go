package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle status of a unit as recorded in the status document.
type Status string

const (
	StatusBacklog     Status = "backlog"
	StatusReadyForDev Status = "ready-for-dev"
	StatusInProgress  Status = "in-progress"
	StatusReview      Status = "review"
	StatusDone        Status = "done"
	StatusBlocked     Status = "blocked"
)

var statusOrder = []Status{
	StatusBacklog,
	StatusReadyForDev,
	StatusInProgress,
	StatusReview,
	StatusDone,
	StatusBlocked,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// ParseStatus converts a raw document value into a Status. Unknown values are
// rejected rather than coerced.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	for _, v := range statusOrder {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no phase can move the unit any further.
func (s Status) Terminal() bool { return s == StatusDone }

// Rank is the position of s in lifecycle order, -1 for invalid statuses.
func (s Status) Rank() int {
	for i, v := range statusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// UnitStatus is a status plus the data carried by the blocked variant.
type UnitStatus struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// StatusOf wraps a non-blocked status.
func StatusOf(s Status) UnitStatus { return UnitStatus{Status: s} }

// Blocked builds the blocked variant; reason is mandatory.
func Blocked(reason string) UnitStatus {
	return UnitStatus{Status: StatusBlocked, Reason: strings.TrimSpace(reason)}
}

// Validate enforces that only blocked carries a reason and that it always does.
func (u UnitStatus) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("unknown status %q", u.Status)
	}
	if u.Status == StatusBlocked && u.Reason == "" {
		return fmt.Errorf("blocked status requires a reason")
	}
	if u.Status != StatusBlocked && u.Reason != "" {
		return fmt.Errorf("status %s cannot carry a reason", u.Status)
	}
	return nil
}

func (u UnitStatus) String() string {
	if u.Status == StatusBlocked {
		return fmt.Sprintf("blocked (%s)", u.Reason)
	}
	return string(u.Status)
}

// Phase is one lifecycle step mapped to a worker invocation.
type Phase string

const (
	PhaseCreate  Phase = "create"
	PhaseDevelop Phase = "develop"
	PhaseReview  Phase = "review"
)

// AllPhases returns the phases in lifecycle order.
func AllPhases() []Phase {
	return []Phase{PhaseCreate, PhaseDevelop, PhaseReview}
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseCreate, PhaseDevelop, PhaseReview:
		return true
	}
	return false
}

func (p Phase) String() string { return string(p) }

// PhaseFor maps an actionable status to the phase that advances it.
func PhaseFor(s Status) (Phase, bool) {
	switch s {
	case StatusBacklog:
		return PhaseCreate, true
	case StatusReadyForDev, StatusInProgress:
		return PhaseDevelop, true
	case StatusReview:
		return PhaseReview, true
	}
	return "", false
}

// WorkingStatus is the status a unit is moved to before the worker for p is
// spawned. Creation has no dedicated in-flight status and keeps backlog.
func (p Phase) WorkingStatus(from Status) Status {
	switch p {
	case PhaseDevelop:
		return StatusInProgress
	case PhaseReview:
		return StatusReview
	case PhaseCreate:
		return StatusBacklog
	}
	return from
}
