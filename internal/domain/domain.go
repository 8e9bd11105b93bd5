package domain

import (
	"fmt"
	"time"
)

// Action is the planner's recommendation. It is never persisted.
type Action struct {
	UnitID     string `json:"unit_id"`
	Phase      Phase  `json:"phase"`
	Workflow   string `json:"workflow"`
	FromStatus Status `json:"from_status"`
}

func (a Action) String() string {
	return fmt.Sprintf("%s for %s", a.Phase, a.UnitID)
}

// LockRecord claims that a phase is in flight for a unit.
type LockRecord struct {
	UnitID         string    `json:"unit_id"`
	StartingStatus Status    `json:"starting_status"`
	OwnerPID       int       `json:"owner_pid"`
	CreatedAt      time.Time `json:"created_at"`
	Phase          Phase     `json:"phase,omitempty"`
	Instance       string    `json:"instance,omitempty"`
	WorkerPID      int       `json:"worker_pid,omitempty"`
}

// SignalRecord is written by the completion hook when a unit's status moved
// away from the lock's starting status.
type SignalRecord struct {
	UnitID     string    `json:"unit_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Timestamp  time.Time `json:"timestamp"`
}

type DispatchState string

const (
	DispatchClaimed DispatchState = "claimed"
	DispatchWorking DispatchState = "working"
	DispatchDone    DispatchState = "done"
	DispatchFailed  DispatchState = "failed"
)

func (s DispatchState) Valid() bool {
	switch s {
	case DispatchClaimed, DispatchWorking, DispatchDone, DispatchFailed:
		return true
	}
	return false
}

// Active reports whether the dispatch still expects heartbeats.
func (s DispatchState) Active() bool {
	return s == DispatchClaimed || s == DispatchWorking
}

// DispatchRecord is the cross-instance visible claim on a unit.
type DispatchRecord struct {
	DispatchID    string        `json:"dispatch_id"`
	UnitID        string        `json:"unit_id"`
	Instance      string        `json:"instance"`
	StartedAt     time.Time     `json:"started_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	State         DispatchState `json:"state"`
	Phase         Phase         `json:"phase,omitempty"`
	PID           int           `json:"pid,omitempty"`
	Reclaims      int           `json:"reclaims,omitempty"`
}

// Stale reports whether an active record missed heartbeats for longer than
// threshold. A heartbeat exactly threshold old is still live.
func (r DispatchRecord) Stale(now time.Time, threshold time.Duration) bool {
	if !r.State.Active() {
		return false
	}
	return now.Sub(r.LastHeartbeat) > threshold
}

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeAborted      Outcome = "aborted"
	OutcomeDryRun       Outcome = "dry_run"
	OutcomeDone         Outcome = "done"
	OutcomeIntervention Outcome = "intervention_needed"
	OutcomeClaimed      Outcome = "claimed"
	OutcomeNothingToDo  Outcome = "nothing_to_do"
)

// ExecutionResult describes one dispatched phase.
type ExecutionResult struct {
	UnitID     string        `json:"unit_id"`
	Phase      Phase         `json:"phase"`
	Outcome    Outcome       `json:"outcome"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	FromStatus Status        `json:"from_status,omitempty"`
	ToStatus   Status        `json:"to_status,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
}

// UnitResult describes a unit driven through repeated phases.
type UnitResult struct {
	UnitID      string  `json:"unit_id"`
	FinalStatus Status  `json:"final_status,omitempty"`
	Phases      []Phase `json:"phases_completed"`
	Outcome     Outcome `json:"outcome"`
	Phase       Phase   `json:"phase,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// NeedsIntervention reports whether a human has to act before the unit can
// move again.
func (r UnitResult) NeedsIntervention() bool {
	return r.Outcome != OutcomeDone && r.Outcome != OutcomeDryRun
}

// GroupFailure pairs a unit with the reason it stopped.
type GroupFailure struct {
	UnitID  string  `json:"unit_id"`
	Phase   Phase   `json:"phase,omitempty"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

type GroupResult struct {
	GroupID   string         `json:"group_id"`
	Completed []string       `json:"completed"`
	Failed    []GroupFailure `json:"failed"`
	Skipped   []string       `json:"skipped"`
}
