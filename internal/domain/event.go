package domain

// Event is one journal entry.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Type     string `json:"type"`
	UnitID   string `json:"unit_id,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Instance string `json:"instance,omitempty"`
	Payload  string `json:"payload"`
}

const (
	EventDispatchStarted   = "dispatch.started"
	EventDispatchSucceeded = "dispatch.succeeded"
	EventDispatchFailed    = "dispatch.failed"
	EventDispatchTimeout   = "dispatch.timeout"
	EventDispatchBlocked   = "dispatch.blocked"
	EventDispatchAborted   = "dispatch.aborted"
	EventStatusChanged     = "status.changed"
	EventUnitCompleted     = "unit.completed"
	EventUnitIntervention  = "unit.intervention"
	EventGroupCompleted    = "group.completed"
	EventClaimReclaimed    = "claim.reclaimed"
	EventClaimCleared      = "claim.cleared"
)
