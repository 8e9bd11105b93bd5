package server

import (
	"encoding/json"
	"time"

	"storyline/internal/domain"
	"storyline/internal/status"
)

type UnitResponse struct {
	ID     string `json:"id"`
	Kind   string `json:"kind" enum:"story,group,retrospective"`
	Group  string `json:"group,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type StatusResponse struct {
	Path        string            `json:"path"`
	Revision    string            `json:"revision"`
	Project     string            `json:"project,omitempty"`
	Generated   string            `json:"generated,omitempty"`
	Counts      map[string]int    `json:"counts"`
	GroupCounts map[string]int    `json:"group_counts"`
	Units       []UnitResponse    `json:"units"`
	Retros      map[string]string `json:"retrospectives,omitempty"`
}

type NextResponse struct {
	Actionable bool           `json:"actionable"`
	Action     *domain.Action `json:"action,omitempty"`
}

type DispatchResponse struct {
	DispatchID    string    `json:"dispatch_id"`
	UnitID        string    `json:"unit_id"`
	Instance      string    `json:"instance"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	State         string    `json:"state" enum:"claimed,working,done,failed"`
	Phase         string    `json:"phase,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Reclaims      int       `json:"reclaims,omitempty"`
	Stale         bool      `json:"stale"`
}

type LockResponse struct {
	UnitID         string               `json:"unit_id"`
	StartingStatus string               `json:"starting_status"`
	Phase          string               `json:"phase,omitempty"`
	Instance       string               `json:"instance,omitempty"`
	OwnerPID       int                  `json:"owner_pid"`
	OwnerAlive     bool                 `json:"owner_alive"`
	WorkerPID      int                  `json:"worker_pid,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	Signal         *domain.SignalRecord `json:"signal,omitempty"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	UnitID   string         `json:"unit_id,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Payload  map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func countsByName(in map[domain.Status]int) map[string]int {
	out := make(map[string]int, len(in))
	for st, n := range in {
		out[string(st)] = n
	}
	return out
}

// statusResponse renders snap, keeping units of the given kind and status
// when those are set.
func statusResponse(snap *status.Snapshot, kind domain.UnitKind, st domain.Status) StatusResponse {
	resp := StatusResponse{
		Path:        snap.Path(),
		Revision:    snap.Revision(),
		Project:     snap.Project(),
		Generated:   snap.Generated(),
		Counts:      countsByName(snap.Counts()),
		GroupCounts: countsByName(snap.GroupCounts()),
		Units:       []UnitResponse{},
		Retros:      snap.Retrospectives(),
	}
	for _, u := range snap.Units() {
		if kind != "" && u.Kind != kind {
			continue
		}
		if st != "" && u.Status.Status != st {
			continue
		}
		resp.Units = append(resp.Units, UnitResponse{
			ID:     u.ID,
			Kind:   string(u.Kind),
			Group:  u.Group,
			Status: string(u.Status.Status),
			Reason: u.Status.Reason,
		})
	}
	return resp
}

func dispatchResponse(rec domain.DispatchRecord, stale bool) DispatchResponse {
	return DispatchResponse{
		DispatchID:    rec.DispatchID,
		UnitID:        rec.UnitID,
		Instance:      rec.Instance,
		StartedAt:     rec.StartedAt,
		LastHeartbeat: rec.LastHeartbeat,
		State:         string(rec.State),
		Phase:         string(rec.Phase),
		PID:           rec.PID,
		Reclaims:      rec.Reclaims,
		Stale:         stale,
	}
}

func lockResponse(l domain.LockRecord, alive bool) LockResponse {
	return LockResponse{
		UnitID:         l.UnitID,
		StartingStatus: string(l.StartingStatus),
		Phase:          string(l.Phase),
		Instance:       l.Instance,
		OwnerPID:       l.OwnerPID,
		OwnerAlive:     alive,
		WorkerPID:      l.WorkerPID,
		CreatedAt:      l.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
			payload = map[string]any{"raw": e.Payload}
		}
	}
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		UnitID:   e.UnitID,
		Phase:    e.Phase,
		Instance: e.Instance,
		Payload:  payload,
	}
}
