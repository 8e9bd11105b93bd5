package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"storyline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event and returns it with its id and timestamp set.
func (w Writer) Append(ctx context.Context, evtType, unitID string, phase domain.Phase, instance string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	out, err := w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,unit_id,phase,instance,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(unitID), nullable(string(phase)), nullable(instance), string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := out.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:       id,
		TS:       ts,
		Type:     evtType,
		UnitID:   unitID,
		Phase:    string(phase),
		Instance: instance,
		Payload:  string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
