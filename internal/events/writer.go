package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the audit event log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction so it commits or
// rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, data)
	return err
}

// Record writes an event outside any transaction.
func (w Writer) Record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, data)
	return err
}

func (w Writer) encode(payload EventPayload) (string, string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return now().UTC().Format(time.RFC3339), string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
