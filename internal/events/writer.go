package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"readyline/internal/db"
)

// SystemActor is recorded for engine-initiated events such as sweeps.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event on q, normally the caller's transaction so
// the event commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, q db.DBTX, evtType, orgID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = SystemActor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
