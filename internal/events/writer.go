package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dealflow/internal/repo"
)

// Event types written to the outbox.
const (
	PipelineCreated       = "pipeline.created"
	PipelineUpdated       = "pipeline.updated"
	PipelineDeleted       = "pipeline.deleted"
	PipelineStagesChanged = "pipeline.stages-changed"
	DealCreated           = "deal.created"
	DealUpdated           = "deal.updated"
	DealStageChanged      = "deal.stage-changed"
	DealWon               = "deal.won"
	DealLost              = "deal.lost"
	DealReopened          = "deal.reopened"
	DealDeleted           = "deal.deleted"
	DealActivityRecorded  = "deal.activity-recorded"
	DealTaskCreated       = "deal.task-created"
	DealTaskCompleted     = "deal.task-completed"
	DealTaskDeleted       = "deal.task-deleted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an outbox row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		repo.FormatTime(w.Now()), evtType, tenantID, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
