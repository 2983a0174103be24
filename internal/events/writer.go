package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	DealCreated       = "deal.created"
	DealUpdated       = "deal.updated"
	DealMoved         = "deal.moved"
	DealDeleted       = "deal.deleted"
	StageCreated      = "stage.created"
	StageUpdated      = "stage.updated"
	StageReordered    = "stage.reordered"
	StageDeleted      = "stage.deleted"
	CommentAdded      = "comment.added"
	CommentDeleted    = "comment.deleted"
	AttachmentAdded   = "attachment.added"
	AttachmentRemoved = "attachment.removed"
	BoardConfigured   = "board.configured"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, boardID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,board_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(boardID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
