package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	PaymentConfirmed  = "payment.confirmed"
	ProjectCompleted  = "project.completed"
	ProjectImported   = "project.imported"
	TeamUpdated       = "team.updated"
	RoadmapUpdated    = "roadmap.updated"
	SubmissionCreated = "submission.created"
	MultisigInitiated = "multisig.initiated"
	MultisigApproved  = "multisig.approved"
	MultisigExecuted  = "multisig.executed"
	MultisigCancelled = "multisig.cancelled"
)

const (
	KindProject  = "project"
	KindPayment  = "payment"
	KindMultisig = "multisig"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits or rolls back with the
// state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
