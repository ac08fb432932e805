package models

import (
	"encoding/json"
	"time"
)

type ChangeKind string

const (
	KindInsert ChangeKind = "insert"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

func (k ChangeKind) Valid() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// ChangeEvent is an immutable notification that an entity changed.
// EventID is strictly increasing within Topic.
type ChangeEvent struct {
	EventID         uint64          `json:"event_id"`
	Topic           string          `json:"topic"`
	Kind            ChangeKind      `json:"kind"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	EntityCreatedAt time.Time       `json:"entity_created_at"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// Change is the input to the fan-out before an event id is assigned.
type Change struct {
	Topic           string
	Kind            ChangeKind
	EntityType      string
	EntityID        string
	CorrelationID   string
	Payload         json.RawMessage
	EntityCreatedAt time.Time
}

// FillFromPayload copies correlation_id and created_at out of the payload
// when the change does not carry them already.
func (c *Change) FillFromPayload() {
	if len(c.Payload) == 0 || (c.CorrelationID != "" && !c.EntityCreatedAt.IsZero()) {
		return
	}
	var fields struct {
		CorrelationID string `json:"correlation_id"`
		CreatedAt     string `json:"created_at"`
	}
	if err := json.Unmarshal(c.Payload, &fields); err != nil {
		return
	}
	if c.CorrelationID == "" {
		c.CorrelationID = fields.CorrelationID
	}
	if c.EntityCreatedAt.IsZero() && fields.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, fields.CreatedAt); err == nil {
			c.EntityCreatedAt = ts
		}
	}
}
