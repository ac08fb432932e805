package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is a row in one of the data-store tables. Every table shares this shape.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	Table         string          `json:"table"`
	Topic         string          `json:"topic"`
	Scope         string          `json:"scope,omitempty"`
	AuthorID      string          `json:"author_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}
