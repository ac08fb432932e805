package models

import (
	"time"
)

// Session is one attached client connection. ConnectedAt and LastHeartbeatAt carry
// the monotonic clock reading when produced by the registry.
type Session struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Status          PresenceStatus `json:"status"`
	ConnectedAt     time.Time      `json:"connected_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
}
