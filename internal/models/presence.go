package models

import (
	"time"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

func (s PresenceStatus) rank() int {
	switch s {
	case StatusOnline:
		return 2
	case StatusAway:
		return 1
	}
	return 0
}

// Dominant merges session statuses: online beats away beats offline.
// No statuses at all means offline.
func Dominant(statuses ...PresenceStatus) PresenceStatus {
	best := StatusOffline
	for _, s := range statuses {
		if s.rank() > best.rank() {
			best = s
		}
	}
	return best
}

// UserPresence is the aggregated status of a user across all live sessions.
type UserPresence struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	Sessions []string       `json:"sessions"`
	LastSeen time.Time      `json:"last_seen"`
}
