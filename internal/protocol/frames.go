// Package protocol defines the JSON frames exchanged over the WebSocket connection.
package protocol

import (
	"errors"

	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/services"
)

// Client frame types.
const (
	TypeHeartbeat   = "heartbeat"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeWrite       = "write"
)

// Server frame types.
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeEvent        = "event"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Error codes carried by error frames.
const (
	CodeUnknownSession  = "unknown_session"
	CodeGapTooLarge     = "gap_too_large"
	CodePublishRejected = "publish_rejected"
	CodeRateLimited     = "rate_limited"
	CodeSlowConsumer    = "slow_consumer"
	CodeNotFound        = "not_found"
	CodeBadRequest      = "bad_request"
)

// ClientFrame is any frame sent by a client. Write frames carry the request fields inline.
type ClientFrame struct {
	Type         string                `json:"type"`
	Ref          string                `json:"ref,omitempty"`
	Status       models.PresenceStatus `json:"status,omitempty"`
	Topic        string                `json:"topic,omitempty"`
	Since        *uint64               `json:"since,omitempty"`
	Subscription string                `json:"subscription,omitempty"`
	services.WriteRequest
}

// ServerFrame is any frame sent by the server.
type ServerFrame struct {
	Type         string              `json:"type"`
	Ref          string              `json:"ref,omitempty"`
	SessionID    string              `json:"session_id,omitempty"`
	UserID       string              `json:"user_id,omitempty"`
	HeartbeatMS  int64               `json:"heartbeat_ms,omitempty"`
	Subscription string              `json:"subscription,omitempty"`
	Topic        string              `json:"topic,omitempty"`
	Head         uint64              `json:"head,omitempty"`
	Replayed     int                 `json:"replayed,omitempty"`
	Event        *models.ChangeEvent `json:"event,omitempty"`
	Record       *models.Record      `json:"record,omitempty"`
	Code         string              `json:"code,omitempty"`
	Message      string              `json:"message,omitempty"`
}

var codes = []struct {
	err  error
	code string
}{
	{errs.ErrUnknownSession, CodeUnknownSession},
	{errs.ErrGapTooLarge, CodeGapTooLarge},
	{errs.ErrRateLimited, CodeRateLimited},
	{errs.ErrSlowConsumer, CodeSlowConsumer},
	{errs.ErrPublishRejected, CodePublishRejected},
	{errs.ErrNotFound, CodeNotFound},
}

// CodeFor maps an error to its frame code. Unrecognised errors are bad requests.
func CodeFor(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeBadRequest
}

// ErrFor maps a frame code back to its sentinel error.
func ErrFor(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return errs.ErrInvalidArgument
}

// ErrorFrame builds the error frame answering ref.
func ErrorFrame(ref string, err error) ServerFrame {
	return ServerFrame{Type: TypeError, Ref: ref, Code: CodeFor(err), Message: err.Error()}
}
