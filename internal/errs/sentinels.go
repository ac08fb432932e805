// Package errs contains sentinel errors shared by the registry, fan-out, transport and repository layers.
package errs

import "errors"

var (
	// ErrUnknownSession indicates a heartbeat, disconnect or subscribe for a session that no longer exists.
	// Callers treat it as a no-op and log a warning.
	ErrUnknownSession = errors.New("unknown session")

	// ErrGapTooLarge indicates that replay was requested from an event id the topic log no longer retains.
	// The caller must refetch a snapshot and resubscribe.
	ErrGapTooLarge = errors.New("gap too large")

	// ErrPublishRejected indicates that the underlying write failed. It is never retried implicitly.
	ErrPublishRejected = errors.New("publish rejected")

	// ErrDeliveryDropped marks an event that was discarded because its subscription closed first.
	ErrDeliveryDropped = errors.New("delivery dropped")

	// ErrSlowConsumer indicates that a subscription mailbox overflowed and the subscription was closed.
	ErrSlowConsumer = errors.New("slow consumer")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidStatus   = errors.New("invalid presence status")
	ErrInvalidTopic    = errors.New("invalid topic")

	// ErrRateLimited indicates the caller exceeded its write budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnauthorized indicates a missing or invalid token.
	ErrUnauthorized = errors.New("unauthorized")
)
