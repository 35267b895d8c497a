package model

import "errors"

// Failure taxonomy shared by host and client code.
var (
	// ErrAuthRejected: stale or invalid invite token. The host closes the
	// connection and the client does not retry the same token.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrHeartbeatTimeout: no heartbeat from the host for the configured
	// number of intervals. Triggers an election, never surfaced as a fault.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrBindExhausted: every port in the reserved range was busy.
	ErrBindExhausted = errors.New("bind exhausted")

	// ErrNoEligibleHost: nobody reachable has a hosting role.
	ErrNoEligibleHost = errors.New("no eligible host")

	// ErrSyncOutOfRange: the requested sequence predates the host buffer.
	ErrSyncOutOfRange = errors.New("sync out of buffer range")

	// ErrProtocolViolation: malformed or unexpected frame.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStatePoisoned: a mutation panicked and was rolled back.
	ErrStatePoisoned = errors.New("state poisoned")
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrSuperseded   = errors.New("superseded by newer epoch")
	ErrWrongHall    = errors.New("wrong hall")
	ErrServerFull   = errors.New("server full")
	ErrStaleEpoch   = errors.New("stale epoch")
	ErrClosed       = errors.New("closed")
)
