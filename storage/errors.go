package storage

import "errors"

// Sentinel errors returned by store implementations. Callers compare them with
// errors.Is; implementations may wrap them with additional context.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyConsumed is returned when a single-use record (authorization
	// code, refresh token, ticket, confirmation code, device code) has
	// already been redeemed by another caller.
	ErrAlreadyConsumed = errors.New("record already consumed")

	// ErrExpired is returned when the record exists but its lifetime elapsed.
	ErrExpired = errors.New("record expired")

	// ErrInvalidTransition is returned when a state change is not allowed from
	// the record's current state (for example approving a denied device code).
	ErrInvalidTransition = errors.New("invalid state transition")
)
