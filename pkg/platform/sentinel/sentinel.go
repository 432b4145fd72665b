package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) and services translate them into domain errors at their boundary.
//
// - ErrNotFound: no record for the key
// - ErrConflict: a concurrent writer changed the record (stale version, lost WATCH)
// - ErrExpired: the record outlived its lifetime
// - ErrAlreadyUsed: key already taken or a single-use value was consumed
// - ErrInvalidState: the record is in the wrong state for the operation
// - ErrUnavailable: the backing resource is temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
