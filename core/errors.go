package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRoomNotFound is returned by strict lookups on absent rooms. Not
	// fatal: callers treat it as "no document".
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomClosed is returned when an operation races a room teardown.
	ErrRoomClosed = errors.New("room closed")

	// ErrFileDeleted signals that a room's backing file vanished while it
	// was being polled.
	ErrFileDeleted = errors.New("backing file deleted")
)

// PersistenceError wraps an update store failure. Rooms degrade to
// memory-only operation on it rather than rejecting edits.
type PersistenceError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("update store %s failed for room %s: %v", e.Op, e.RoomID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConflictMergeError marks external file content that could not be merged
// into the live document. The poll cycle that hit it is skipped and retried
// on the next interval.
type ConflictMergeError struct {
	Path string
	Err  error
}

func (e *ConflictMergeError) Error() string {
	return fmt.Sprintf("cannot merge external content of %s: %v", e.Path, e.Err)
}

func (e *ConflictMergeError) Unwrap() error { return e.Err }

// TeardownTimeoutError reports rooms abandoned because their close exceeded
// the shutdown grace period.
type TeardownTimeoutError struct {
	Abandoned []string
}

func (e *TeardownTimeoutError) Error() string {
	return fmt.Sprintf("teardown timed out, abandoned rooms: %s", strings.Join(e.Abandoned, ", "))
}
