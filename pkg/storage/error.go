package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports malformed input: empty required content, a
// self-referential edge, an unknown role. Never retried.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NotFoundError reports that a referenced id does not exist or is
// tombstoned.
type NotFoundError struct {
	ID uuid.UUID
}

func (e NotFoundError) Error() string {
	if e.ID == uuid.Nil {
		return "memory not found"
	}
	return "memory not found: " + e.ID.String()
}

// PermissionError reports that the acting principal does not own the
// referenced node.
type PermissionError struct {
	Actor  uuid.UUID
	NodeID uuid.UUID
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("actor %s does not own memory %s", e.Actor, e.NodeID)
}

// DataIntegrityError reports corrupted graph state: a cycle in a fork
// chain, or an orphaned consolidation group. The caller must fail closed.
type DataIntegrityError struct {
	Reason string
}

func (e DataIntegrityError) Error() string {
	return "data integrity: " + e.Reason
}

// TransientError wraps connection and timeout failures that are safe to
// retry with backoff.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string {
	return "transient store error: " + e.Err.Error()
}

func (e TransientError) Unwrap() error {
	return e.Err
}
