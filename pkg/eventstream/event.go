package eventstream

import (
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeSessionConsolidated is emitted after a session's streamed
	// partials are merged into history memories.
	EventTypeSessionConsolidated = "mnemo.session.consolidated"
)

// SessionConsolidatedEvent is a transport-neutral event payload for a
// completed consolidation pass.
type SessionConsolidatedEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`

	SessionID  uuid.UUID   `json:"session_id"`
	Promoted   []uuid.UUID `json:"promoted,omitempty"`
	Tombstoned int         `json:"tombstoned"`
}

// NewSessionConsolidatedEvent builds a v1 event for the given pass.
func NewSessionConsolidatedEvent(sessionID uuid.UUID, promoted []uuid.UUID, tombstoned int) (*SessionConsolidatedEvent, error) {
	eventID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	return &SessionConsolidatedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeSessionConsolidated,
		EventID:       eventID.String(),
		EmittedAt:     time.Now().UTC(),
		SessionID:     sessionID,
		Promoted:      promoted,
		Tombstoned:    tombstoned,
	}, nil
}
