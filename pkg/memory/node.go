package memory

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Node is a graph vertex: a message, session, role, category, or any
// other entity the graph models. Node ids are UUIDv7 so byte order
// equals creation order, which the fork cutoff comparison relies on.
type Node struct {
	ID        uuid.UUID  `json:"id"`
	Kind      Kind       `json:"kind"`
	Content   string     `json:"content"`
	Meta      Metadata   `json:"metadata"`
	CreatedBy uuid.UUID  `json:"created_by"`
	UpdatedBy uuid.UUID  `json:"updated_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the node is tombstoned.
func (n *Node) Deleted() bool {
	return n.DeletedAt != nil
}

// Edge is a directed, typed relation between two nodes.
type Edge struct {
	ID         uuid.UUID `json:"id"`
	SourceID   uuid.UUID `json:"source_id"`
	TargetID   uuid.UUID `json:"target_id"`
	Relation   string    `json:"relation"`
	Strength   *float64  `json:"strength,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Meta       Metadata  `json:"metadata"`
	CreatedBy  uuid.UUID `json:"created_by"`
	UpdatedBy  uuid.UUID `json:"updated_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// IDBefore reports whether a was created at or before b, using the
// UUIDv7 byte ordering. The boundary is inclusive: the message AT a fork
// cutoff is inherited by the fork.
func IDBefore(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) <= 0
}
