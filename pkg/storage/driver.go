// Package storage defines the persistence contracts for the memory
// graph: a Driver for nodes and edges with tombstone semantics, and a
// Queue for the consolidation work schedule. Implementations live in
// the postgres, sqlite, and inmemory subpackages.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/papercomputeco/mnemo/pkg/memory"
)

// Direction selects which side of an edge a node sits on when querying.
type Direction string

const (
	// DirectionOutgoing matches edges where the node is the source.
	DirectionOutgoing Direction = "outgoing"

	// DirectionIncoming matches edges where the node is the target.
	DirectionIncoming Direction = "incoming"
)

// EdgeOptions carries the optional attributes of a new edge.
type EdgeOptions struct {
	// Strength is the signed weight of the relation, roughly -1..1.
	Strength *float64

	// Confidence is how certain the writer is of the relation, 0..1.
	Confidence *float64

	Meta memory.Metadata
}

// Driver is the durable store for nodes and edges. It enforces the
// record-level invariants (self-reference rejection, unique edge triple,
// atomic node+edge creation, idempotent promotion) via transactions;
// domain rules such as ownership live above it in pkg/graph.
type Driver interface {
	// CreateNode stores a new node and returns its generated id.
	// Ids are time-ordered (UUIDv7).
	CreateNode(ctx context.Context, kind memory.Kind, content string, ownerID uuid.UUID, meta memory.Metadata) (uuid.UUID, error)

	// GetNode retrieves a node by id. Tombstoned nodes are excluded
	// unless includeDeleted is set (audit and debug paths only).
	GetNode(ctx context.Context, id uuid.UUID, includeDeleted bool) (*memory.Node, error)

	// TombstoneNode soft-deletes a node. Tombstoning an already
	// tombstoned node is a no-op.
	TombstoneNode(ctx context.Context, id uuid.UUID) error

	// CreateEdge stores a directed edge. The (source, target, relation)
	// triple is unique; re-creating an existing edge returns the
	// existing edge's id without error. A self-referential edge fails
	// with ValidationError.
	CreateEdge(ctx context.Context, sourceID, targetID uuid.UUID, relation string, ownerID uuid.UUID, opts EdgeOptions) (uuid.UUID, error)

	// QueryEdges returns the edges touching a node on the given side.
	// An empty relation matches all relations.
	QueryEdges(ctx context.Context, nodeID uuid.UUID, dir Direction, relation string) ([]memory.Edge, error)

	// CreateMessage stores a message node and its belongs_to edge to the
	// session in one transaction: both commit or neither does.
	CreateMessage(ctx context.Context, sessionID uuid.UUID, kind memory.Kind, content string, ownerID uuid.UUID, meta memory.Metadata) (uuid.UUID, error)

	// SessionNodes returns the non-tombstoned nodes whose belongs_to
	// edge targets the session, restricted to the given kinds, ordered
	// by metadata seq ascending with ties broken by id. Consolidation
	// grouping and partial peeking share this order; history
	// materialization re-sorts by id, since ids are time-ordered and
	// direct appends carry seq zero.
	SessionNodes(ctx context.Context, sessionID uuid.UUID, kinds ...memory.Kind) ([]*memory.Node, error)

	// ListNodes returns the caller's non-tombstoned nodes of one kind,
	// newest first, paginated.
	ListNodes(ctx context.Context, ownerID uuid.UUID, kind memory.Kind, limit, offset int) ([]*memory.Node, error)

	// PromoteGroup finalizes a consolidation group in one transaction:
	// the anchor's kind flips from partial to history and its content is
	// replaced with the merged text, then the remaining group members
	// are tombstoned. Returns false without mutating anything when the
	// anchor is no longer a live partial, which makes re-running a
	// finished merge a safe no-op.
	PromoteGroup(ctx context.Context, anchorID uuid.UUID, content string, tombstone []uuid.UUID) (bool, error)

	// WithSessionLock runs fn while holding an exclusive per-session
	// lock, serializing consolidation of a single session across
	// concurrent workers. Distinct sessions proceed in parallel.
	WithSessionLock(ctx context.Context, sessionID uuid.UUID, fn func(ctx context.Context) error) error

	// Queue returns the consolidation work queue backed by this store.
	Queue() Queue

	// Close releases the underlying resources.
	Close() error
}
