// Package inmemory provides a mutex-guarded map implementation of
// storage.Driver and storage.Queue, used for tests and zero-dependency
// single-process runs.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

type edgeKey struct {
	source   uuid.UUID
	target   uuid.UUID
	relation string
}

// Driver implements storage.Driver backed by in-memory maps.
type Driver struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*memory.Node
	edges map[edgeKey]*memory.Edge

	sessionMu sync.Mutex
	sessions  map[uuid.UUID]*sync.Mutex

	queue *queue
}

// NewDriver creates an empty in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		nodes:    make(map[uuid.UUID]*memory.Node),
		edges:    make(map[edgeKey]*memory.Edge),
		sessions: make(map[uuid.UUID]*sync.Mutex),
		queue:    newQueue(),
	}
}

func newID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating node id: %w", err)
	}
	return id, nil
}

// CreateNode stores a new node with a generated time-ordered id.
func (d *Driver) CreateNode(_ context.Context, kind memory.Kind, content string, ownerID uuid.UUID, meta memory.Metadata) (uuid.UUID, error) {
	if ownerID == uuid.Nil {
		return uuid.Nil, storage.ValidationError{Reason: "owner id is required"}
	}

	id, err := newID()
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	node := &memory.Node{
		ID:        id,
		Kind:      kind,
		Content:   content,
		Meta:      meta,
		CreatedBy: ownerID,
		UpdatedBy: ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[id] = node

	return id, nil
}

// GetNode retrieves a node, excluding tombstones unless asked.
func (d *Driver) GetNode(_ context.Context, id uuid.UUID, includeDeleted bool) (*memory.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	node, ok := d.nodes[id]
	if !ok || (!includeDeleted && node.Deleted()) {
		return nil, storage.NotFoundError{ID: id}
	}

	cp := *node
	return &cp, nil
}

// TombstoneNode soft-deletes a node. Idempotent.
func (d *Driver) TombstoneNode(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return storage.NotFoundError{ID: id}
	}
	if node.Deleted() {
		return nil
	}

	now := time.Now().UTC()
	node.DeletedAt = &now
	node.UpdatedAt = now
	return nil
}

// CreateEdge stores an edge, upserting on the unique triple.
func (d *Driver) CreateEdge(_ context.Context, sourceID, targetID uuid.UUID, relation string, ownerID uuid.UUID, opts storage.EdgeOptions) (uuid.UUID, error) {
	if sourceID == targetID {
		return uuid.Nil, storage.ValidationError{Reason: "self-referential edge"}
	}
	if relation == "" {
		return uuid.Nil, storage.ValidationError{Reason: "relation is required"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := edgeKey{source: sourceID, target: targetID, relation: relation}
	if existing, ok := d.edges[key]; ok {
		return existing.ID, nil
	}

	id, err := newID()
	if err != nil {
		return uuid.Nil, err
	}

	d.edges[key] = &memory.Edge{
		ID:         id,
		SourceID:   sourceID,
		TargetID:   targetID,
		Relation:   relation,
		Strength:   opts.Strength,
		Confidence: opts.Confidence,
		Meta:       opts.Meta,
		CreatedBy:  ownerID,
		UpdatedBy:  ownerID,
		CreatedAt:  time.Now().UTC(),
	}

	return id, nil
}

// QueryEdges returns edges touching the node on the given side.
func (d *Driver) QueryEdges(_ context.Context, nodeID uuid.UUID, dir storage.Direction, relation string) ([]memory.Edge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []memory.Edge
	for _, e := range d.edges {
		switch dir {
		case storage.DirectionOutgoing:
			if e.SourceID != nodeID {
				continue
			}
		case storage.DirectionIncoming:
			if e.TargetID != nodeID {
				continue
			}
		default:
			return nil, storage.ValidationError{Reason: "unknown edge direction: " + string(dir)}
		}
		if relation != "" && e.Relation != relation {
			continue
		}
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

// CreateMessage stores a message node and its belongs_to edge together.
// The in-memory store holds its lock across both writes, so readers
// never observe the node without the edge.
func (d *Driver) CreateMessage(ctx context.Context, sessionID uuid.UUID, kind memory.Kind, content string, ownerID uuid.UUID, meta memory.Metadata) (uuid.UUID, error) {
	if ownerID == uuid.Nil {
		return uuid.Nil, storage.ValidationError{Reason: "owner id is required"}
	}

	id, err := newID()
	if err != nil {
		return uuid.Nil, err
	}
	edgeID, err := newID()
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nodes[id] = &memory.Node{
		ID:        id,
		Kind:      kind,
		Content:   content,
		Meta:      meta,
		CreatedBy: ownerID,
		UpdatedBy: ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.edges[edgeKey{source: id, target: sessionID, relation: memory.RelationBelongsTo}] = &memory.Edge{
		ID:        edgeID,
		SourceID:  id,
		TargetID:  sessionID,
		Relation:  memory.RelationBelongsTo,
		CreatedBy: ownerID,
		UpdatedBy: ownerID,
		CreatedAt: now,
	}

	return id, nil
}

// SessionNodes returns live session members of the given kinds in
// (seq, id) order.
func (d *Driver) SessionNodes(_ context.Context, sessionID uuid.UUID, kinds ...memory.Kind) ([]*memory.Node, error) {
	wanted := make(map[memory.Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*memory.Node
	for _, e := range d.edges {
		if e.Relation != memory.RelationBelongsTo || e.TargetID != sessionID {
			continue
		}
		node, ok := d.nodes[e.SourceID]
		if !ok || node.Deleted() || !wanted[node.Kind] {
			continue
		}
		cp := *node
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Meta.Seq != out[j].Meta.Seq {
			return out[i].Meta.Seq < out[j].Meta.Seq
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

// ListNodes returns the owner's live nodes of one kind, newest first.
func (d *Driver) ListNodes(_ context.Context, ownerID uuid.UUID, kind memory.Kind, limit, offset int) ([]*memory.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var all []*memory.Node
	for _, node := range d.nodes {
		if node.Deleted() || node.Kind != kind || node.CreatedBy != ownerID {
			continue
		}
		cp := *node
		all = append(all, &cp)
	}

	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i].ID[:], all[j].ID[:]) > 0
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// PromoteGroup finalizes a consolidation group atomically under the
// store lock. The anchor is updated before the rest are tombstoned, so
// an interrupted promotion leaves extra live partials rather than an
// orphaned group.
func (d *Driver) PromoteGroup(_ context.Context, anchorID uuid.UUID, content string, tombstone []uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	anchor, ok := d.nodes[anchorID]
	if !ok {
		return false, storage.DataIntegrityError{Reason: "consolidation anchor missing: " + anchorID.String()}
	}
	if anchor.Kind != memory.KindPartial || anchor.Deleted() {
		// Already promoted by an earlier run.
		return false, nil
	}

	now := time.Now().UTC()
	anchor.Kind = memory.KindHistory
	anchor.Content = content
	anchor.UpdatedAt = now

	for _, id := range tombstone {
		node, ok := d.nodes[id]
		if !ok || node.Deleted() || node.Kind != memory.KindPartial {
			continue
		}
		ts := now
		node.DeletedAt = &ts
		node.UpdatedAt = now
	}

	return true, nil
}

// WithSessionLock serializes fn per session id.
func (d *Driver) WithSessionLock(ctx context.Context, sessionID uuid.UUID, fn func(ctx context.Context) error) error {
	d.sessionMu.Lock()
	lock, ok := d.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		d.sessions[sessionID] = lock
	}
	d.sessionMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

// Queue returns the in-memory consolidation queue.
func (d *Driver) Queue() storage.Queue {
	return d.queue
}

// Jobs returns a snapshot of the queue contents, for tests and debugging.
func (d *Driver) Jobs() []storage.Job {
	return d.queue.Jobs()
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}

var _ storage.Driver = (*Driver)(nil)
