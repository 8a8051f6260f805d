// Package graph provides typed operations over the memory store:
// sessions, session messages, and general-purpose edges, with ownership
// and domain validation enforced above the raw storage driver.
package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

// Accessor wraps a storage driver with domain rules.
type Accessor struct {
	store storage.Driver
	log   *zap.Logger
}

// NewAccessor creates a graph accessor over the given store.
func NewAccessor(store storage.Driver, log *zap.Logger) *Accessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accessor{store: store, log: log}
}

// CreateSession creates a root session owned by ownerID. The title
// becomes the session node's content and may be empty.
func (a *Accessor) CreateSession(ctx context.Context, ownerID uuid.UUID, title string) (uuid.UUID, error) {
	id, err := a.store.CreateNode(ctx, memory.KindSession, title, ownerID, memory.Metadata{})
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating session: %w", err)
	}

	a.log.Debug("created session",
		zap.String("session_id", id.String()),
		zap.String("owner_id", ownerID.String()),
	)
	return id, nil
}

// ForkSession creates a child session inheriting the parent's history
// up to and including forkedAt. When forkedAt is nil it defaults to the
// parent's most recent message; a parent with no messages forks at the
// parent session node's own id, so messages appended to the parent
// afterwards stay invisible to the child.
func (a *Accessor) ForkSession(ctx context.Context, parentID, ownerID uuid.UUID, forkedAt *uuid.UUID) (uuid.UUID, error) {
	parent, err := a.store.GetNode(ctx, parentID, false)
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading parent session: %w", err)
	}
	if parent.Kind != memory.KindSession {
		return uuid.Nil, storage.ValidationError{Reason: "fork parent is not a session: " + string(parent.Kind)}
	}

	cutoff := forkedAt
	if cutoff == nil {
		nodes, err := a.store.SessionNodes(ctx, parentID, memory.KindHistory, memory.KindPartial)
		if err != nil {
			return uuid.Nil, fmt.Errorf("resolving fork point: %w", err)
		}
		if len(nodes) > 0 {
			// Newest by id, not by the store's (seq, id) order: direct
			// history appends carry seq zero.
			last := nodes[0].ID
			for _, n := range nodes[1:] {
				if memory.IDBefore(last, n.ID) {
					last = n.ID
				}
			}
			cutoff = &last
		} else {
			// No messages yet: the session node's own id precedes every
			// future message id, since ids are time-ordered.
			pid := parentID
			cutoff = &pid
		}
	}

	meta := memory.Metadata{ForkedFrom: &parentID, ForkedAt: cutoff}
	childID, err := a.store.CreateNode(ctx, memory.KindSession, parent.Content, ownerID, meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating forked session: %w", err)
	}

	if _, err := a.store.CreateEdge(ctx, childID, parentID, memory.RelationForkedFrom, ownerID, storage.EdgeOptions{}); err != nil {
		return uuid.Nil, fmt.Errorf("linking forked session: %w", err)
	}

	a.log.Debug("forked session",
		zap.String("parent_id", parentID.String()),
		zap.String("child_id", childID.String()),
		zap.String("forked_at", cutoff.String()),
	)
	return childID, nil
}

// AppendMessage creates a message node and its belongs_to edge to the
// session in one transactional unit.
func (a *Accessor) AppendMessage(ctx context.Context, sessionID, ownerID uuid.UUID, kind memory.Kind, content string, meta memory.Metadata) (uuid.UUID, error) {
	if !kind.IsMessage() {
		return uuid.Nil, storage.ValidationError{Reason: "not a message kind: " + string(kind)}
	}
	if !meta.Role.Valid() {
		return uuid.Nil, storage.ValidationError{Reason: "unknown role: " + string(meta.Role)}
	}

	session, err := a.store.GetNode(ctx, sessionID, false)
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading session: %w", err)
	}
	if session.Kind != memory.KindSession {
		return uuid.Nil, storage.ValidationError{Reason: "append target is not a session: " + string(session.Kind)}
	}

	id, err := a.store.CreateMessage(ctx, sessionID, kind, content, ownerID, meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("appending message: %w", err)
	}
	return id, nil
}

// AppendHistory writes a finalized message directly, bypassing
// consolidation.
func (a *Accessor) AppendHistory(ctx context.Context, sessionID, ownerID uuid.UUID, role memory.Role, content string, meta memory.Metadata) (uuid.UUID, error) {
	meta.Role = role
	return a.AppendMessage(ctx, sessionID, ownerID, memory.KindHistory, content, meta)
}

// AppendPartial writes one streamed fragment and schedules the session
// for consolidation. The enqueue is idempotent while a job for this
// fragment is still pending, so rapid chunk streams don't flood the
// schedule.
func (a *Accessor) AppendPartial(ctx context.Context, sessionID, ownerID uuid.UUID, role memory.Role, chunk string, seq int, done bool, meta memory.Metadata) (uuid.UUID, error) {
	meta.Role = role
	meta.Seq = seq
	if done {
		meta.Done = &done
	}

	id, err := a.AppendMessage(ctx, sessionID, ownerID, memory.KindPartial, chunk, meta)
	if err != nil {
		return uuid.Nil, err
	}

	if err := a.store.Queue().Enqueue(ctx, id); err != nil {
		// The fragment is already committed; a later append for this
		// session re-triggers scheduling, so log the orphan and surface
		// the failure.
		a.log.Warn("fragment stored but consolidation not scheduled",
			zap.String("fragment_id", id.String()),
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		return uuid.Nil, fmt.Errorf("scheduling consolidation: %w", err)
	}
	return id, nil
}

// ConnectMemories creates a general-purpose edge between two nodes. The
// caller must own the source node.
func (a *Accessor) ConnectMemories(ctx context.Context, fromID, toID uuid.UUID, relation string, actorID uuid.UUID, opts storage.EdgeOptions) (uuid.UUID, error) {
	if opts.Strength != nil && (*opts.Strength < -1 || *opts.Strength > 1) {
		return uuid.Nil, storage.ValidationError{Reason: "strength out of range [-1, 1]"}
	}
	if opts.Confidence != nil && (*opts.Confidence < 0 || *opts.Confidence > 1) {
		return uuid.Nil, storage.ValidationError{Reason: "confidence out of range [0, 1]"}
	}

	source, err := a.store.GetNode(ctx, fromID, false)
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading source node: %w", err)
	}
	if source.CreatedBy != actorID {
		return uuid.Nil, storage.PermissionError{Actor: actorID, NodeID: fromID}
	}
	if _, err := a.store.GetNode(ctx, toID, false); err != nil {
		return uuid.Nil, fmt.Errorf("loading target node: %w", err)
	}

	edgeID, err := a.store.CreateEdge(ctx, fromID, toID, relation, actorID, opts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("connecting memories: %w", err)
	}
	return edgeID, nil
}

// GetMemory retrieves a single live node.
func (a *Accessor) GetMemory(ctx context.Context, id uuid.UUID) (*memory.Node, error) {
	return a.store.GetNode(ctx, id, false)
}

// ForgetMemory tombstones a node owned by the actor.
func (a *Accessor) ForgetMemory(ctx context.Context, id, actorID uuid.UUID) error {
	node, err := a.store.GetNode(ctx, id, false)
	if err != nil {
		return err
	}
	if node.CreatedBy != actorID {
		return storage.PermissionError{Actor: actorID, NodeID: id}
	}
	return a.store.TombstoneNode(ctx, id)
}

// Edges returns edges touching a node on the given side, optionally
// filtered by relation.
func (a *Accessor) Edges(ctx context.Context, nodeID uuid.UUID, dir storage.Direction, relation string) ([]memory.Edge, error) {
	return a.store.QueryEdges(ctx, nodeID, dir, relation)
}

// ListSessions returns the owner's live sessions, newest first.
func (a *Accessor) ListSessions(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*memory.Node, error) {
	return a.store.ListNodes(ctx, ownerID, memory.KindSession, limit, offset)
}
