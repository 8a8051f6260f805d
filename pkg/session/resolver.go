// Package session materializes conversation history by walking a
// session's fork lineage back to its root.
package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

// Resolver reads ordered conversation history out of the memory graph.
type Resolver struct {
	store storage.Driver
	log   *zap.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store storage.Driver, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}
}

// MaterializeHistory returns the session's finalized messages oldest
// first, walking the fork chain leaf-to-root and applying each link's
// cutoff. Only history nodes appear; in-flight partials are served by
// PeekPartials instead.
//
// The walk accumulates from the leaf backward, prepending each
// ancestor's slice, so the result reads chronologically. A fork cutoff
// is inclusive: the message at the fork point is inherited.
func (r *Resolver) MaterializeHistory(ctx context.Context, sessionID uuid.UUID) ([]memory.Message, error) {
	var (
		out     []memory.Message
		cursor  = sessionID
		cutoff  *uuid.UUID
		visited = map[uuid.UUID]bool{}
	)

	for {
		if visited[cursor] {
			return nil, storage.DataIntegrityError{Reason: "fork cycle through session " + cursor.String()}
		}
		visited[cursor] = true

		node, err := r.store.GetNode(ctx, cursor, false)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", cursor, err)
		}
		if node.Kind != memory.KindSession {
			return nil, storage.ValidationError{Reason: "not a session: " + string(node.Kind)}
		}

		members, err := r.store.SessionNodes(ctx, cursor, memory.KindHistory)
		if err != nil {
			return nil, fmt.Errorf("loading session messages: %w", err)
		}

		// Consolidated anchors keep their fragment seq while direct
		// appends carry seq zero, so the store's (seq, id) order would
		// interleave them. Ids are time-ordered; id order is creation
		// order. Seq ordering stays with partials.
		sort.Slice(members, func(i, j int) bool {
			return memory.IDBefore(members[i].ID, members[j].ID)
		})

		var segment []memory.Message
		for _, m := range members {
			if cutoff != nil && !memory.IDBefore(m.ID, *cutoff) {
				continue
			}
			msg := memory.MessageFromNode(m)
			if msg.Blank() {
				continue
			}
			segment = append(segment, msg)
		}
		out = append(segment, out...)

		if node.Meta.ForkedFrom == nil {
			return out, nil
		}
		cutoff = node.Meta.ForkedAt
		cursor = *node.Meta.ForkedFrom
	}
}

// PeekPartials returns the session's live, not-yet-consolidated
// fragments in (seq, id) order. Used by streaming front ends to show
// the in-flight turn; never mixed into MaterializeHistory.
func (r *Resolver) PeekPartials(ctx context.Context, sessionID uuid.UUID) ([]memory.Message, error) {
	if _, err := r.store.GetNode(ctx, sessionID, false); err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	nodes, err := r.store.SessionNodes(ctx, sessionID, memory.KindPartial)
	if err != nil {
		return nil, fmt.Errorf("loading partials: %w", err)
	}

	out := make([]memory.Message, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memory.MessageFromNode(n))
	}
	return out, nil
}

// SessionOf resolves the session a message node belongs to by following
// its belongs_to edge. Returns uuid.Nil with no error when the node has
// no session membership.
func (r *Resolver) SessionOf(ctx context.Context, nodeID uuid.UUID) (uuid.UUID, error) {
	edges, err := r.store.QueryEdges(ctx, nodeID, storage.DirectionOutgoing, memory.RelationBelongsTo)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving session membership: %w", err)
	}
	if len(edges) == 0 {
		return uuid.Nil, nil
	}
	if len(edges) > 1 {
		r.log.Warn("node belongs to multiple sessions, using first",
			zap.String("node_id", nodeID.String()),
			zap.Int("memberships", len(edges)),
		)
	}
	return edges[0].TargetID, nil
}
