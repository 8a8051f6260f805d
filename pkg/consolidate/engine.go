// Package consolidate merges streamed partial fragments into finalized
// history memories, exactly once, and runs the background workers that
// drain the consolidation schedule.
package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/mnemo/pkg/eventstream"
	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/session"
	"github.com/papercomputeco/mnemo/pkg/storage"
	"github.com/papercomputeco/mnemo/pkg/utils"
)

// group is one contiguous run of same-role partials. A group is closed
// when its final fragment carries done=true or a later fragment changed
// role; only closed groups are merged. The trailing open group is the
// conversation's in-flight turn and stays live for PeekPartials.
type group struct {
	nodes  []*memory.Node
	closed bool
}

// groupRuns splits ordered partials into role-runs. A new run starts on
// a role change or immediately after a done fragment.
func groupRuns(nodes []*memory.Node) []group {
	var groups []group
	for _, n := range nodes {
		if len(groups) > 0 {
			cur := &groups[len(groups)-1]
			prev := cur.nodes[len(cur.nodes)-1]
			if n.Meta.Role == prev.Meta.Role && !prev.Meta.DoneSet() {
				cur.nodes = append(cur.nodes, n)
				continue
			}
			// A role change closes the previous run even without done.
			cur.closed = true
		}
		groups = append(groups, group{nodes: []*memory.Node{n}})
	}
	if len(groups) > 0 {
		last := &groups[len(groups)-1]
		if last.nodes[len(last.nodes)-1].Meta.DoneSet() {
			last.closed = true
		}
	}
	return groups
}

// merged concatenates the run's content in order.
func (g group) merged() string {
	var sb strings.Builder
	for _, n := range g.nodes {
		sb.WriteString(n.Content)
	}
	return sb.String()
}

// anchor is the fragment promoted to history; the last of the run.
func (g group) anchor() *memory.Node {
	return g.nodes[len(g.nodes)-1]
}

// Engine consolidates one session at a time.
type Engine struct {
	store    storage.Driver
	resolver *session.Resolver
	events   eventstream.Publisher
	log      *zap.Logger
}

// NewEngine creates a consolidation engine. The publisher may be nil to
// disable event emission.
func NewEngine(store storage.Driver, resolver *session.Resolver, events eventstream.Publisher, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, resolver: resolver, events: events, log: log}
}

// ProcessRec consolidates the session owning the given memory. A rec
// without session membership is a no-op: the memory belongs to some
// non-session context.
func (e *Engine) ProcessRec(ctx context.Context, rec uuid.UUID) error {
	sessionID, err := e.resolver.SessionOf(ctx, rec)
	if err != nil {
		return fmt.Errorf("resolving session for %s: %w", rec, err)
	}
	if sessionID == uuid.Nil {
		e.log.Debug("memory has no session, skipping", zap.String("rec", rec.String()))
		return nil
	}
	return e.ConsolidateSession(ctx, sessionID)
}

// ConsolidateSession merges every closed role-run of the session's live
// partials under the session lock, so two workers never consolidate the
// same session concurrently. Safe to re-run: an already promoted anchor
// is detected and skipped.
func (e *Engine) ConsolidateSession(ctx context.Context, sessionID uuid.UUID) error {
	return e.store.WithSessionLock(ctx, sessionID, func(ctx context.Context) error {
		partials, err := e.store.SessionNodes(ctx, sessionID, memory.KindPartial)
		if err != nil {
			return fmt.Errorf("loading partials: %w", err)
		}
		if len(partials) == 0 {
			return nil
		}

		var (
			promoted   []uuid.UUID
			tombstoned int
		)
		for _, g := range groupRuns(partials) {
			if !g.closed {
				continue
			}

			anchor := g.anchor()
			rest := make([]uuid.UUID, 0, len(g.nodes)-1)
			for _, n := range g.nodes[:len(g.nodes)-1] {
				rest = append(rest, n.ID)
			}

			merged := g.merged()
			ok, err := e.store.PromoteGroup(ctx, anchor.ID, merged, rest)
			if err != nil {
				return fmt.Errorf("promoting group anchored at %s: %w", anchor.ID, err)
			}
			if !ok {
				e.log.Debug("group already consolidated, skipping",
					zap.String("anchor_id", anchor.ID.String()),
				)
				continue
			}

			promoted = append(promoted, anchor.ID)
			tombstoned += len(rest)
			e.log.Info("consolidated role run",
				zap.String("session_id", sessionID.String()),
				zap.String("anchor_id", anchor.ID.String()),
				zap.String("role", string(anchor.Meta.Role)),
				zap.Int("fragments", len(g.nodes)),
				zap.String("content", utils.Truncate(merged, 80)),
			)
		}

		if len(promoted) > 0 {
			e.publish(ctx, sessionID, promoted, tombstoned)
		}
		return nil
	})
}

// publish emits the consolidation event; failures are logged, never
// propagated, since the store is already consistent.
func (e *Engine) publish(ctx context.Context, sessionID uuid.UUID, promoted []uuid.UUID, tombstoned int) {
	if e.events == nil {
		return
	}

	event, err := eventstream.NewSessionConsolidatedEvent(sessionID, promoted, tombstoned)
	if err != nil {
		e.log.Warn("failed to build consolidation event", zap.Error(err))
		return
	}
	if err := e.events.PublishConsolidated(ctx, event); err != nil {
		e.log.Warn("failed to publish consolidation event",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
	}
}
