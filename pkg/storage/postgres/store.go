package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

const nodeColumns = `id, kind, content, _metadata, created_by, updated_by, _created_at, _updated_at, _deleted_at`

const edgeColumns = `id, source_id, target_id, relation, strength, confidence, _metadata, created_by, updated_by, _created_at`

// CreateNode inserts a node with a generated UUIDv7 id.
func (d *Driver) CreateNode(ctx context.Context, kind memory.Kind, content string, ownerID uuid.UUID, meta memory.Metadata) (uuid.UUID, error) {
	if ownerID == uuid.Nil {
		return uuid.Nil, storage.ValidationError{Reason: "owner id is required"}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating node id: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
	INSERT INTO memories (id, kind, content, _metadata, created_by, updated_by)
	VALUES ($1, $2, $3, $4, $5, $5)
	`
	if _, err := d.db.ExecContext(ctx, query, id, string(kind), content, metaJSON, ownerID); err != nil {
		return uuid.Nil, fmt.Errorf("inserting memory: %w", err)
	}

	return id, nil
}

// GetNode retrieves a node by id, excluding tombstones unless asked.
func (d *Driver) GetNode(ctx context.Context, id uuid.UUID, includeDeleted bool) (*memory.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM memories WHERE id = $1`
	if !includeDeleted {
		query += ` AND _deleted_at IS NULL`
	}

	node, err := scanNode(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning memory: %w", err)
	}
	return node, nil
}

// TombstoneNode soft-deletes a node. Idempotent.
func (d *Driver) TombstoneNode(ctx context.Context, id uuid.UUID) error {
	query := `
	UPDATE memories
	SET _deleted_at = NOW(), _updated_at = NOW()
	WHERE id = $1 AND _deleted_at IS NULL
	`
	res, err := d.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("tombstoning memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading tombstone result: %w", err)
	}
	if affected == 0 {
		// Either already tombstoned (a no-op) or genuinely absent.
		var exists bool
		if err := d.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM memories WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("checking memory existence: %w", err)
		}
		if !exists {
			return storage.NotFoundError{ID: id}
		}
	}
	return nil
}

// CreateEdge inserts an edge, upserting on the unique triple.
func (d *Driver) CreateEdge(ctx context.Context, sourceID, targetID uuid.UUID, relation string, ownerID uuid.UUID, opts storage.EdgeOptions) (uuid.UUID, error) {
	if sourceID == targetID {
		return uuid.Nil, storage.ValidationError{Reason: "self-referential edge"}
	}
	if relation == "" {
		return uuid.Nil, storage.ValidationError{Reason: "relation is required"}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating edge id: %w", err)
	}

	metaJSON, err := json.Marshal(opts.Meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling edge metadata: %w", err)
	}

	// The no-op DO UPDATE lets RETURNING yield the surviving row's id on
	// conflict, keeping re-creation an idempotent success.
	query := `
	INSERT INTO memory_edges (id, source_id, target_id, relation, strength, confidence, _metadata, created_by, updated_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	ON CONFLICT (source_id, target_id, relation)
	DO UPDATE SET updated_by = EXCLUDED.updated_by
	RETURNING id
	`
	var edgeID uuid.UUID
	if err := d.db.QueryRowContext(ctx, query,
		id, sourceID, targetID, relation, opts.Strength, opts.Confidence, metaJSON, ownerID,
	).Scan(&edgeID); err != nil {
		return uuid.Nil, fmt.Errorf("inserting edge: %w", err)
	}

	return edgeID, nil
}

// QueryEdges returns edges touching the node on the given side.
func (d *Driver) QueryEdges(ctx context.Context, nodeID uuid.UUID, dir storage.Direction, relation string) ([]memory.Edge, error) {
	var col string
	switch dir {
	case storage.DirectionOutgoing:
		col = "source_id"
	case storage.DirectionIncoming:
		col = "target_id"
	default:
		return nil, storage.ValidationError{Reason: "unknown edge direction: " + string(dir)}
	}

	query := `SELECT ` + edgeColumns + ` FROM memory_edges WHERE ` + col + ` = $1`
	args := []any{nodeID}
	if relation != "" {
		query += ` AND relation = $2`
		args = append(args, relation)
	}
	query += ` ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []memory.Edge
	for rows.Next() {
		var (
			e        memory.Edge
			metaJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation,
			&e.Strength, &e.Confidence, &metaJSON, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
			return nil, fmt.Errorf("unmarshaling edge metadata: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edges: %w", err)
	}
	return edges, nil
}

// CreateMessage inserts the message node and its belongs_to edge in one
// transaction.
func (d *Driver) CreateMessage(ctx context.Context, sessionID uuid.UUID, kind memory.Kind, content string, ownerID uuid.UUID, meta memory.Metadata) (uuid.UUID, error) {
	if ownerID == uuid.Nil {
		return uuid.Nil, storage.ValidationError{Reason: "owner id is required"}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating node id: %w", err)
	}
	edgeID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generating edge id: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, kind, content, _metadata, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		id, string(kind), content, metaJSON, ownerID); err != nil {
		return uuid.Nil, fmt.Errorf("inserting message node: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_edges (id, source_id, target_id, relation, _metadata, created_by, updated_by)
		VALUES ($1, $2, $3, $4, '{}', $5, $5)`,
		edgeID, id, sessionID, memory.RelationBelongsTo, ownerID); err != nil {
		return uuid.Nil, fmt.Errorf("inserting membership edge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("committing message: %w", err)
	}
	return id, nil
}

// SessionNodes returns live session members of the given kinds ordered
// by metadata seq ascending, ties broken by id.
func (d *Driver) SessionNodes(ctx context.Context, sessionID uuid.UUID, kinds ...memory.Kind) ([]*memory.Node, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(kinds))
	args := []any{sessionID}
	for i, k := range kinds {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(k))
	}

	query := `
	SELECT ` + prefixColumns("m", nodeColumns) + `
	FROM memories m
	JOIN memory_edges e
	  ON e.source_id = m.id
	 AND e.relation = '` + memory.RelationBelongsTo + `'
	WHERE e.target_id = $1
	  AND m.kind IN (` + strings.Join(placeholders, ", ") + `)
	  AND m._deleted_at IS NULL
	ORDER BY COALESCE((m._metadata->>'seq')::int, 0) ASC, m.id ASC
	`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// ListNodes returns the owner's live nodes of one kind, newest first.
func (d *Driver) ListNodes(ctx context.Context, ownerID uuid.UUID, kind memory.Kind, limit, offset int) ([]*memory.Node, error) {
	query := `
	SELECT ` + nodeColumns + `
	FROM memories
	WHERE created_by = $1 AND kind = $2 AND _deleted_at IS NULL
	ORDER BY id DESC
	LIMIT $3 OFFSET $4
	`
	rows, err := d.db.QueryContext(ctx, query, ownerID, string(kind), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// PromoteGroup finalizes a consolidation group. The anchor flips to
// history first; only then are the predecessors tombstoned, so a crash
// mid-transaction leaves extra live partials, never an orphaned group.
func (d *Driver) PromoteGroup(ctx context.Context, anchorID uuid.UUID, content string, tombstone []uuid.UUID) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET kind = $1, content = $2, _updated_at = NOW()
		WHERE id = $3 AND kind = $4 AND _deleted_at IS NULL`,
		string(memory.KindHistory), content, anchorID, string(memory.KindPartial))
	if err != nil {
		return false, fmt.Errorf("promoting anchor: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading promotion result: %w", err)
	}
	if affected == 0 {
		// Anchor already promoted by an earlier run.
		return false, nil
	}

	for _, id := range tombstone {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET _deleted_at = NOW(), _updated_at = NOW()
			WHERE id = $1 AND kind = $2 AND _deleted_at IS NULL`,
			id, string(memory.KindPartial)); err != nil {
			return false, fmt.Errorf("tombstoning merged partial: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing promotion: %w", err)
	}
	return true, nil
}

// WithSessionLock serializes fn per session using a transaction-scoped
// advisory lock, released automatically when the transaction ends even
// if the worker dies mid-flight.
func (d *Driver) WithSessionLock(ctx context.Context, sessionID uuid.UUID, fn func(ctx context.Context) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning lock transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, sessionLockKey(sessionID)); err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("releasing session lock: %w", err)
	}
	return nil
}

// sessionLockKey folds a session uuid into the int64 advisory lock space.
func sessionLockKey(sessionID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(sessionID[:])
	return int64(h.Sum64())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*memory.Node, error) {
	var (
		node     memory.Node
		kind     string
		metaJSON []byte
		deleted  sql.NullTime
	)
	if err := row.Scan(&node.ID, &kind, &node.Content, &metaJSON,
		&node.CreatedBy, &node.UpdatedBy, &node.CreatedAt, &node.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	node.Kind = memory.Kind(kind)
	if deleted.Valid {
		t := deleted.Time
		node.DeletedAt = &t
	}
	if err := json.Unmarshal(metaJSON, &node.Meta); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &node, nil
}

func scanNodes(rows *sql.Rows) ([]*memory.Node, error) {
	var nodes []*memory.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}
	return nodes, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
