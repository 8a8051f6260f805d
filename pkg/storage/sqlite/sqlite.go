// Package sqlite provides a SQLite storage driver for single-file and
// in-memory deployments. SQLite has no row-level SKIP LOCKED, so job
// claiming uses a started_at lease column reclaimed by SweepAbandoned,
// and per-session serialization uses in-process mutexes: the sqlite
// backend assumes a single process owns the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/papercomputeco/mnemo/pkg/memory"
	"github.com/papercomputeco/mnemo/pkg/storage"
)

// Driver implements storage.Driver on SQLite.
type Driver struct {
	db    *sql.DB
	queue *queue

	sessionMu sync.Mutex
	sessions  map[uuid.UUID]*sync.Mutex
}

// NewDriver opens a SQLite-backed store. The dbPath can be a file path
// or ":memory:" for an in-memory database.
func NewDriver(dbPath string) (*Driver, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &Driver{
		db:       db,
		sessions: make(map[uuid.UUID]*sync.Mutex),
	}
	d.queue = &queue{db: db}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

// migrate creates the tables if they don't exist.
func (d *Driver) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		_metadata   TEXT NOT NULL DEFAULT '{}',
		created_by  TEXT NOT NULL,
		updated_by  TEXT NOT NULL,
		_created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		_deleted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_memories_owner_kind
		ON memories(created_by, kind) WHERE _deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS memory_edges (
		id          TEXT PRIMARY KEY,
		source_id   TEXT NOT NULL REFERENCES memories(id),
		target_id   TEXT NOT NULL REFERENCES memories(id),
		relation    TEXT NOT NULL,
		strength    REAL,
		confidence  REAL,
		_metadata   TEXT NOT NULL DEFAULT '{}',
		created_by  TEXT NOT NULL,
		updated_by  TEXT NOT NULL,
		_created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (source_id <> target_id),
		UNIQUE (source_id, target_id, relation)
	);

	CREATE INDEX IF NOT EXISTS idx_memory_edges_target
		ON memory_edges(target_id, relation);

	CREATE TABLE IF NOT EXISTS consolidation_schedule (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		rec         TEXT NOT NULL,
		queued_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at  DATETIME,
		finished_at DATETIME,
		error_msg   TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_consolidation_schedule_pending
		ON consolidation_schedule(rec) WHERE finished_at IS NULL;
	`

	_, err := d.db.Exec(schema)
	return err
}

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
	VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := d.db.ExecContext(ctx, query,
		id.String(), string(kind), content, string(metaJSON), ownerID.String(), ownerID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("inserting memory: %w", err)
	}

	return id, nil
}

// GetNode retrieves a node by id, excluding tombstones unless asked.
func (d *Driver) GetNode(ctx context.Context, id uuid.UUID, includeDeleted bool) (*memory.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM memories WHERE id = ?`
	if !includeDeleted {
		query += ` AND _deleted_at IS NULL`
	}

	node, err := scanNode(d.db.QueryRowContext(ctx, query, id.String()))
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
	res, err := d.db.ExecContext(ctx, `
		UPDATE memories
		SET _deleted_at = CURRENT_TIMESTAMP, _updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND _deleted_at IS NULL`, id.String())
	if err != nil {
		return fmt.Errorf("tombstoning memory: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading tombstone result: %w", err)
	}
	if affected == 0 {
		var exists int
		err := d.db.QueryRowContext(ctx,
			`SELECT 1 FROM memories WHERE id = ? LIMIT 1`, id.String()).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NotFoundError{ID: id}
		}
		if err != nil {
			return fmt.Errorf("checking memory existence: %w", err)
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

	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO memory_edges (id, source_id, target_id, relation, strength, confidence, _metadata, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, target_id, relation) DO NOTHING`,
		id.String(), sourceID.String(), targetID.String(), relation,
		opts.Strength, opts.Confidence, string(metaJSON), ownerID.String(), ownerID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("inserting edge: %w", err)
	}

	// Read back the surviving row so duplicate creation returns the
	// existing edge's id.
	var existing string
	if err := d.db.QueryRowContext(ctx, `
		SELECT id FROM memory_edges
		WHERE source_id = ? AND target_id = ? AND relation = ?`,
		sourceID.String(), targetID.String(), relation).Scan(&existing); err != nil {
		return uuid.Nil, fmt.Errorf("reading edge id: %w", err)
	}

	edgeID, err := uuid.Parse(existing)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing edge id: %w", err)
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

	query := `SELECT ` + edgeColumns + ` FROM memory_edges WHERE ` + col + ` = ?`
	args := []any{nodeID.String()}
	if relation != "" {
		query += ` AND relation = ?`
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
			metaJSON string
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation,
			&e.Strength, &e.Confidence, &metaJSON, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Meta); err != nil {
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
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), string(kind), content, string(metaJSON), ownerID.String(), ownerID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("inserting message node: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_edges (id, source_id, target_id, relation, _metadata, created_by, updated_by)
		VALUES (?, ?, ?, ?, '{}', ?, ?)`,
		edgeID.String(), id.String(), sessionID.String(), memory.RelationBelongsTo,
		ownerID.String(), ownerID.String()); err != nil {
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
	args := []any{sessionID.String()}
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}

	query := `
	SELECT ` + prefixColumns("m", nodeColumns) + `
	FROM memories m
	JOIN memory_edges e
	  ON e.source_id = m.id
	 AND e.relation = '` + memory.RelationBelongsTo + `'
	WHERE e.target_id = ?
	  AND m.kind IN (` + strings.Join(placeholders, ", ") + `)
	  AND m._deleted_at IS NULL
	ORDER BY COALESCE(json_extract(m._metadata, '$.seq'), 0) ASC, m.id ASC
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
	WHERE created_by = ? AND kind = ? AND _deleted_at IS NULL
	ORDER BY id DESC
	LIMIT ? OFFSET ?
	`
	rows, err := d.db.QueryContext(ctx, query, ownerID.String(), string(kind), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// PromoteGroup finalizes a consolidation group: anchor first, then the
// tombstones, in one transaction.
func (d *Driver) PromoteGroup(ctx context.Context, anchorID uuid.UUID, content string, tombstone []uuid.UUID) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET kind = ?, content = ?, _updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND kind = ? AND _deleted_at IS NULL`,
		string(memory.KindHistory), content, anchorID.String(), string(memory.KindPartial))
	if err != nil {
		return false, fmt.Errorf("promoting anchor: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading promotion result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, id := range tombstone {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories
			SET _deleted_at = CURRENT_TIMESTAMP, _updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND kind = ? AND _deleted_at IS NULL`,
			id.String(), string(memory.KindPartial)); err != nil {
			return false, fmt.Errorf("tombstoning merged partial: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing promotion: %w", err)
	}
	return true, nil
}

// WithSessionLock serializes fn per session with in-process mutexes.
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

// Queue returns the consolidation queue backed by the same database.
func (d *Driver) Queue() storage.Queue {
	return d.queue
}

// Close closes the database connection.
func (d *Driver) Close() error {
	return d.db.Close()
}

const nodeColumns = `id, kind, content, _metadata, created_by, updated_by, _created_at, _updated_at, _deleted_at`

const edgeColumns = `id, source_id, target_id, relation, strength, confidence, _metadata, created_by, updated_by, _created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*memory.Node, error) {
	var (
		node     memory.Node
		kind     string
		metaJSON string
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
	if err := json.Unmarshal([]byte(metaJSON), &node.Meta); err != nil {
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

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

var _ storage.Driver = (*Driver)(nil)
