// Package memory defines the graph domain types: nodes ("memories"),
// directed typed edges between them, and the message view handed to
// language model callers.
package memory

// Kind tags the role a node plays in the graph.
type Kind string

const (
	// KindSession is a conversation thread node. Sessions may fork from
	// other sessions via Metadata.ForkedFrom / Metadata.ForkedAt.
	KindSession Kind = "session"

	// KindHistory is a finalized, immutable message node.
	KindHistory Kind = "history"

	// KindPartial is a streamed, not-yet-consolidated message fragment.
	KindPartial Kind = "partial"

	KindRole     Kind = "role"
	KindCategory Kind = "category"
	KindEntity   Kind = "entity"
	KindTool     Kind = "tool"
)

// IsMessage reports whether nodes of this kind carry conversational
// content and therefore require a role.
func (k Kind) IsMessage() bool {
	return k == KindHistory || k == KindPartial
}

// Role identifies the speaker of a message node.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the closed set of message roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Edge relations used by the core. Relation is an open string; these are
// the ones the engine itself reads.
const (
	// RelationBelongsTo links a message node to its owning session
	// (message -> session). This is the canonical membership direction;
	// the reverse form is not supported.
	RelationBelongsTo = "belongs_to"

	// RelationForkedFrom optionally links a child session to its parent
	// as a queryable decoration. The authoritative fork pointer is the
	// session's Metadata.ForkedFrom.
	RelationForkedFrom = "forked_from"

	// RelationReferences is a general semantic link between memories.
	RelationReferences = "references"
)
