package memory

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ToolCall mirrors the provider wire shape for a requested tool invocation.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction is the named function and its arguments inside a ToolCall.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Metadata is the open attribute map attached to every node and edge,
// with the keys the core understands lifted into typed fields. Unknown
// keys round-trip opaquely through Extra so readers written against a
// newer schema never lose data.
type Metadata struct {
	// Role is the speaker for history/partial nodes.
	Role Role

	// Seq orders streamed fragments within a writer's turn before they
	// have distinct creation timestamps.
	Seq int

	// Done marks the terminal fragment of a role-run. Nil means the key
	// was absent, which is distinct from an explicit false.
	Done *bool

	ToolName  string
	ToolCalls []ToolCall
	Thinking  string
	Images    []string

	// ForkedFrom / ForkedAt are set on session nodes created by forking.
	ForkedFrom *uuid.UUID
	ForkedAt   *uuid.UUID

	// Extra holds every key the core does not model.
	Extra map[string]json.RawMessage
}

// known keys lifted out of the raw map.
const (
	metaKeyRole       = "role"
	metaKeySeq        = "seq"
	metaKeyDone       = "done"
	metaKeyToolName   = "tool_name"
	metaKeyToolCalls  = "tool_calls"
	metaKeyThinking   = "thinking"
	metaKeyImages     = "images"
	metaKeyForkedFrom = "forked_from"
	metaKeyForkedAt   = "forked_at"
)

// MarshalJSON flattens the typed fields and Extra into a single JSON object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+9)
	for k, v := range m.Extra {
		out[k] = v
	}

	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling metadata key %q: %w", key, err)
		}
		out[key] = raw
		return nil
	}

	if m.Role != "" {
		if err := put(metaKeyRole, m.Role); err != nil {
			return nil, err
		}
	}
	if m.Seq != 0 {
		if err := put(metaKeySeq, m.Seq); err != nil {
			return nil, err
		}
	}
	if m.Done != nil {
		if err := put(metaKeyDone, *m.Done); err != nil {
			return nil, err
		}
	}
	if m.ToolName != "" {
		if err := put(metaKeyToolName, m.ToolName); err != nil {
			return nil, err
		}
	}
	if len(m.ToolCalls) > 0 {
		if err := put(metaKeyToolCalls, m.ToolCalls); err != nil {
			return nil, err
		}
	}
	if m.Thinking != "" {
		if err := put(metaKeyThinking, m.Thinking); err != nil {
			return nil, err
		}
	}
	if len(m.Images) > 0 {
		if err := put(metaKeyImages, m.Images); err != nil {
			return nil, err
		}
	}
	if m.ForkedFrom != nil {
		if err := put(metaKeyForkedFrom, m.ForkedFrom.String()); err != nil {
			return nil, err
		}
	}
	if m.ForkedAt != nil {
		if err := put(metaKeyForkedAt, m.ForkedAt.String()); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON lifts known keys into typed fields and keeps the rest in
// Extra. Malformed known keys are an error; missing keys are tolerated.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling metadata: %w", err)
	}

	*m = Metadata{}

	for key, val := range raw {
		var err error
		switch key {
		case metaKeyRole:
			err = json.Unmarshal(val, &m.Role)
		case metaKeySeq:
			err = json.Unmarshal(val, &m.Seq)
		case metaKeyDone:
			var done bool
			if err = json.Unmarshal(val, &done); err == nil {
				m.Done = &done
			}
		case metaKeyToolName:
			err = json.Unmarshal(val, &m.ToolName)
		case metaKeyToolCalls:
			err = json.Unmarshal(val, &m.ToolCalls)
		case metaKeyThinking:
			err = json.Unmarshal(val, &m.Thinking)
		case metaKeyImages:
			err = json.Unmarshal(val, &m.Images)
		case metaKeyForkedFrom:
			m.ForkedFrom, err = unmarshalUUID(val)
		case metaKeyForkedAt:
			m.ForkedAt, err = unmarshalUUID(val)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[key] = val
		}
		if err != nil {
			return fmt.Errorf("unmarshaling metadata key %q: %w", key, err)
		}
	}

	return nil
}

func unmarshalUUID(raw json.RawMessage) (*uuid.UUID, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// DoneSet reports whether the done flag is explicitly true.
func (m Metadata) DoneSet() bool {
	return m.Done != nil && *m.Done
}
