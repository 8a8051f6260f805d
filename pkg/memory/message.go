package memory

// Message is the minimal shape a materialized history entry needs for
// submission to a language model. Optional fields are emitted only when
// present on the underlying node.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Done      *bool      `json:"done,omitempty"`
	Images    []string   `json:"images,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
}

// MessageFromNode projects a history or partial node onto the message
// shape sent to the model.
func MessageFromNode(n *Node) Message {
	return Message{
		Role:      n.Meta.Role,
		Content:   n.Content,
		Done:      n.Meta.Done,
		Images:    n.Meta.Images,
		ToolName:  n.Meta.ToolName,
		ToolCalls: n.Meta.ToolCalls,
		Thinking:  n.Meta.Thinking,
	}
}

// Blank reports whether the message carries nothing worth replaying: no
// content, no tool calls, no images, and no explicit done flag. Such
// entries are streaming noise and are dropped from materialized history.
func (m Message) Blank() bool {
	return m.Content == "" &&
		len(m.ToolCalls) == 0 &&
		len(m.Images) == 0 &&
		m.Done == nil
}
