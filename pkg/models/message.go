package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the roles a thread may carry.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Thread is a conversation owned by one user.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProjectID string    `json:"project_id,omitempty"`
	VlabID    string    `json:"vlab_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn in a thread. Seq is assigned by the store on append.
type Message struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	Seq       int64      `json:"seq"`
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool-role fields. ToolCallID references the assistant call this message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasContent reports whether the message carries text.
func (m *Message) HasContent() bool {
	return m != nil && m.Content != ""
}

// HasToolCalls reports whether the message carries tool-call requests.
func (m *Message) HasToolCalls() bool {
	return m != nil && len(m.ToolCalls) > 0
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i := range m.ToolCalls {
			out.ToolCalls[i] = m.ToolCalls[i].Clone()
		}
	}
	return &out
}

// ToolCall represents an LLM's request to execute a tool.
//
// Validated is tri-state: nil while undecided, then true (accepted) or false
// (rejected). Once set it never changes.
type ToolCall struct {
	ID        string          `json:"id"`
	MessageID string          `json:"message_id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Validated *bool           `json:"validated"`
}

// Pending reports whether the call still awaits a decision.
func (c ToolCall) Pending() bool {
	return c.Validated == nil
}

// Clone returns a deep copy of the call.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), c.Arguments...)
	}
	if c.Validated != nil {
		v := *c.Validated
		out.Validated = &v
	}
	return out
}

// Bool returns a pointer to v, for populating Validated.
func Bool(v bool) *bool {
	return &v
}
