package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Valid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleTool, true},
		{Role("system"), false},
		{Role(""), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := tt.role.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_Flags(t *testing.T) {
	var nilMsg *Message
	if nilMsg.HasContent() || nilMsg.HasToolCalls() {
		t.Fatal("nil message should report no content and no tool calls")
	}

	msg := &Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "t"}}}
	if msg.HasContent() {
		t.Error("HasContent() = true for empty content")
	}
	if !msg.HasToolCalls() {
		t.Error("HasToolCalls() = false with one call")
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := &Message{
		ID:   "m1",
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:        "c1",
			Name:      "weather",
			Arguments: json.RawMessage(`{"city":"Bern"}`),
			Validated: Bool(true),
		}},
	}
	cp := orig.Clone()
	cp.ToolCalls[0].Arguments[2] = 'X'
	*cp.ToolCalls[0].Validated = false
	cp.ToolCalls[0].Name = "other"

	if string(orig.ToolCalls[0].Arguments) != `{"city":"Bern"}` {
		t.Errorf("arguments mutated through clone: %s", orig.ToolCalls[0].Arguments)
	}
	if !*orig.ToolCalls[0].Validated {
		t.Error("validated mutated through clone")
	}
	if orig.ToolCalls[0].Name != "weather" {
		t.Error("name mutated through clone")
	}
}

func TestToolCall_Pending(t *testing.T) {
	if !(ToolCall{}).Pending() {
		t.Error("zero call should be pending")
	}
	if (ToolCall{Validated: Bool(false)}).Pending() {
		t.Error("rejected call should not be pending")
	}
}
