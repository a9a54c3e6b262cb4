package agent

import "strings"

// Agent is an immutable configuration handed to the routine per request.
// Nothing about which agent ran is persisted; only the messages are.
type Agent struct {
	Name  string
	Model string

	// Instructions is the static system prompt. InstructionsFunc, when set,
	// takes precedence and is evaluated once per routine run.
	Instructions     string
	InstructionsFunc func() string

	// Temperature is nil to use the provider default.
	Temperature *float64

	Tools []*Tool

	// ParallelToolCalls allows auto-run tools from one response to execute concurrently.
	ParallelToolCalls bool
}

// SystemPrompt renders the agent instructions.
func (a *Agent) SystemPrompt() string {
	if a.InstructionsFunc != nil {
		return strings.TrimSpace(a.InstructionsFunc())
	}
	return strings.TrimSpace(a.Instructions)
}

// Registry builds a lookup table over the agent's tools.
func (a *Agent) Registry() *ToolRegistry {
	return NewToolRegistry(a.Tools...)
}

// WithTools returns a copy of the agent using tools instead of its own.
func (a *Agent) WithTools(tools ...*Tool) *Agent {
	cp := *a
	cp.Tools = append([]*Tool(nil), tools...)
	return &cp
}

// Float is a helper for populating Temperature.
func Float(v float64) *float64 {
	return &v
}
