package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the routine. They must be safe for
// concurrent use; many requests may call Complete simultaneously.
//
// See Also:
//   - providers.OpenAIProvider for OpenAI-compatible endpoints
//   - providers.AnthropicProvider for Anthropic Claude
type LLMProvider interface {
	// Complete sends a request and returns a stream of chunks. The channel is
	// closed after a chunk with Done or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. Empty selects the provider default.
	Model string `json:"model"`

	// System is the rendered agent instructions.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the strict definitions the model may call.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is nil to use the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// ParallelToolCalls lets the model request several calls in one response.
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`
}

// CompletionMessage is one provider-neutral conversation entry.
//
// Role values: "user", "assistant", "tool". Tool messages carry exactly one
// result identified by ToolCallID.
type CompletionMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// ToolDefinition is the provider-facing description of a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Processing Example:
//
//	for chunk := range chunks {
//	    switch {
//	    case chunk.Error != nil:
//	        return chunk.Error
//	    case chunk.ToolCall != nil:
//	        calls = append(calls, *chunk.ToolCall)
//	    case chunk.Text != "":
//	        fmt.Print(chunk.Text)
//	    case chunk.Done:
//	        usage = chunk.Usage
//	    }
//	}
type CompletionChunk struct {
	// Text contains partial response text
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool call request
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true on the final chunk of a successful stream
	Done bool `json:"done,omitempty"`

	// Error terminates the stream
	Error error `json:"-"`

	// Usage is reported on the final chunk when the backend provides it
	Usage *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage counts tokens by billing category for one model call.
// InputTokens excludes CachedInputTokens.
type TokenUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if u == nil || other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.OutputTokens += other.OutputTokens
}
