// Package testharness provides scripted LLM providers and fixtures for
// exercising the routine and the turn service without a network.
package testharness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// Step is one scripted model response.
type Step struct {
	Chunks []*agent.CompletionChunk

	// Err is returned from Complete instead of a stream.
	Err error

	// Hang keeps the stream open after Chunks until the request context ends,
	// then reports the context error.
	Hang bool
}

// ScriptedProvider replays Steps in order, one per Complete call, and records
// every request it receives.
type ScriptedProvider struct {
	mu       sync.Mutex
	steps    []Step
	requests []*agent.CompletionRequest

	// Repeat replays the last step once the script is exhausted.
	Repeat bool
}

// NewScriptedProvider creates a provider that replays steps.
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// Name implements agent.LLMProvider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Complete implements agent.LLMProvider.
func (p *ScriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, snapshot(req))
	var step Step
	switch {
	case idx < len(p.steps):
		step = p.steps[idx]
	case p.Repeat && len(p.steps) > 0:
		step = p.steps[len(p.steps)-1]
	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("script exhausted after %d calls", len(p.steps))
	}
	p.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}

	ch := make(chan *agent.CompletionChunk)
	go func() {
		defer close(ch)
		for _, chunk := range step.Chunks {
			c := *chunk
			select {
			case ch <- &c:
			case <-ctx.Done():
				return
			}
		}
		if step.Hang {
			<-ctx.Done()
			select {
			case ch <- &agent.CompletionChunk{Error: ctx.Err()}:
			default:
			}
		}
	}()
	return ch, nil
}

// Calls returns how many times Complete was called.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Request returns the i-th recorded request.
func (p *ScriptedProvider) Request(i int) *agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.requests) {
		return nil
	}
	return p.requests[i]
}

func snapshot(req *agent.CompletionRequest) *agent.CompletionRequest {
	cp := *req
	cp.Messages = append([]agent.CompletionMessage(nil), req.Messages...)
	cp.Tools = append([]agent.ToolDefinition(nil), req.Tools...)
	return &cp
}

// Text is a step that streams text in the given pieces and then reports usage.
func Text(pieces ...string) Step {
	chunks := make([]*agent.CompletionChunk, 0, len(pieces)+1)
	for _, p := range pieces {
		chunks = append(chunks, &agent.CompletionChunk{Text: p})
	}
	chunks = append(chunks, &agent.CompletionChunk{Done: true, Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: len(pieces)}})
	return Step{Chunks: chunks}
}

// ToolCalls is a step that requests calls and then reports usage.
func ToolCalls(calls ...models.ToolCall) Step {
	chunks := make([]*agent.CompletionChunk, 0, len(calls)+1)
	for i := range calls {
		call := calls[i]
		chunks = append(chunks, &agent.CompletionChunk{ToolCall: &call})
	}
	chunks = append(chunks, &agent.CompletionChunk{Done: true, Usage: &agent.TokenUsage{InputTokens: 10, OutputTokens: 5}})
	return Step{Chunks: chunks}
}

// Call builds a tool call with args marshaled to JSON.
func Call(id, name string, args any) models.ToolCall {
	var raw json.RawMessage
	switch v := args.(type) {
	case nil:
		raw = json.RawMessage(`{}`)
	case string:
		raw = json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	return models.ToolCall{ID: id, Name: name, Arguments: raw}
}

// UserMessage builds a user message for a history slice.
func UserMessage(content string) *models.Message {
	return &models.Message{Role: models.RoleUser, Content: content}
}
