package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/retry"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// GoogleConfig configures the Gemini API backend.
type GoogleConfig struct {
	APIKey string

	// BaseURL overrides the API root, e.g. for a regional gateway.
	BaseURL string

	DefaultModel string

	// Retry governs retries until the first streamed response arrives.
	Retry retry.Config

	HTTPClient *http.Client
}

// GoogleProvider streams Gemini content generation with function calling.
//
// Gemini returns function calls whole, often without an ID, so calls without
// one are given a generated ID. Function responses are matched to their call
// by ID to recover the function name, and consecutive tool results are sent
// as one user turn. The prompt token count includes cached content, which is
// split out of the input count.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	retry        retry.Config
}

// NewGoogleProvider creates a provider. An API key is required.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}
	config.Retry.ShouldRetry = IsRetryable

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions.BaseURL = strings.TrimRight(config.BaseURL, "/") + "/"
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		retry:        config.Retry,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Complete implements agent.LLMProvider.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	config, err := buildGeminiConfig(req)
	if err != nil {
		return nil, err
	}

	var (
		next  func() (*genai.GenerateContentResponse, error, bool)
		stop  func()
		first *genai.GenerateContentResponse
	)
	res := retry.Do(ctx, p.retry, func(int) error {
		n, s := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, config))
		resp, streamErr, ok := n()
		if !ok {
			s()
			return p.wrapError(errors.New("stream ended before any response"), model)
		}
		if streamErr != nil {
			s()
			return p.wrapError(streamErr, model)
		}
		next, stop, first = n, s, resp
		return nil
	})
	if res.Err != nil {
		return nil, res.Err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stop()
		p.processStream(ctx, first, next, chunks, model)
	}()
	return chunks, nil
}

// processStream consumes a stream whose first response has already been read.
func (p *GoogleProvider) processStream(ctx context.Context, resp *genai.GenerateContentResponse, next func() (*genai.GenerateContentResponse, error, bool), chunks chan<- *agent.CompletionChunk, model string) {
	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *agent.TokenUsage
	for {
		if resp != nil {
			if resp.UsageMetadata != nil {
				usage = geminiUsage(resp.UsageMetadata)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" && !part.Thought {
						if !send(&agent.CompletionChunk{Text: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						if !send(&agent.CompletionChunk{ToolCall: geminiToolCall(part.FunctionCall)}) {
							return
						}
					}
				}
			}
		}

		var (
			err error
			ok  bool
		)
		resp, err, ok = next()
		if !ok {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
	}
	if err := ctx.Err(); err != nil {
		send(&agent.CompletionChunk{Error: err})
		return
	}
	send(&agent.CompletionChunk{Done: true, Usage: usage})
}

func geminiToolCall(fc *genai.FunctionCall) *models.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return &models.ToolCall{ID: id, Name: fc.Name, Arguments: json.RawMessage(args)}
}

func geminiUsage(u *genai.GenerateContentResponseUsageMetadata) *agent.TokenUsage {
	cached := int(u.CachedContentTokenCount)
	input := int(u.PromptTokenCount) - cached
	if input < 0 {
		input = 0
	}
	return &agent.TokenUsage{InputTokens: input, CachedInputTokens: cached, OutputTokens: int(u.CandidatesTokenCount)}
}

func buildGeminiConfig(req *agent.CompletionRequest) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertGeminiTools(req.Tools)
		if err != nil {
			return nil, err
		}
		config.Tools = tools
	}
	return config, nil
}

func convertGeminiMessages(messages []agent.CompletionMessage) ([]*genai.Content, error) {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			names[call.ID] = call.Name
		}
	}

	var (
		result    []*genai.Content
		responses []*genai.Part
	)
	flushResponses := func() {
		if len(responses) > 0 {
			result = append(result, &genai.Content{Role: genai.RoleUser, Parts: responses})
			responses = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			name, ok := names[msg.ToolCallID]
			if !ok {
				return nil, fmt.Errorf("google: tool result %s has no matching call", msg.ToolCallID)
			}
			responses = append(responses, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     name,
				Response: geminiResponse(msg.Content, msg.IsError),
			}})
			continue
		}
		flushResponses()

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			args := map[string]any{}
			if len(strings.TrimSpace(string(call.Arguments))) > 0 {
				if err := json.Unmarshal(call.Arguments, &args); err != nil {
					return nil, fmt.Errorf("google: invalid tool call input for %s: %w", call.Name, err)
				}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   call.ID,
				Name: call.Name,
				Args: args,
			}})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	flushResponses()
	return result, nil
}

// geminiResponse wraps a tool result as the object Gemini expects. JSON
// object results are passed through.
func geminiResponse(content string, isError bool) map[string]any {
	if !isError {
		var obj map[string]any
		if json.Unmarshal([]byte(content), &obj) == nil && obj != nil {
			return obj
		}
		return map[string]any{"output": content}
	}
	return map[string]any{"error": content}
}

func convertGeminiTools(tools []agent.ToolDefinition) ([]*genai.Tool, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("google: invalid tool schema for %s: %w", tool.Name, err)
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  geminiSchema(schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}, nil
}

// geminiSchema converts the subset of JSON Schema Gemini accepts. Keywords it
// has no field for, such as additionalProperties, are dropped.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}

	switch t := m["type"].(type) {
	case string:
		schema.Type = genai.Type(strings.ToUpper(t))
	case []any:
		for _, v := range t {
			s, _ := v.(string)
			if s == "null" {
				schema.Nullable = genai.Ptr(true)
			} else if s != "" && schema.Type == "" {
				schema.Type = genai.Type(strings.ToUpper(s))
			}
		}
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if format, ok := m["format"].(string); ok {
		schema.Format = format
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(pm)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return NewProviderError("google", model, err)
		}
		apiErr = *ptr
	}
	providerErr := NewProviderError("google", model, err).WithStatus(apiErr.Code)
	if apiErr.Message != "" {
		providerErr.WithMessage(apiErr.Message)
	}
	if apiErr.Status != "" {
		providerErr.WithCode(apiErr.Status)
	}
	return providerErr
}
