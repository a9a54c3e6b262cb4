package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/retry"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that carry nothing before a
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures the Anthropic Messages backend.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// Retry governs retries until the first stream event arrives.
	Retry retry.Config

	HTTPClient *http.Client
}

// AnthropicProvider streams Claude messages with tool use.
//
// Tool results are sent as tool_result blocks in a user message; consecutive
// results are grouped into one message as the API requires. Usage comes from
// message_start (input and cache reads) and message_delta (output).
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        retry.Config
}

// NewAnthropicProvider creates a provider. An API key is required.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}
	config.Retry.ShouldRetry = IsRetryable

	// Retries are handled here so the SDK must not retry on its own.
	options := []option.RequestOption{option.WithAPIKey(config.APIKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(config.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		retry:        config.Retry,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete implements agent.LLMProvider.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	res := retry.Do(ctx, p.retry, func(int) error {
		s := p.client.Messages.NewStreaming(ctx, params)
		if !s.Next() {
			err := s.Err()
			_ = s.Close()
			if err == nil {
				err = errors.New("stream ended before any event")
			}
			return p.wrapError(err, model)
		}
		stream = s
		return nil
	})
	if res.Err != nil {
		return nil, res.Err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
		if !req.ParallelToolCalls {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
			}
		}
	}
	return params, nil
}

// processStream consumes a stream whose first event has already been read.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		current   *models.ToolCall
		input     strings.Builder
		usage     agent.TokenUsage
		emptyRuns int
	)

	for {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			u := event.AsMessageStart().Message.Usage
			usage.InputTokens = int(u.InputTokens)
			usage.CachedInputTokens = int(u.CacheReadInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			} else {
				processed = block.Type == "text"
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case delta.Type == "input_json_delta":
				input.WriteString(delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			if current != nil {
				raw := strings.TrimSpace(input.String())
				if raw == "" {
					raw = "{}"
				}
				current.Arguments = json.RawMessage(raw)
				if !send(&agent.CompletionChunk{ToolCall: current}) {
					return
				}
				current = nil
			}

		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				usage.OutputTokens = int(out)
			}

		case "message_stop":
			send(&agent.CompletionChunk{Done: true, Usage: &usage})
			return

		case "error":
			send(&agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			processed = false
		}

		if processed {
			emptyRuns = 0
		} else if emptyRuns++; emptyRuns >= maxEmptyStreamEvents {
			send(&agent.CompletionChunk{Error: p.wrapError(
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyRuns), model)})
			return
		}

		if !stream.Next() {
			break
		}
	}

	err := stream.Err()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		err = errors.New("stream ended without message_stop")
	}
	send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
}

func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var (
		result  []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)
	flushResults := func() {
		if len(results) > 0 {
			result = append(result, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flushResults()

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			input := map[string]any{}
			if len(strings.TrimSpace(string(call.Arguments))) > 0 {
				if err := json.Unmarshal(call.Arguments, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", call.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	flushResults()
	return result, nil
}

func convertAnthropicTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
	providerErr.Message = "anthropic request failed"
	requestID := apiErr.RequestID
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			providerErr.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			requestID = payload.RequestID
		}
	}
	if requestID != "" {
		providerErr.WithRequestID(requestID)
	}
	return providerErr
}
