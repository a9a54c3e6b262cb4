package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/retry"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// BedrockConfig configures the Bedrock Converse backend. Without static keys
// the default AWS credential chain is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// BaseURL overrides the runtime endpoint, e.g. for a VPC endpoint.
	BaseURL string

	DefaultModel string

	// Retry governs retries of the ConverseStream call.
	Retry retry.Config

	HTTPClient *http.Client
}

// converseEventStream is the part of bedrockruntime.ConverseStreamEventStream
// the provider reads.
type converseEventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockProvider streams Bedrock Converse responses with tool use.
//
// Consecutive tool results go in one user message as Converse requires
// alternating roles. Usage arrives in the metadata event after messageStop,
// so the stream is read to its end before the final chunk is sent.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retry.Config
}

// NewBedrockProvider creates a provider. The region defaults to us-east-1.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.ShouldRetry = IsRetryable

	// Retries are handled here so the SDK must not retry on its own.
	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.HTTPClient != nil {
		loadOptions = append(loadOptions, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.BaseURL)
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &BedrockProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Complete implements agent.LLMProvider.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, err
	}
	model := aws.ToString(input.ModelId)

	var out *bedrockruntime.ConverseStreamOutput
	res := retry.Do(ctx, p.retry, func(int) error {
		var callErr error
		out, callErr = p.client.ConverseStream(ctx, input)
		if callErr != nil {
			return p.wrapError(callErr, model)
		}
		return nil
	})
	if res.Err != nil {
		return nil, res.Err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, out.GetStream(), chunks, model)
	return chunks, nil
}

func (p *BedrockProvider) buildInput(req *agent.CompletionRequest) (*bedrockruntime.ConverseStreamInput, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		inference := &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			inference.MaxTokens = aws.Int32(int32(min(req.MaxTokens, math.MaxInt32)))
		}
		if req.Temperature != nil {
			inference.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = inference
	}
	if len(req.Tools) > 0 {
		toolConfig, err := convertBedrockTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolConfig
	}
	return input, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream converseEventStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		current *models.ToolCall
		input   strings.Builder
		usage   *agent.TokenUsage
	)
	flushCall := func() bool {
		if current == nil {
			return true
		}
		raw := strings.TrimSpace(input.String())
		if raw == "" {
			raw = "{}"
		}
		current.Arguments = json.RawMessage(raw)
		call := current
		current = nil
		input.Reset()
		return send(&agent.CompletionChunk{ToolCall: call})
	}

	events := stream.Events()
	for {
		var (
			event types.ConverseStreamOutput
			ok    bool
		)
		select {
		case <-ctx.Done():
			send(&agent.CompletionChunk{Error: ctx.Err()})
			return
		case event, ok = <-events:
		}
		if !ok {
			break
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				if !flushCall() {
					return
				}
				current = &models.ToolCall{
					ID:   aws.ToString(toolUse.Value.ToolUseId),
					Name: aws.ToString(toolUse.Value.Name),
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" && !send(&agent.CompletionChunk{Text: delta.Value}) {
					return
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if current != nil && delta.Value.Input != nil {
					input.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if !flushCall() {
				return
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				usage = &agent.TokenUsage{
					InputTokens:       int(aws.ToInt32(u.InputTokens)),
					CachedInputTokens: int(aws.ToInt32(u.CacheReadInputTokens)),
					OutputTokens:      int(aws.ToInt32(u.OutputTokens)),
				}
			}
		}
	}

	if !flushCall() {
		return
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	send(&agent.CompletionChunk{Done: true, Usage: usage})
}

func convertBedrockMessages(messages []agent.CompletionMessage) ([]types.Message, error) {
	var (
		result  []types.Message
		results []types.ContentBlock
	)
	flushResults := func() {
		if len(results) > 0 {
			result = append(result, types.Message{Role: types.ConversationRoleUser, Content: results})
			results = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			status := types.ToolResultStatusSuccess
			if msg.IsError {
				status = types.ToolResultStatusError
			}
			results = append(results, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				Status:    status,
			}})
			continue
		}
		flushResults()

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			args := map[string]any{}
			if len(strings.TrimSpace(string(call.Arguments))) > 0 {
				if err := json.Unmarshal(call.Arguments, &args); err != nil {
					return nil, fmt.Errorf("bedrock: invalid tool call input for %s: %w", call.Name, err)
				}
			}
			content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(call.ID),
				Name:      aws.String(call.Name),
				Input:     document.NewLazyDocument(args),
			}})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	flushResults()
	return result, nil
}

func convertBedrockTools(tools []agent.ToolDefinition) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("bedrock: invalid tool schema for %s: %w", tool.Name, err)
		}
		spec := types.ToolSpecification{
			Name:        aws.String(tool.Name),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: spec})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	providerErr := NewProviderError("bedrock", model, err)
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		providerErr.WithStatus(respErr.HTTPStatusCode())
		if id := respErr.ServiceRequestID(); id != "" {
			providerErr.WithRequestID(id)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if msg := apiErr.ErrorMessage(); msg != "" {
			providerErr.WithMessage(msg)
		}
		if code := apiErr.ErrorCode(); code != "" {
			providerErr.WithCode(code)
		}
	}
	return providerErr
}
