package threads

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentloop/internal/retry"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// AppendRetryConfig is the backoff used by AppendWithRetry.
func AppendRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.ShouldRetry = retry.On(ErrOrderingConflict)
	return cfg
}

// AppendWithRetry appends msgs, retrying only on ErrOrderingConflict.
func AppendWithRetry(ctx context.Context, store Store, threadID string, msgs ...*models.Message) error {
	res := retry.Do(ctx, AppendRetryConfig(), func(int) error {
		return store.AppendMessages(ctx, threadID, msgs...)
	})
	return res.Err
}

// ResolveWithRetry resolves a tool call, retrying only on ErrOrderingConflict.
func ResolveWithRetry(ctx context.Context, store Store, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage, result *models.Message) error {
	res := retry.Do(ctx, AppendRetryConfig(), func(int) error {
		return store.ResolveToolCall(ctx, threadID, toolCallID, accepted, revisedArgs, result)
	})
	return res.Err
}
