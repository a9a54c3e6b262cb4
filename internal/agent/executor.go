package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// ExecutorConfig configures batch tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions
	// Default: 5
	MaxConcurrency int
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxConcurrency: 5}
}

// Executor runs a batch of tool calls through a Gate, either in parallel
// under a concurrency limit or sequentially in request order. The limit
// applies per batch, so concurrent turns never wait on each other.
type Executor struct {
	gate  *Gate
	limit int
}

// NewExecutor creates an executor around gate.
func NewExecutor(gate *Gate, config ExecutorConfig) *Executor {
	if gate == nil {
		gate = &Gate{}
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	return &Executor{gate: gate, limit: config.MaxConcurrency}
}

// ExecutionResult holds the outcome of one call in a batch.
type ExecutionResult struct {
	Call     models.ToolCall
	Message  *models.Message
	Agent    *Agent
	Err      error
	Duration time.Duration
}

// ExecuteAll executes calls and returns results in the same order as calls,
// regardless of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, registry *ToolRegistry, vars Vars, parallel bool) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))

	if !parallel || len(calls) == 1 {
		for i, call := range calls {
			results[i] = e.execute(ctx, call, registry, vars, nil)
		}
		return results
	}

	sem := make(chan struct{}, e.limit)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.execute(ctx, tc, registry, vars, sem)
		}(i, call)
	}
	wg.Wait()
	return results
}

// execute runs one call. A non-nil sem bounds the batch's parallelism.
func (e *Executor) execute(ctx context.Context, call models.ToolCall, registry *ToolRegistry, vars Vars, sem chan struct{}) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{Call: call}

	cancelled := func() *ExecutionResult {
		err := NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage("context cancelled")
		result.Message = errorToolMessage(call, err)
		result.Duration = time.Since(start)
		return result
	}
	if ctx.Err() != nil {
		return cancelled()
	}
	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return cancelled()
		}
	}

	result.Message, result.Agent, result.Err = e.gate.HandleToolCall(ctx, call, registry, vars, false)
	if result.Err != nil && result.Message == nil {
		result.Message = errorToolMessage(call, NewToolError(call.Name, result.Err).WithToolCallID(call.ID))
	}
	result.Duration = time.Since(start)
	return result
}

// AnyErrors reports whether any result is an error tool message.
func AnyErrors(results []*ExecutionResult) bool {
	for _, r := range results {
		if r.Err != nil || (r.Message != nil && r.Message.IsError) {
			return true
		}
	}
	return false
}
