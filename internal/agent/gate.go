package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// DefaultToolTimeout bounds a single tool run when the gate has no timeout set.
const DefaultToolTimeout = 30 * time.Second

// Gate validates, runs and records a single tool call. It is shared by the
// routine's auto-run path and the explicit approval path.
type Gate struct {
	// Timeout bounds each tool run. Zero uses DefaultToolTimeout.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// HandleToolCall runs call against registry and returns the tool message that
// answers it, plus the replacement agent when the tool returned one.
//
// An unknown tool returns ErrUnknownTool and no message. A schema violation
// returns a *ValidationError when raiseValidationErrors is set; otherwise it
// becomes an error tool message. Tool failures, timeouts and panics always
// become error tool messages with a nil error.
func (g *Gate) HandleToolCall(ctx context.Context, call models.ToolCall, registry *ToolRegistry, vars Vars, raiseValidationErrors bool) (*models.Message, *Agent, error) {
	if registry == nil {
		registry = NewToolRegistry()
	}
	tool, err := registry.Lookup(call.Name)
	if err != nil {
		return nil, nil, err
	}

	ctx = observability.AddToolCallID(ctx, call.ID)
	ctx, span := g.Tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	start := time.Now()
	if err := g.Validate(tool, call); err != nil {
		g.Metrics.RecordToolExecution(call.Name, "invalid", time.Since(start).Seconds())
		g.Tracer.RecordError(span, err)
		if raiseValidationErrors {
			return nil, nil, err
		}
		return errorToolMessage(call, NewToolError(call.Name, err).WithToolCallID(call.ID)), nil, nil
	}

	toolVars, err := vars.For(tool)
	if err != nil {
		g.Metrics.RecordToolExecution(call.Name, "error", time.Since(start).Seconds())
		g.Tracer.RecordError(span, err)
		return errorToolMessage(call, NewToolError(call.Name, err).WithToolCallID(call.ID)), nil, nil
	}

	out, runErr := g.run(ctx, tool, call, toolVars)
	elapsed := time.Since(start)
	if runErr != nil {
		var toolErr *ToolError
		if !errors.As(runErr, &toolErr) {
			toolErr = NewToolError(call.Name, runErr).WithToolCallID(call.ID)
		}
		g.Metrics.RecordToolExecution(call.Name, "error", elapsed.Seconds())
		g.Tracer.RecordError(span, runErr)
		g.logger().WarnContext(ctx, "tool failed",
			"tool", call.Name,
			"type", string(toolErr.Type),
			"duration_ms", elapsed.Milliseconds(),
			"error", toolErr.Error(),
		)
		return errorToolMessage(call, toolErr), nil, nil
	}

	status := "success"
	if out.IsError {
		status = "error"
	}
	g.Metrics.RecordToolExecution(call.Name, status, elapsed.Seconds())
	g.logger().DebugContext(ctx, "tool finished", "tool", call.Name, "status", status, "duration_ms", elapsed.Milliseconds())

	msg := &models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleTool,
		Content:    out.Content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    out.IsError,
	}
	return msg, out.Agent, nil
}

// Validate checks call against the tool schema and the argument size cap
// without running anything.
func (g *Gate) Validate(tool *Tool, call models.ToolCall) error {
	if len(call.Arguments) > MaxToolArgsSize {
		return &ValidationError{
			Tool:       call.Name,
			ToolCallID: call.ID,
			Problems:   []string{fmt.Sprintf("arguments exceed %d bytes", MaxToolArgsSize)},
		}
	}
	if err := tool.Validate(call.Arguments); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.ToolCallID = call.ID
		}
		return err
	}
	return nil
}

// run executes the tool with the gate timeout, converting panics into errors.
func (g *Gate) run(ctx context.Context, tool *Tool, call models.ToolCall, vars Vars) (*ToolOutput, error) {
	if tool.Run == nil {
		return nil, NewToolError(call.Name, errors.New("tool has no run function")).
			WithType(ToolErrorExecution).
			WithToolCallID(call.ID)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		out *ToolOutput
		err error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger().ErrorContext(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				resultCh <- execResult{err: NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)}
			}
		}()
		out, err := tool.Run(execCtx, call.Arguments, vars)
		if err == nil && out == nil {
			out = &ToolOutput{}
		}
		resultCh <- execResult{out: out, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.out, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func errorToolMessage(call models.ToolCall, err *ToolError) *models.Message {
	return &models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleTool,
		Content:    err.Error(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    true,
	}
}
