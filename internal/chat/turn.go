package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/internal/threads"
	"github.com/haasonsaas/agentloop/internal/usage"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// chunkBufferSize is the capacity of the StreamTurn channel.
const chunkBufferSize = 16

// TurnRequest is one user message sent to a thread.
type TurnRequest struct {
	UserID   string
	ThreadID string
	Message  string

	// Vars carries extra tool context such as an access token. The service
	// sets the user, thread, project and HTTP client keys itself.
	Vars agent.Vars
}

// TurnResult is the committed outcome of a turn.
type TurnResult struct {
	// Messages are the messages appended to the thread, starting with the
	// user message.
	Messages []*models.Message

	// Agent is the agent active when the turn ended.
	Agent *agent.Agent

	Status agent.Status
	Usage  agent.TokenUsage
}

// PendingToolCalls returns the calls awaiting approval after the turn.
func (r *TurnResult) PendingToolCalls() []models.ToolCall {
	var out []models.ToolCall
	for _, msg := range r.Messages {
		for _, call := range msg.ToolCalls {
			if call.Pending() {
				out = append(out, call)
			}
		}
	}
	return out
}

// Chunk is one piece of streamed assistant text. The last chunk of a failed
// stream carries Err instead.
type Chunk struct {
	Text string
	Err  error
}

func (r TurnRequest) validate() error {
	if r.UserID == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// RunTurn executes a turn and returns once it is committed.
//
// A turn that hits the iteration limit still commits what it produced and
// returns both the result and the error. Any other failure commits nothing.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.checkRate(ctx, req.UserID, RouteChat); err != nil {
		return nil, err
	}
	return s.execute(ctx, req, nil)
}

// StreamTurn executes a turn in its own goroutine and streams the assistant
// text as it is generated. Only text reaches the channel; usage reports are
// consumed by accounting. The channel is closed when the turn ends.
//
// The request and the rate limit are checked before the goroutine starts, so
// a rejected request returns an error here and streams nothing. A malformed
// request does not consume the rate window. Store and HTTP
// resources are acquired inside the goroutine and released when it ends.
// Cancelling ctx stops the model and tool calls and commits nothing.
func (s *Service) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Chunk, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.checkRate(ctx, req.UserID, RouteChat); err != nil {
		return nil, err
	}

	out := make(chan Chunk, chunkBufferSize)
	go func() {
		defer close(out)
		_, err := s.execute(ctx, req, func(text string) {
			select {
			case out <- Chunk{Text: text}:
			case <-ctx.Done():
			}
		})
		if err == nil {
			return
		}
		select {
		case out <- Chunk{Err: err}:
		default:
			select {
			case out <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// execute runs one turn end to end. onText, when set, receives text deltas.
func (s *Service) execute(ctx context.Context, req TurnRequest, onText func(string)) (result *TurnResult, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx = observability.AddUserID(ctx, req.UserID)
	ctx = observability.AddThreadID(ctx, req.ThreadID)
	ctx, span := s.tracer.TraceTurn(ctx, req.ThreadID, RouteChat)
	defer span.End()

	status := "error"
	defer func() {
		if err != nil {
			s.tracer.RecordError(span, err)
			if errors.Is(err, context.Canceled) {
				status = "cancelled"
			}
		}
		s.metrics.RecordTurn(RouteChat, status)
	}()

	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()

	thread, err := ownedThread(ctx, session, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	stored, err := session.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	user := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  req.Message,
	}
	history := append(stored, user)

	vars, client := s.requestVars(req.Vars, thread)
	defer client.CloseIdleConnections()

	spend := s.accountant.Begin(thread.ProjectID, thread.ID, s.agent.Model, s.promptEstimate(history))
	defer func() {
		// Accounting outlives a cancelled request so the reservation is
		// still written.
		if cerr := spend.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.ErrorContext(ctx, "failed to close accounting session", append(observability.LogContext(ctx), "error", cerr)...)
		}
	}()

	events, err := s.routine.Stream(ctx, s.agent, history, vars)
	if err != nil {
		return nil, err
	}

	var (
		res    *agent.Result
		runErr error
	)
	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			if onText != nil {
				onText(ev.Text)
			}
		case agent.EventUsage:
			if u := ev.Usage; u != nil {
				spend.Observe(u.CachedInputTokens, u.InputTokens, u.OutputTokens)
			}
		case agent.EventDone:
			res = ev.Result
		case agent.EventError:
			res, runErr = ev.Result, ev.Error
		}
	}
	if res == nil && runErr == nil {
		runErr = ctx.Err()
		if runErr == nil {
			runErr = errors.New("turn ended without a result")
		}
	}

	if runErr != nil && !errors.Is(runErr, agent.ErrMaxIterations) {
		s.logger.WarnContext(ctx, "turn failed, nothing committed", append(observability.LogContext(ctx), "error", runErr)...)
		return nil, runErr
	}

	// Every model call of the turn finished, so the observed counts are final.
	spend.Settle()

	if err := session.TouchThread(ctx, thread.ID); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	msgs := append([]*models.Message{user}, res.Messages...)
	if err := threads.AppendWithRetry(ctx, session, thread.ID, msgs...); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}

	result = &TurnResult{
		Messages: msgs,
		Agent:    res.Agent,
		Status:   res.Status,
		Usage:    res.Usage,
	}
	if runErr != nil {
		status = "max_iterations"
		return result, runErr
	}
	status = string(res.Status)
	s.logger.InfoContext(ctx, "turn committed", append(observability.LogContext(ctx),
		"status", status,
		"messages", len(msgs),
		"iterations", res.Iterations,
		"pending_tool_calls", len(result.PendingToolCalls()),
	)...)
	return result, nil
}

// promptEstimate sizes the prompt reservation from everything the first
// model call will send.
func (s *Service) promptEstimate(history []*models.Message) int {
	chars := len(s.agent.SystemPrompt())
	for _, msg := range history {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
	}
	if defs, err := s.agent.Registry().Definitions(); err == nil {
		for _, def := range defs {
			chars += len(def.Name) + len(def.Description) + len(def.Schema)
		}
	}
	return usage.EstimatePromptTokens(chars)
}
