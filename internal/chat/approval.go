package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/internal/threads"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// RejectedToolResult is the tool message content stored for a rejected call.
const RejectedToolResult = "This tool call was invalidated by the user and was not executed."

// ApprovalStatus is the outcome of Accept.
type ApprovalStatus string

const (
	ApprovalDone            ApprovalStatus = "done"
	ApprovalValidationError ApprovalStatus = "validation-error"
)

// ApprovalRequest identifies a pending call and, for Accept, optionally
// revised arguments.
type ApprovalRequest struct {
	UserID     string
	ThreadID   string
	ToolCallID string

	// Arguments replaces the model's arguments when non-empty.
	Arguments json.RawMessage

	Vars agent.Vars
}

// ApprovalResult is returned by Accept.
type ApprovalResult struct {
	Status ApprovalStatus `json:"status"`

	// Content is the tool output when Status is done.
	Content string `json:"content,omitempty"`

	// Errors lists schema problems when Status is validation-error.
	Errors []string `json:"errors,omitempty"`

	// Message is the appended tool message when Status is done.
	Message *models.Message `json:"-"`
}

// Accept approves a pending call, runs it and appends its result. The turn is
// not resumed.
//
// Arguments are validated before anything is stored: a failing check returns
// a validation-error result and leaves the call pending so the caller can
// retry with corrected arguments. A call that was already decided returns
// threads.ErrAlreadyValidated. When two Accepts race, both may run the tool
// but only the first result is stored.
func (s *Service) Accept(ctx context.Context, req ApprovalRequest) (*ApprovalResult, error) {
	if err := s.checkRate(ctx, req.UserID, RouteApproval); err != nil {
		return nil, err
	}
	ctx = observability.AddUserID(ctx, req.UserID)
	ctx = observability.AddThreadID(ctx, req.ThreadID)

	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()

	thread, call, err := s.pendingCall(ctx, session, req)
	if err != nil {
		return nil, err
	}
	tool, err := s.tools.Lookup(call.Name)
	if err != nil {
		return nil, err
	}

	var revised json.RawMessage
	if len(req.Arguments) > 0 {
		revised = req.Arguments
		call.Arguments = revised
	}

	gate := s.routine.Gate()
	if err := gate.Validate(tool, *call); err != nil {
		var ve *agent.ValidationError
		if !errors.As(err, &ve) {
			return nil, err
		}
		s.metrics.RecordApproval(call.Name, "invalid")
		s.logger.InfoContext(ctx, "approved arguments failed validation", append(observability.LogContext(ctx),
			"tool", call.Name,
			"tool_call_id", call.ID,
			"problems", len(ve.Problems),
		)...)
		return &ApprovalResult{Status: ApprovalValidationError, Errors: ve.Problems}, nil
	}

	vars, client := s.requestVars(req.Vars, thread)
	defer client.CloseIdleConnections()

	msg, _, err := gate.HandleToolCall(ctx, *call, s.tools, vars, true)
	if err != nil {
		return nil, err
	}
	msg.ThreadID = thread.ID
	// The claim and the result commit together, so a failed commit leaves the
	// call pending and Accept can be retried.
	if err := threads.ResolveWithRetry(ctx, session, thread.ID, call.ID, true, revised, msg); err != nil {
		if errors.Is(err, threads.ErrAlreadyValidated) {
			return nil, err
		}
		return nil, fmt.Errorf("store tool result: %w", err)
	}
	call.Validated = models.Bool(true)

	s.metrics.RecordApproval(call.Name, "accepted")
	s.logger.InfoContext(ctx, "tool call accepted", append(observability.LogContext(ctx),
		"tool", call.Name,
		"tool_call_id", call.ID,
		"revised", revised != nil,
		"is_error", msg.IsError,
	)...)
	return &ApprovalResult{Status: ApprovalDone, Content: msg.Content, Message: msg}, nil
}

// Reject marks a pending call as refused and appends a tool message saying
// so. Nothing runs and the turn is not resumed.
func (s *Service) Reject(ctx context.Context, req ApprovalRequest) (*models.Message, error) {
	if err := s.checkRate(ctx, req.UserID, RouteApproval); err != nil {
		return nil, err
	}
	ctx = observability.AddUserID(ctx, req.UserID)
	ctx = observability.AddThreadID(ctx, req.ThreadID)

	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()

	thread, call, err := s.pendingCall(ctx, session, req)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		ThreadID:   thread.ID,
		Role:       models.RoleTool,
		Content:    RejectedToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	if err := threads.ResolveWithRetry(ctx, session, thread.ID, call.ID, false, nil, msg); err != nil {
		if errors.Is(err, threads.ErrAlreadyValidated) {
			return nil, err
		}
		return nil, fmt.Errorf("store rejection: %w", err)
	}

	s.metrics.RecordApproval(call.Name, "rejected")
	s.logger.InfoContext(ctx, "tool call rejected", append(observability.LogContext(ctx),
		"tool", call.Name,
		"tool_call_id", call.ID,
	)...)
	return msg, nil
}

// pendingCall loads the thread and the call, failing when the call is
// already decided.
func (s *Service) pendingCall(ctx context.Context, store threads.Store, req ApprovalRequest) (*models.Thread, *models.ToolCall, error) {
	thread, err := ownedThread(ctx, store, req.UserID, req.ThreadID)
	if err != nil {
		return nil, nil, err
	}
	call, err := store.GetToolCall(ctx, thread.ID, req.ToolCallID)
	if err != nil {
		return nil, nil, err
	}
	if !call.Pending() {
		return nil, nil, threads.ErrAlreadyValidated
	}
	return thread, call, nil
}
