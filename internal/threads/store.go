// Package threads persists conversation threads and their ordered message log.
package threads

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/agentloop/pkg/models"
)

var (
	// ErrThreadNotFound is returned when a thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrToolCallNotFound is returned when a tool call does not exist in the thread.
	ErrToolCallNotFound = errors.New("tool call not found")

	// ErrAlreadyValidated is returned when a tool call's validation status is
	// already decided.
	ErrAlreadyValidated = errors.New("tool call already validated")

	// ErrOrderingConflict is returned when a concurrent append claimed the same
	// sequence position. The append can be retried.
	ErrOrderingConflict = errors.New("message ordering conflict")

	// ErrInvalidMessage is returned for messages that cannot be appended.
	ErrInvalidMessage = errors.New("invalid message")
)

// Store is the interface for thread and message persistence.
type Store interface {
	// Thread CRUD
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, userID string, opts ListOptions) ([]*models.Thread, error)
	TouchThread(ctx context.Context, id string) error
	DeleteThread(ctx context.Context, id string) error

	// AppendMessages atomically appends msgs to the thread, assigning
	// consecutive sequence positions. Either every message is stored or none.
	AppendMessages(ctx context.Context, threadID string, msgs ...*models.Message) error
	ListMessages(ctx context.Context, threadID string) ([]*models.Message, error)

	// Tool call validation
	GetToolCall(ctx context.Context, threadID, toolCallID string) (*models.ToolCall, error)
	SetToolCallValidation(ctx context.Context, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage) error
	// ResolveToolCall records the decision on a pending call together with
	// its result message. Nothing is stored when either part fails.
	ResolveToolCall(ctx context.Context, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage, result *models.Message) error
	PendingToolCalls(ctx context.Context, threadID string) ([]models.ToolCall, error)
}

// Session is a request-scoped handle on a Store. Close releases whatever the
// session pinned; the session must not be used afterwards.
type Session interface {
	Store
	Close() error
}

// Opener hands out request-scoped sessions.
type Opener interface {
	Session(ctx context.Context) (Session, error)
}

// ListOptions configures thread listing.
type ListOptions struct {
	ProjectID string
	Limit     int
	Offset    int
}

func validateMessage(msg *models.Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if !msg.Role.Valid() {
		return errors.Join(ErrInvalidMessage, errors.New("unknown role "+string(msg.Role)))
	}
	if msg.Role == models.RoleTool && msg.ToolCallID == "" {
		return errors.Join(ErrInvalidMessage, errors.New("tool message without tool_call_id"))
	}
	return nil
}
