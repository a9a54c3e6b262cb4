package threads

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory thread store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  map[string]*models.Thread{},
		messages: map[string][]*models.Message{},
		now:      time.Now,
	}
}

// Session returns a session backed by the same maps. Close is a no-op.
func (m *MemoryStore) Session(ctx context.Context) (Session, error) {
	return memorySession{m}, nil
}

type memorySession struct{ *MemoryStore }

func (memorySession) Close() error { return nil }

func (m *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.UserID == "" {
		return ErrInvalidMessage
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *thread
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now().UTC()
	}
	clone.UpdatedAt = clone.CreatedAt
	*thread = clone
	m.threads[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	clone := *thread
	return &clone, nil
}

func (m *MemoryStore) ListThreads(ctx context.Context, userID string, opts ListOptions) ([]*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Thread
	for _, thread := range m.threads {
		if thread.UserID != userID {
			continue
		}
		if opts.ProjectID != "" && thread.ProjectID != opts.ProjectID {
			continue
		}
		clone := *thread
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TouchThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	thread, ok := m.threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	m.bump(thread)
	return nil
}

// bump advances UpdatedAt, never moving it backwards. Caller holds mu.
func (m *MemoryStore) bump(thread *models.Thread) {
	now := m.now().UTC()
	if now.After(thread.UpdatedAt) {
		thread.UpdatedAt = now
	}
}

func (m *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[id]; !ok {
		return ErrThreadNotFound
	}
	delete(m.threads, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessages(ctx context.Context, threadID string, msgs ...*models.Message) error {
	for _, msg := range msgs {
		if err := validateMessage(msg); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(threadID, msgs)
}

// ResolveToolCall decides a pending call and appends its result atomically.
func (m *MemoryStore) ResolveToolCall(ctx context.Context, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage, result *models.Message) error {
	if err := validateMessage(result); err != nil {
		return err
	}
	if result.ToolCallID != toolCallID {
		return errors.Join(ErrInvalidMessage, errors.New("result does not answer "+toolCallID))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	if err := m.setValidationLocked(threadID, toolCallID, accepted, revisedArgs); err != nil {
		return err
	}
	return m.appendLocked(threadID, []*models.Message{result})
}

// appendLocked assigns positions and stores clones of msgs. Caller holds mu.
func (m *MemoryStore) appendLocked(threadID string, msgs []*models.Message) error {
	thread, ok := m.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}

	log := m.messages[threadID]
	next := int64(len(log))
	now := m.now().UTC()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		msg.ThreadID = threadID
		msg.Seq = next
		for i := range msg.ToolCalls {
			msg.ToolCalls[i].MessageID = msg.ID
		}
		next++
		log = append(log, msg.Clone())
	}
	m.messages[threadID] = log
	m.bump(thread)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	log := m.messages[threadID]
	out := make([]*models.Message, len(log))
	for i, msg := range log {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (m *MemoryStore) GetToolCall(ctx context.Context, threadID, toolCallID string) (*models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	call := m.findCall(threadID, toolCallID)
	if call == nil {
		return nil, ErrToolCallNotFound
	}
	clone := call.Clone()
	return &clone, nil
}

func (m *MemoryStore) SetToolCallValidation(ctx context.Context, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setValidationLocked(threadID, toolCallID, accepted, revisedArgs)
}

func (m *MemoryStore) setValidationLocked(threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage) error {
	call := m.findCall(threadID, toolCallID)
	if call == nil {
		return ErrToolCallNotFound
	}
	if call.Validated != nil {
		return ErrAlreadyValidated
	}
	call.Validated = models.Bool(accepted)
	if revisedArgs != nil {
		call.Arguments = append(json.RawMessage(nil), revisedArgs...)
	}
	return nil
}

func (m *MemoryStore) PendingToolCalls(ctx context.Context, threadID string) ([]models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	var out []models.ToolCall
	for _, msg := range m.messages[threadID] {
		for _, call := range msg.ToolCalls {
			if call.Pending() {
				out = append(out, call.Clone())
			}
		}
	}
	return out, nil
}

// findCall returns the stored call for in-place mutation. Caller holds mu.
func (m *MemoryStore) findCall(threadID, toolCallID string) *models.ToolCall {
	for _, msg := range m.messages[threadID] {
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == toolCallID {
				return &msg.ToolCalls[i]
			}
		}
	}
	return nil
}
