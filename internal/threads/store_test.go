package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/agentloop/pkg/models"
)

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("sequence starts at zero and is gapless", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)

		for i := 0; i < 3; i++ {
			msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("hello %d", i)}
			if err := store.AppendMessages(ctx, thread.ID, msg); err != nil {
				t.Fatalf("AppendMessages() error = %v", err)
			}
			if msg.Seq != int64(i) {
				t.Errorf("seq = %d, want %d", msg.Seq, i)
			}
		}
		assertGapless(t, store, thread.ID, 3)
	})

	t.Run("batch append is atomic", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)

		err := store.AppendMessages(ctx, thread.ID,
			&models.Message{Role: models.RoleUser, Content: "ok"},
			&models.Message{Role: models.RoleTool, Content: "no call id"},
		)
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("AppendMessages() error = %v, want ErrInvalidMessage", err)
		}
		msgs, err := store.ListMessages(ctx, thread.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("len(msgs) = %d, want 0 after rejected batch", len(msgs))
		}
	})

	t.Run("append to missing thread", func(t *testing.T) {
		store := newStore(t)
		err := store.AppendMessages(context.Background(), "missing", &models.Message{Role: models.RoleUser, Content: "x"})
		if !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("error = %v, want ErrThreadNotFound", err)
		}
	})

	t.Run("tool calls round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)

		assistant := &models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "get_current_time", Arguments: json.RawMessage(`{}`), Validated: models.Bool(true)},
				{ID: "call-2", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Lausanne"}`)},
			},
		}
		result := &models.Message{Role: models.RoleTool, ToolCallID: "call-1", ToolName: "get_current_time", Content: "12:00"}
		if err := store.AppendMessages(ctx, thread.ID, assistant, result); err != nil {
			t.Fatalf("AppendMessages() error = %v", err)
		}

		msgs, err := store.ListMessages(ctx, thread.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("len(msgs) = %d, want 2", len(msgs))
		}
		got := msgs[0]
		if !got.HasToolCalls() || len(got.ToolCalls) != 2 {
			t.Fatalf("tool calls = %+v", got.ToolCalls)
		}
		if got.ToolCalls[0].ID != "call-1" || got.ToolCalls[1].ID != "call-2" {
			t.Errorf("tool call order = %s,%s", got.ToolCalls[0].ID, got.ToolCalls[1].ID)
		}
		if got.ToolCalls[0].Validated == nil || !*got.ToolCalls[0].Validated {
			t.Error("call-1 should be validated=true")
		}
		if got.ToolCalls[1].Validated != nil {
			t.Error("call-2 should be pending")
		}
		if string(got.ToolCalls[1].Arguments) != `{"city":"Lausanne"}` {
			t.Errorf("arguments = %s", got.ToolCalls[1].Arguments)
		}
		if msgs[1].ToolCallID != "call-1" || msgs[1].Content != "12:00" {
			t.Errorf("tool message = %+v", msgs[1])
		}

		pending, err := store.PendingToolCalls(ctx, thread.ID)
		if err != nil {
			t.Fatalf("PendingToolCalls() error = %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "call-2" {
			t.Errorf("pending = %+v, want call-2", pending)
		}
	})

	t.Run("validation transitions once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)
		appendPendingCall(t, store, thread.ID, "call-1")

		revised := json.RawMessage(`{"city":"Geneva"}`)
		if err := store.SetToolCallValidation(ctx, thread.ID, "call-1", true, revised); err != nil {
			t.Fatalf("first SetToolCallValidation() error = %v", err)
		}
		err := store.SetToolCallValidation(ctx, thread.ID, "call-1", false, nil)
		if !errors.Is(err, ErrAlreadyValidated) {
			t.Fatalf("second SetToolCallValidation() error = %v, want ErrAlreadyValidated", err)
		}

		call, err := store.GetToolCall(ctx, thread.ID, "call-1")
		if err != nil {
			t.Fatalf("GetToolCall() error = %v", err)
		}
		if call.Validated == nil || !*call.Validated {
			t.Error("validated should stay true")
		}
		if string(call.Arguments) != `{"city":"Geneva"}` {
			t.Errorf("arguments = %s, want revised", call.Arguments)
		}

		err = store.SetToolCallValidation(ctx, thread.ID, "nope", true, nil)
		if !errors.Is(err, ErrToolCallNotFound) {
			t.Errorf("unknown call error = %v, want ErrToolCallNotFound", err)
		}
	})

	t.Run("resolving a call commits the decision with its result", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)
		appendPendingCall(t, store, thread.ID, "call-1")
		result := func() *models.Message {
			return &models.Message{Role: models.RoleTool, ToolCallID: "call-1", ToolName: "get_weather", Content: "sunny"}
		}

		wrong := result()
		wrong.ToolCallID = "call-2"
		if err := store.ResolveToolCall(ctx, thread.ID, "call-1", true, nil, wrong); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("mismatched result error = %v, want ErrInvalidMessage", err)
		}
		if call, _ := store.GetToolCall(ctx, thread.ID, "call-1"); call == nil || !call.Pending() {
			t.Fatalf("call = %+v, want pending after rejected resolve", call)
		}

		msg := result()
		if err := store.ResolveToolCall(ctx, thread.ID, "call-1", true, json.RawMessage(`{"city":"Basel"}`), msg); err != nil {
			t.Fatalf("ResolveToolCall() error = %v", err)
		}
		if msg.Seq != 1 {
			t.Errorf("result seq = %d, want 1", msg.Seq)
		}
		call, err := store.GetToolCall(ctx, thread.ID, "call-1")
		if err != nil {
			t.Fatalf("GetToolCall() error = %v", err)
		}
		if call.Validated == nil || !*call.Validated || string(call.Arguments) != `{"city":"Basel"}` {
			t.Errorf("call = %+v", call)
		}

		if err := store.ResolveToolCall(ctx, thread.ID, "call-1", false, nil, result()); !errors.Is(err, ErrAlreadyValidated) {
			t.Errorf("second ResolveToolCall() error = %v, want ErrAlreadyValidated", err)
		}
		assertGapless(t, store, thread.ID, 2)

		missing := result()
		missing.ToolCallID = "nope"
		if err := store.ResolveToolCall(ctx, thread.ID, "nope", true, nil, missing); !errors.Is(err, ErrToolCallNotFound) {
			t.Errorf("unknown call error = %v, want ErrToolCallNotFound", err)
		}
		assertGapless(t, store, thread.ID, 2)
	})

	t.Run("updated_at bumped on append", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)
		before := thread.UpdatedAt

		if err := store.AppendMessages(ctx, thread.ID, &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("AppendMessages() error = %v", err)
		}
		got, err := store.GetThread(ctx, thread.ID)
		if err != nil {
			t.Fatalf("GetThread() error = %v", err)
		}
		if got.UpdatedAt.Before(before) {
			t.Errorf("updated_at went backwards: %v < %v", got.UpdatedAt, before)
		}
	})

	t.Run("delete cascades", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)
		appendPendingCall(t, store, thread.ID, "call-1")

		if err := store.DeleteThread(ctx, thread.ID); err != nil {
			t.Fatalf("DeleteThread() error = %v", err)
		}
		if _, err := store.ListMessages(ctx, thread.ID); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("ListMessages() after delete error = %v", err)
		}
		if _, err := store.GetToolCall(ctx, thread.ID, "call-1"); !errors.Is(err, ErrToolCallNotFound) {
			t.Errorf("GetToolCall() after delete error = %v", err)
		}
		if err := store.DeleteThread(ctx, thread.ID); !errors.Is(err, ErrThreadNotFound) {
			t.Errorf("second DeleteThread() error = %v", err)
		}
	})

	t.Run("list threads filters by user and project", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, th := range []*models.Thread{
			{UserID: "u1", ProjectID: "p1", Title: "a"},
			{UserID: "u1", ProjectID: "p2", Title: "b"},
			{UserID: "u2", ProjectID: "p1", Title: "c"},
		} {
			if err := store.CreateThread(ctx, th); err != nil {
				t.Fatalf("CreateThread() error = %v", err)
			}
		}
		all, err := store.ListThreads(ctx, "u1", ListOptions{})
		if err != nil {
			t.Fatalf("ListThreads() error = %v", err)
		}
		if len(all) != 2 {
			t.Errorf("len(u1 threads) = %d, want 2", len(all))
		}
		scoped, err := store.ListThreads(ctx, "u1", ListOptions{ProjectID: "p2"})
		if err != nil {
			t.Fatalf("ListThreads() error = %v", err)
		}
		if len(scoped) != 1 || scoped[0].Title != "b" {
			t.Errorf("scoped threads = %+v", scoped)
		}
	})

	t.Run("concurrent appends stay gapless", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		thread := mustThread(t, store)

		const workers, perWorker = 8, 5
		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					msg := &models.Message{Role: models.RoleUser, Content: fmt.Sprintf("w%d-%d", w, i)}
					if err := AppendWithRetry(ctx, store, thread.ID, msg); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("append error: %v", err)
		}
		assertGapless(t, store, thread.ID, workers*perWorker)
	})
}

func mustThread(t *testing.T, store Store) *models.Thread {
	t.Helper()
	thread := &models.Thread{UserID: "user-1", ProjectID: "proj-1", Title: "test"}
	if err := store.CreateThread(context.Background(), thread); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	return thread
}

func appendPendingCall(t *testing.T, store Store, threadID, callID string) {
	t.Helper()
	msg := &models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: callID, Name: "get_weather", Arguments: json.RawMessage(`{"city":"Bern"}`)}},
	}
	if err := store.AppendMessages(context.Background(), threadID, msg); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
}

func assertGapless(t *testing.T, store Store, threadID string, want int) {
	t.Helper()
	msgs, err := store.ListMessages(context.Background(), threadID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != want {
		t.Fatalf("len(msgs) = %d, want %d", len(msgs), want)
	}
	for i, msg := range msgs {
		if msg.Seq != int64(i) {
			t.Fatalf("msgs[%d].Seq = %d, want %d", i, msg.Seq, i)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}
