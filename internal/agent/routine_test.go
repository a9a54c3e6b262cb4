package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/testharness"
	"github.com/haasonsaas/agentloop/pkg/models"
)

type timeArgs struct {
	Timezone string `json:"timezone,omitempty"`
}

type weatherArgs struct {
	City string `json:"city"`
}

func clockTool(runs *int32) *agent.Tool {
	return agent.NewTool("get_current_time", "Returns the current time.", func(ctx context.Context, in timeArgs, vars agent.Vars) (*agent.ToolOutput, error) {
		atomic.AddInt32(runs, 1)
		return agent.Text("2026-10-14T12:00:00Z"), nil
	})
}

func weatherTool(runs *int32) *agent.Tool {
	t := agent.NewTool("get_weather", "Returns the weather for a city.", func(ctx context.Context, in weatherArgs, vars agent.Vars) (*agent.ToolOutput, error) {
		atomic.AddInt32(runs, 1)
		return agent.Text("sunny in " + in.City), nil
	})
	t.RequiresApproval = true
	return t
}

func newRoutine(p agent.LLMProvider, cfg agent.RoutineConfig) *agent.Routine {
	return agent.NewRoutine(p, cfg)
}

func history(text string) []*models.Message {
	return []*models.Message{testharness.UserMessage(text)}
}

func TestRoutine_AutoRunToolThenText(t *testing.T) {
	var runs int32
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("call-1", "get_current_time", nil)),
		testharness.Text("It is ", "noon."),
	)
	a := &agent.Agent{Name: "assistant", Model: "test-model", Instructions: "Be brief.", Tools: []*agent.Tool{clockTool(&runs)}}

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), a, history("what time is it"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if provider.Calls() != 2 {
		t.Errorf("model calls = %d, want 2", provider.Calls())
	}
	if runs != 1 {
		t.Errorf("tool runs = %d, want 1", runs)
	}
	if res.Status != agent.StatusComplete {
		t.Errorf("Status = %s, want complete", res.Status)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(res.Messages))
	}

	call := res.Messages[0]
	if call.Role != models.RoleAssistant || len(call.ToolCalls) != 1 {
		t.Fatalf("first message = %+v, want assistant tool call", call)
	}
	if v := call.ToolCalls[0].Validated; v == nil || !*v {
		t.Errorf("auto-run call Validated = %v, want true", v)
	}
	result := res.Messages[1]
	if result.Role != models.RoleTool || result.ToolCallID != "call-1" || result.Content != "2026-10-14T12:00:00Z" {
		t.Errorf("tool message = %+v", result)
	}
	if final := res.Messages[2]; final.Role != models.RoleAssistant || final.Content != "It is noon." {
		t.Errorf("final message = %+v", final)
	}

	req := provider.Request(0)
	if req.System != "Be brief." || req.Model != "test-model" {
		t.Errorf("request system/model = %q/%q", req.System, req.Model)
	}
	if len(req.Tools) != 1 || !strings.Contains(string(req.Tools[0].Schema), `"additionalProperties":false`) {
		t.Errorf("tool definitions = %+v", req.Tools)
	}
	second := provider.Request(1)
	if n := len(second.Messages); n != 3 || second.Messages[2].ToolCallID != "call-1" {
		t.Errorf("second request messages = %+v", second.Messages)
	}
	if res.Usage.InputTokens != 20 {
		t.Errorf("usage input = %d, want 20", res.Usage.InputTokens)
	}
}

func TestRoutine_HILToolPausesTurn(t *testing.T) {
	var runs int32
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("call-w", "get_weather", weatherArgs{City: "Lausanne"})),
	)
	a := &agent.Agent{Name: "assistant", Tools: []*agent.Tool{weatherTool(&runs)}}

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), a, history("weather?"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.Calls() != 1 {
		t.Errorf("model calls = %d, want 1", provider.Calls())
	}
	if runs != 0 {
		t.Errorf("HIL tool ran %d times before approval", runs)
	}
	if res.Status != agent.StatusAwaitingApproval {
		t.Errorf("Status = %s, want awaiting_approval", res.Status)
	}
	if len(res.Messages) != 1 || len(res.Messages[0].ToolCalls) != 1 {
		t.Fatalf("messages = %+v, want one placeholder", res.Messages)
	}
	if !res.Messages[0].ToolCalls[0].Pending() {
		t.Error("placeholder call should have Validated == nil")
	}
	if pending := res.PendingToolCalls(); len(pending) != 1 || pending[0].ID != "call-w" {
		t.Errorf("PendingToolCalls() = %+v", pending)
	}
}

func TestRoutine_MixedAutoAndHILRunsAutoThenPauses(t *testing.T) {
	var clockRuns, weatherRuns int32
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(
			testharness.Call("c1", "get_current_time", nil),
			testharness.Call("c2", "get_weather", weatherArgs{City: "Geneva"}),
		),
	)
	a := &agent.Agent{Tools: []*agent.Tool{clockTool(&clockRuns), weatherTool(&weatherRuns)}}

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), a, history("time and weather"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != agent.StatusAwaitingApproval || clockRuns != 1 || weatherRuns != 0 {
		t.Errorf("status=%s clock=%d weather=%d", res.Status, clockRuns, weatherRuns)
	}
	if len(res.Messages) != 2 || res.Messages[1].ToolCallID != "c1" {
		t.Fatalf("messages = %+v", res.Messages)
	}
}

func TestRoutine_ValidationAutoCorrectIsTransient(t *testing.T) {
	var runs int32
	lookup := agent.NewTool("lookup", "Looks up a city.", func(ctx context.Context, in weatherArgs, vars agent.Vars) (*agent.ToolOutput, error) {
		atomic.AddInt32(&runs, 1)
		return agent.Text("found " + in.City), nil
	})
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("bad", "lookup", `{"town":"Bern"}`)),
		testharness.ToolCalls(testharness.Call("good", "lookup", weatherArgs{City: "Bern"})),
		testharness.Text("Bern found."),
	)
	a := &agent.Agent{Tools: []*agent.Tool{lookup}}

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), a, history("find bern"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.Calls() != 3 {
		t.Errorf("model calls = %d, want 3 (one extra round)", provider.Calls())
	}
	if runs != 1 {
		t.Errorf("tool runs = %d, want 1", runs)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(res.Messages))
	}
	for _, msg := range res.Messages {
		if msg.IsError {
			t.Errorf("validation exchange leaked into results: %+v", msg)
		}
		for _, call := range msg.ToolCalls {
			if call.ID == "bad" {
				t.Error("rejected call was recorded")
			}
		}
	}

	// The correction exchange is visible to the model on the retry.
	retry := provider.Request(1)
	if len(retry.Messages) != 3 {
		t.Fatalf("retry request messages = %d, want 3", len(retry.Messages))
	}
	feedback := retry.Messages[2]
	if feedback.Role != "tool" || feedback.ToolCallID != "bad" || !feedback.IsError || !strings.Contains(feedback.Content, "Correct the arguments") {
		t.Errorf("feedback = %+v", feedback)
	}
}

func TestRoutine_SecondValidationFailureIsRecorded(t *testing.T) {
	lookup := agent.NewTool("lookup", "Looks up a city.", func(ctx context.Context, in weatherArgs, vars agent.Vars) (*agent.ToolOutput, error) {
		t.Fatal("tool must not run with invalid arguments")
		return nil, nil
	})
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("bad-1", "lookup", `{}`)),
		testharness.ToolCalls(testharness.Call("bad-2", "lookup", `{}`)),
		testharness.Text("I could not look that up."),
	)
	a := &agent.Agent{Tools: []*agent.Tool{lookup}}

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), a, history("find"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(res.Messages))
	}
	if msg := res.Messages[1]; !msg.IsError || msg.ToolCallID != "bad-2" || !strings.Contains(msg.Content, "invalid_input") {
		t.Errorf("error tool message = %+v", msg)
	}
}

func TestRoutine_ToolFailureContinuesTurn(t *testing.T) {
	tests := []struct {
		name     string
		run      agent.RunFunc
		contains string
	}{
		{
			name: "error",
			run: func(ctx context.Context, args json.RawMessage, vars agent.Vars) (*agent.ToolOutput, error) {
				return nil, errors.New("upstream returned 503")
			},
			contains: "upstream returned 503",
		},
		{
			name: "panic",
			run: func(ctx context.Context, args json.RawMessage, vars agent.Vars) (*agent.ToolOutput, error) {
				panic("boom")
			},
			contains: "tool:panic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &agent.Tool{Name: "flaky", Description: "fails", Run: tt.run}
			provider := testharness.NewScriptedProvider(
				testharness.ToolCalls(testharness.Call("c", "flaky", nil)),
				testharness.Text("Sorry."),
			)
			res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), &agent.Agent{Tools: []*agent.Tool{tool}}, history("go"), nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Status != agent.StatusComplete || len(res.Messages) != 3 {
				t.Fatalf("status=%s messages=%d", res.Status, len(res.Messages))
			}
			if msg := res.Messages[1]; !msg.IsError || !strings.Contains(msg.Content, tt.contains) {
				t.Errorf("tool message = %+v, want error containing %q", msg, tt.contains)
			}
		})
	}
}

func TestRoutine_UnknownToolIsNotRetried(t *testing.T) {
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("c", "does_not_exist", nil)),
		testharness.Text("That tool is missing."),
	)
	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), &agent.Agent{}, history("go"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.Calls() != 2 {
		t.Errorf("model calls = %d, want 2", provider.Calls())
	}
	call := res.Messages[0].ToolCalls[0]
	if call.Validated == nil || *call.Validated {
		t.Errorf("unknown tool call Validated = %v, want false", call.Validated)
	}
	if msg := res.Messages[1]; !msg.IsError || !strings.Contains(msg.Content, "unknown tool") {
		t.Errorf("tool message = %+v", msg)
	}
}

func TestRoutine_MaxIterations(t *testing.T) {
	var runs int32
	provider := testharness.NewScriptedProvider(testharness.ToolCalls(testharness.Call("", "get_current_time", nil)))
	provider.Repeat = true
	cfg := agent.DefaultRoutineConfig()
	cfg.MaxIterations = 3

	res, err := newRoutine(provider, cfg).Run(context.Background(), &agent.Agent{Tools: []*agent.Tool{clockTool(&runs)}}, history("loop"), nil)
	if !errors.Is(err, agent.ErrMaxIterations) {
		t.Fatalf("Run() error = %v, want ErrMaxIterations", err)
	}
	var loopErr *agent.LoopError
	if !errors.As(err, &loopErr) || loopErr.Iteration != 3 {
		t.Errorf("LoopError = %+v", loopErr)
	}
	if provider.Calls() != 3 || runs != 3 {
		t.Errorf("calls=%d runs=%d, want 3/3", provider.Calls(), runs)
	}
	if res == nil || len(res.Messages) != 6 {
		t.Fatalf("partial result = %+v, want 6 messages", res)
	}
	ids := map[string]bool{}
	for _, msg := range res.Messages {
		for _, c := range msg.ToolCalls {
			if c.ID == "" || ids[c.ID] {
				t.Errorf("call id %q missing or reused", c.ID)
			}
			ids[c.ID] = true
		}
	}
}

func TestRoutine_ParallelResultsKeepRequestOrder(t *testing.T) {
	sleepy := func(name string, d time.Duration) *agent.Tool {
		return &agent.Tool{Name: name, Description: name, Run: func(ctx context.Context, args json.RawMessage, vars agent.Vars) (*agent.ToolOutput, error) {
			time.Sleep(d)
			return agent.Text(name), nil
		}}
	}
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(
			testharness.Call("a", "slow", nil),
			testharness.Call("b", "fast", nil),
			testharness.Call("c", "medium", nil),
		),
		testharness.Text("done"),
	)
	a := &agent.Agent{
		ParallelToolCalls: true,
		Tools: []*agent.Tool{
			sleepy("slow", 60*time.Millisecond),
			sleepy("fast", 0),
			sleepy("medium", 20*time.Millisecond),
		},
	}

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), a, history("go"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if got := res.Messages[i+1].ToolCallID; got != id {
			t.Errorf("result %d tool_call_id = %s, want %s", i, got, id)
		}
	}
	if !provider.Request(0).ParallelToolCalls {
		t.Error("request should advertise parallel tool calls")
	}
}

func TestRoutine_ToolSwitchesAgent(t *testing.T) {
	var runs int32
	specialist := &agent.Agent{Name: "specialist", Model: "specialist-model", Tools: []*agent.Tool{clockTool(&runs)}}
	switcher := &agent.Tool{Name: "switch", Description: "switch", Run: func(ctx context.Context, args json.RawMessage, vars agent.Vars) (*agent.ToolOutput, error) {
		return &agent.ToolOutput{Content: "switched", Agent: specialist}, nil
	}}
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("s", "switch", nil)),
		testharness.Text("ready"),
	)

	res, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), &agent.Agent{Name: "triage", Tools: []*agent.Tool{switcher}}, history("go"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Agent != specialist {
		t.Errorf("terminal agent = %v, want specialist", res.Agent.Name)
	}
	second := provider.Request(1)
	if second.Model != "specialist-model" || len(second.Tools) != 1 || second.Tools[0].Name != "get_current_time" {
		t.Errorf("second request model=%s tools=%+v", second.Model, second.Tools)
	}
}

func TestRoutine_ProviderErrorIsLoopError(t *testing.T) {
	provider := testharness.NewScriptedProvider(testharness.Step{Err: errors.New("503 from upstream")})
	_, err := newRoutine(provider, agent.DefaultRoutineConfig()).Run(context.Background(), &agent.Agent{}, history("hi"), nil)
	var loopErr *agent.LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != agent.PhaseStream {
		t.Fatalf("error = %v, want stream LoopError", err)
	}
}

func TestRoutine_StreamEvents(t *testing.T) {
	var runs int32
	provider := testharness.NewScriptedProvider(
		testharness.ToolCalls(testharness.Call("c", "get_current_time", nil)),
		testharness.Text("a", "b"),
	)
	events, err := newRoutine(provider, agent.DefaultRoutineConfig()).Stream(context.Background(), &agent.Agent{Tools: []*agent.Tool{clockTool(&runs)}}, history("go"), nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	counts := map[agent.EventType]int{}
	var text strings.Builder
	var last *agent.Event
	for ev := range events {
		counts[ev.Type]++
		if ev.Type == agent.EventText {
			text.WriteString(ev.Text)
		}
		last = ev
	}
	if last == nil || last.Type != agent.EventDone {
		t.Fatalf("last event = %+v, want done", last)
	}
	if text.String() != "ab" {
		t.Errorf("streamed text = %q", text.String())
	}
	if counts[agent.EventUsage] != 2 || counts[agent.EventToolCall] != 1 || counts[agent.EventToolResult] != 1 || counts[agent.EventMessage] != 3 {
		t.Errorf("event counts = %v", counts)
	}
}

func TestRoutine_CancelStopsStream(t *testing.T) {
	provider := testharness.NewScriptedProvider(testharness.Step{
		Chunks: []*agent.CompletionChunk{{Text: "one "}, {Text: "two "}, {Text: "three "}},
		Hang:   true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := newRoutine(provider, agent.DefaultRoutineConfig()).Stream(ctx, &agent.Agent{}, history("go"), nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	seen := 0
	for ev := range events {
		if ev.Type == agent.EventText {
			seen++
			if seen == 3 {
				cancel()
			}
		}
		if ev.Type == agent.EventDone {
			t.Fatal("cancelled stream reported done")
		}
	}
	if seen != 3 {
		t.Errorf("text events = %d, want 3", seen)
	}
}

func TestRoutine_RequiresProviderAndAgent(t *testing.T) {
	if _, err := agent.NewRoutine(nil, agent.RoutineConfig{}).Stream(context.Background(), &agent.Agent{}, nil, nil); !errors.Is(err, agent.ErrNoProvider) {
		t.Errorf("nil provider error = %v", err)
	}
	if _, err := newRoutine(testharness.NewScriptedProvider(), agent.RoutineConfig{}).Stream(context.Background(), nil, nil, nil); err == nil {
		t.Error("nil agent should error")
	}
}

func TestDefaultRoutineConfig(t *testing.T) {
	cfg := newRoutine(testharness.NewScriptedProvider(), agent.RoutineConfig{MaxIterations: -1}).Config()
	if cfg.MaxIterations != 10 || cfg.MaxTokens != 4096 || cfg.ToolTimeout != agent.DefaultToolTimeout || cfg.MaxParallelTools != 5 {
		t.Errorf("sanitized config = %+v", cfg)
	}
	if cfg.Logger == nil {
		t.Error("sanitized config should carry a logger")
	}
}
