package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// eventBufferSize is the capacity of the routine's event channel.
const eventBufferSize = 64

// RoutineConfig configures the orchestration loop.
type RoutineConfig struct {
	// MaxIterations limits model calls per turn
	// Default: 10
	MaxIterations int

	// MaxTokens is the max tokens requested per model call
	// Default: 4096
	MaxTokens int

	// ToolTimeout bounds each tool run
	// Default: 30s
	ToolTimeout time.Duration

	// MaxParallelTools caps concurrent auto-run tools when the agent allows parallel calls
	// Default: 5
	MaxParallelTools int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultRoutineConfig returns the default routine configuration.
func DefaultRoutineConfig() RoutineConfig {
	return RoutineConfig{
		MaxIterations:    10,
		MaxTokens:        4096,
		ToolTimeout:      DefaultToolTimeout,
		MaxParallelTools: 5,
	}
}

func sanitizeRoutineConfig(cfg RoutineConfig) RoutineConfig {
	defaults := DefaultRoutineConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaults.MaxParallelTools
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Status is the terminal state of a turn that did not fail.
type Status string

const (
	// StatusComplete means the model answered with no further tool calls.
	StatusComplete Status = "complete"

	// StatusAwaitingApproval means the turn stopped on human-in-the-loop calls.
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Result is the outcome of one turn.
type Result struct {
	// Messages are the new messages produced by the turn, in order. They have
	// not been persisted.
	Messages []*models.Message

	// Agent is the agent active at the end of the turn.
	Agent *Agent

	Status     Status
	Usage      TokenUsage
	Iterations int
}

// PendingToolCalls returns the calls in Messages still awaiting approval.
func (r *Result) PendingToolCalls() []models.ToolCall {
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

// EventType identifies a routine event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventMessage    EventType = "message"
	EventDone       EventType = "done"
	EventError      EventType = "error"

	// EventUsage carries per-call token counts. It is an internal signal for
	// accounting and must not be forwarded to clients.
	EventUsage EventType = "usage"
)

// Event is one step of routine output.
type Event struct {
	Type     EventType
	Text     string
	ToolCall *models.ToolCall
	Message  *models.Message
	Usage    *TokenUsage

	// Result is set on EventDone and EventError. On error it holds the
	// messages produced before the failure.
	Result *Result
	Error  error
}

// Routine drives the model and tool loop for one agent turn. It holds no
// per-request state and is safe for concurrent use.
type Routine struct {
	provider LLMProvider
	config   RoutineConfig
	executor *Executor
}

// NewRoutine creates a routine over provider.
func NewRoutine(provider LLMProvider, config RoutineConfig) *Routine {
	config = sanitizeRoutineConfig(config)
	gate := &Gate{
		Timeout: config.ToolTimeout,
		Logger:  config.Logger,
		Metrics: config.Metrics,
		Tracer:  config.Tracer,
	}
	return &Routine{
		provider: provider,
		config:   config,
		executor: NewExecutor(gate, ExecutorConfig{MaxConcurrency: config.MaxParallelTools}),
	}
}

// Gate returns the gate the routine executes tools with.
func (r *Routine) Gate() *Gate {
	return r.executor.gate
}

// Config returns the sanitized configuration.
func (r *Routine) Config() RoutineConfig {
	return r.config
}

// Run executes a turn and returns its result. On failure the returned result
// holds the messages produced before the error.
func (r *Routine) Run(ctx context.Context, agent *Agent, history []*models.Message, vars Vars) (*Result, error) {
	events, err := r.Stream(ctx, agent, history, vars)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		switch ev.Type {
		case EventDone:
			return ev.Result, nil
		case EventError:
			return ev.Result, ev.Error
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("routine stream closed without a result")
}

// Stream executes a turn and reports progress on the returned channel. The
// channel is closed after an EventDone or EventError. history is the stored
// thread, including the new user message; it is not modified.
func (r *Routine) Stream(ctx context.Context, agent *Agent, history []*models.Message, vars Vars) (<-chan *Event, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}
	if agent == nil {
		return nil, errors.New("agent is nil")
	}
	if vars == nil {
		vars = Vars{}
	}

	events := make(chan *Event, eventBufferSize)
	go func() {
		defer close(events)
		t := &turn{
			routine: r,
			events:  events,
			vars:    vars,
			active:  agent,
			view:    toCompletionMessages(repairTranscript(history)),
		}
		t.run(ctx)
	}()
	return events, nil
}

// turn is the mutable state of one Stream call.
type turn struct {
	routine *Routine
	events  chan<- *Event
	vars    Vars

	active   *Agent
	registry *ToolRegistry
	view     []CompletionMessage
	produced []*models.Message
	usage    TokenUsage

	iteration     int
	correctedOnce bool
}

func (t *turn) run(ctx context.Context) {
	cfg := t.routine.config
	t.registry = t.active.Registry()

	for t.iteration = 0; t.iteration < cfg.MaxIterations; t.iteration++ {
		if err := ctx.Err(); err != nil {
			t.fail(ctx, PhaseContinue, err, "")
			return
		}

		text, calls, err := t.callModel(ctx)
		if err != nil {
			t.fail(ctx, PhaseStream, err, "")
			return
		}

		if len(calls) == 0 {
			if text != "" {
				t.record(ctx, &models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Content: text})
			}
			t.finish(ctx, StatusComplete)
			return
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
		}

		if problems := t.validateAll(calls); len(problems) > 0 && !t.correctedOnce {
			t.correctedOnce = true
			t.requestCorrection(ctx, text, calls, problems)
			continue
		}

		pending, err := t.executeTools(ctx, text, calls)
		if err != nil {
			t.fail(ctx, PhaseExecuteTools, err, "")
			return
		}
		if len(pending) > 0 {
			t.finish(ctx, StatusAwaitingApproval)
			return
		}
	}

	t.fail(ctx, PhaseContinue, ErrMaxIterations, fmt.Sprintf("reached max iterations: %d", cfg.MaxIterations))
}

// callModel runs one streaming completion and collects its text and calls.
func (t *turn) callModel(ctx context.Context) (string, []models.ToolCall, error) {
	r := t.routine
	defs, err := t.registry.Definitions()
	if err != nil {
		return "", nil, err
	}

	req := &CompletionRequest{
		Model:             t.active.Model,
		System:            t.active.SystemPrompt(),
		Messages:          t.view,
		Tools:             defs,
		MaxTokens:         r.config.MaxTokens,
		Temperature:       t.active.Temperature,
		ParallelToolCalls: t.active.ParallelToolCalls,
	}

	ctx, span := r.config.Tracer.TraceLLMRequest(ctx, r.provider.Name(), req.Model)
	defer span.End()

	start := time.Now()
	usage, text, calls, err := t.drain(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
		r.config.Tracer.RecordError(span, err)
	}
	var u TokenUsage
	if usage != nil {
		u = *usage
	}
	r.config.Metrics.RecordLLMRequest(r.provider.Name(), req.Model, status, time.Since(start).Seconds(), u.InputTokens, u.CachedInputTokens, u.OutputTokens)
	if err != nil {
		return "", nil, err
	}

	if usage != nil {
		t.usage.Add(usage)
		t.emit(ctx, &Event{Type: EventUsage, Usage: usage})
	}
	return text, calls, nil
}

func (t *turn) drain(ctx context.Context, req *CompletionRequest) (*TokenUsage, string, []models.ToolCall, error) {
	chunks, err := t.routine.provider.Complete(ctx, req)
	if err != nil {
		return nil, "", nil, err
	}

	var (
		text  strings.Builder
		calls []models.ToolCall
		usage *TokenUsage
	)
	for {
		select {
		case <-ctx.Done():
			return nil, "", nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return usage, text.String(), calls, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return nil, "", nil, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				t.emit(ctx, &Event{Type: EventText, Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				calls = append(calls, chunk.ToolCall.Clone())
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
		}
	}
}

// validateAll checks the arguments of every call to a known tool.
func (t *turn) validateAll(calls []models.ToolCall) map[string]error {
	problems := make(map[string]error)
	for _, call := range calls {
		tool, ok := t.registry.Get(call.Name)
		if !ok {
			continue
		}
		if err := t.routine.Gate().Validate(tool, call); err != nil {
			problems[call.ID] = err
		}
	}
	return problems
}

// requestCorrection adds the rejected exchange to the model view only. None
// of the calls run and nothing is recorded in the turn's messages.
func (t *turn) requestCorrection(ctx context.Context, text string, calls []models.ToolCall, problems map[string]error) {
	t.routine.config.Logger.InfoContext(ctx, "tool arguments failed validation, asking model to correct",
		"iteration", t.iteration,
		"invalid_calls", len(problems),
	)
	t.view = append(t.view, CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   text,
		ToolCalls: calls,
	})
	for _, call := range calls {
		content := "Not executed because another tool call in the same response had invalid arguments. Issue it again if it is still needed."
		if err, bad := problems[call.ID]; bad {
			content = err.Error() + ". Correct the arguments and call the tool again."
		}
		t.view = append(t.view, CompletionMessage{
			Role:       string(models.RoleTool),
			Content:    content,
			ToolCallID: call.ID,
			IsError:    true,
		})
	}
}

// executeTools records the assistant message, runs the auto-run calls and
// returns the calls left for human approval.
func (t *turn) executeTools(ctx context.Context, text string, calls []models.ToolCall) ([]models.ToolCall, error) {
	var auto, pending []models.ToolCall
	for i := range calls {
		tool, known := t.registry.Get(calls[i].Name)
		switch {
		case !known:
			calls[i].Validated = models.Bool(false)
			auto = append(auto, calls[i])
		case tool.RequiresApproval:
			calls[i].Validated = nil
			pending = append(pending, calls[i])
		default:
			calls[i].Validated = models.Bool(true)
			auto = append(auto, calls[i])
		}
	}

	assistant := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	}
	t.record(ctx, assistant)
	for i := range calls {
		call := calls[i]
		t.emit(ctx, &Event{Type: EventToolCall, ToolCall: &call})
	}

	results := t.routine.executor.ExecuteAll(ctx, auto, t.registry, t.vars, t.active.ParallelToolCalls)
	var next *Agent
	for _, res := range results {
		t.emit(ctx, &Event{Type: EventToolResult, Message: res.Message, ToolCall: &res.Call})
		t.record(ctx, res.Message)
		if res.Agent != nil {
			next = res.Agent
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if next != nil {
		t.routine.config.Logger.InfoContext(ctx, "tool switched active agent", "from", t.active.Name, "to", next.Name)
		t.active = next
		t.registry = next.Registry()
	}
	return pending, nil
}

// record appends msg to the turn output and the model view.
func (t *turn) record(ctx context.Context, msg *models.Message) {
	t.produced = append(t.produced, msg)
	t.view = append(t.view, toCompletionMessage(msg))
	t.emit(ctx, &Event{Type: EventMessage, Message: msg})
}

func (t *turn) result(status Status) *Result {
	return &Result{
		Messages:   t.produced,
		Agent:      t.active,
		Status:     status,
		Usage:      t.usage,
		Iterations: t.iteration + 1,
	}
}

func (t *turn) finish(ctx context.Context, status Status) {
	t.routine.config.Logger.DebugContext(ctx, "turn finished",
		"status", string(status),
		"iterations", t.iteration+1,
		"messages", len(t.produced),
	)
	t.emit(ctx, &Event{Type: EventDone, Result: t.result(status)})
}

func (t *turn) fail(ctx context.Context, phase LoopPhase, cause error, message string) {
	err := &LoopError{Phase: phase, Iteration: t.iteration, Cause: cause, Message: message}
	res := t.result("")
	if errors.Is(cause, ErrMaxIterations) {
		res.Iterations = t.iteration
	}
	t.routine.config.Logger.WarnContext(ctx, "turn failed", "phase", string(phase), "iteration", t.iteration, "error", err)
	t.emit(ctx, &Event{Type: EventError, Error: err, Result: res})
}

// emit delivers ev unless ctx is done. Terminal events are still attempted
// without blocking so a reader that is draining sees them.
func (t *turn) emit(ctx context.Context, ev *Event) {
	if ev.Type == EventDone || ev.Type == EventError {
		select {
		case t.events <- ev:
			return
		default:
		}
	}
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func toCompletionMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, toCompletionMessage(msg))
	}
	return out
}

func toCompletionMessage(msg *models.Message) CompletionMessage {
	return CompletionMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		IsError:    msg.IsError,
	}
}
