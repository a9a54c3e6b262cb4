package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// RunFunc executes a tool with raw JSON arguments that already passed schema validation.
type RunFunc func(ctx context.Context, args json.RawMessage, vars Vars) (*ToolOutput, error)

// OnlineFunc reports whether a tool's backing service is reachable.
type OnlineFunc func(ctx context.Context, vars Vars) bool

// ToolOutput is the result of a tool run.
type ToolOutput struct {
	// Content is the serialized result shown to the model.
	Content string

	// IsError marks a result the tool itself considers a failure.
	IsError bool

	// Agent, when set, replaces the active agent for the rest of the turn.
	Agent *Agent
}

// Text is a convenience constructor for a plain successful result.
func Text(content string) *ToolOutput {
	return &ToolOutput{Content: content}
}

// Tool is a callable capability described entirely by data. Tools are built
// at startup and shared read-only across requests.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON Schema of the arguments object.
	Schema json.RawMessage

	// RequiresApproval marks a human-in-the-loop tool.
	RequiresApproval bool

	// Requires lists Vars keys that must be present before Run is called.
	Requires []string

	// Metadata is merged beneath the request Vars on every run.
	Metadata map[string]any

	Run    RunFunc
	Online OnlineFunc

	once     sync.Once
	strict   json.RawMessage
	compiled *sjsonschema.Schema
	err      error
}

// NewTool builds a tool whose schema is reflected from In. Arguments are
// decoded into In with unknown fields rejected.
func NewTool[In any](name, description string, fn func(ctx context.Context, in In, vars Vars) (*ToolOutput, error)) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Schema:      ReflectSchema[In](),
		Run: func(ctx context.Context, args json.RawMessage, vars Vars) (*ToolOutput, error) {
			var in In
			if err := DecodeArgs(args, &in); err != nil {
				return nil, err
			}
			return fn(ctx, in, vars)
		},
	}
}

// ReflectSchema derives an object schema from a Go type.
func ReflectSchema[In any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(new(In)))
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// DecodeArgs strictly decodes tool arguments into dst.
func DecodeArgs(args json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// StrictSchema returns the tool schema with additionalProperties disabled on
// every object. It is computed once per tool.
func (t *Tool) StrictSchema() (json.RawMessage, error) {
	t.prepare()
	return t.strict, t.err
}

// Validate checks raw arguments against the strict schema.
func (t *Tool) Validate(args json.RawMessage) error {
	t.prepare()
	if t.err != nil {
		return &ValidationError{Tool: t.Name, Problems: []string{"schema: " + t.err.Error()}}
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}

	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return &ValidationError{Tool: t.Name, Problems: []string{"arguments are not valid JSON: " + err.Error()}}
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return &ValidationError{Tool: t.Name, Problems: validationProblems(err)}
	}
	return nil
}

func (t *Tool) prepare() {
	t.once.Do(func() {
		t.strict, t.err = strictSchema(t.Schema)
		if t.err != nil {
			return
		}
		t.compiled, t.err = sjsonschema.CompileString(t.Name+".schema.json", string(t.strict))
	})
}
