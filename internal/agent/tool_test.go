package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

type diceArgs struct {
	Sides int    `json:"sides" jsonschema:"minimum=2,description=Number of faces"`
	Label string `json:"label,omitempty"`
}

func TestReflectSchemaIsStrictObject(t *testing.T) {
	tool := NewTool("roll", "Rolls a die.", func(ctx context.Context, in diceArgs, vars Vars) (*ToolOutput, error) {
		return Text("4"), nil
	})
	raw, err := tool.StrictSchema()
	if err != nil {
		t.Fatalf("StrictSchema() error = %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["type"] != "object" || schema["additionalProperties"] != false {
		t.Errorf("schema root = %v", schema)
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "sides" {
		t.Errorf("required = %v, want [sides]", required)
	}
}

func TestStrictSchemaClosesNestedObjects(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"filter": {"type": "object", "properties": {"region": {"type": "string"}}},
			"items": {"type": "array", "items": {"type": "object", "properties": {"id": {"type": "string"}}}}
		}
	}`)
	out, err := strictSchema(raw)
	if err != nil {
		t.Fatalf("strictSchema() error = %v", err)
	}
	if n := strings.Count(string(out), `"additionalProperties":false`); n != 3 {
		t.Errorf("closed objects = %d, want 3: %s", n, out)
	}
}

func TestStrictSchemaRejectsNonObjectRoot(t *testing.T) {
	if _, err := strictSchema(json.RawMessage(`{"type":"string"}`)); err == nil {
		t.Error("expected error for non-object root")
	}
	if _, err := strictSchema(json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	out, err := strictSchema(nil)
	if err != nil || !strings.Contains(string(out), `"properties":{}`) {
		t.Errorf("empty schema = %s, %v", out, err)
	}
}

func TestToolValidate(t *testing.T) {
	tool := NewTool("roll", "Rolls a die.", func(ctx context.Context, in diceArgs, vars Vars) (*ToolOutput, error) {
		return Text("4"), nil
	})

	tests := []struct {
		name    string
		args    string
		wantErr bool
		mention string
	}{
		{"valid", `{"sides":6}`, false, ""},
		{"valid with optional", `{"sides":20,"label":"d20"}`, false, ""},
		{"missing required", `{}`, true, "sides"},
		{"wrong type", `{"sides":"six"}`, true, "/sides"},
		{"below minimum", `{"sides":1}`, true, "/sides"},
		{"extra property", `{"sides":6,"color":"red"}`, true, "color"},
		{"not json", `{`, true, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Tool != "roll" {
				t.Fatalf("error = %T %v", err, err)
			}
			if !strings.Contains(ve.Error(), tt.mention) {
				t.Errorf("error %q should mention %q", ve.Error(), tt.mention)
			}
		})
	}
}

func TestNewToolDecodesArguments(t *testing.T) {
	var got diceArgs
	tool := NewTool("roll", "Rolls a die.", func(ctx context.Context, in diceArgs, vars Vars) (*ToolOutput, error) {
		got = in
		return Text("ok"), nil
	})
	if _, err := tool.Run(context.Background(), json.RawMessage(`{"sides":12,"label":"x"}`), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Sides != 12 || got.Label != "x" {
		t.Errorf("decoded = %+v", got)
	}
	if _, err := tool.Run(context.Background(), json.RawMessage(`{"sides":12,"bogus":1}`), nil); err == nil {
		t.Error("unknown fields should be rejected by DecodeArgs")
	}
}

func TestToolRegistry(t *testing.T) {
	b := &Tool{Name: "b", Description: "second"}
	a := &Tool{Name: "a", Description: "first"}
	registry := NewToolRegistry(b, a, nil, &Tool{})

	list := registry.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("List() = %v", list)
	}
	if _, err := registry.Lookup("missing"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Lookup(missing) error = %v", err)
	}
	if _, err := registry.Lookup(strings.Repeat("x", MaxToolNameLength+1)); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Lookup(long) error = %v", err)
	}

	defs, err := registry.Definitions()
	if err != nil {
		t.Fatalf("Definitions() error = %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "a" || defs[0].Description != "first" {
		t.Errorf("Definitions() = %+v", defs)
	}

	registry.Register(&Tool{Name: "a", Description: "replaced"})
	if tool, _ := registry.Get("a"); tool.Description != "replaced" {
		t.Error("Register should replace by name")
	}
}

func TestToolRegistryDefinitionsError(t *testing.T) {
	registry := NewToolRegistry(&Tool{Name: "bad", Schema: json.RawMessage(`{"type":"array"}`)})
	if _, err := registry.Definitions(); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("Definitions() error = %v", err)
	}
}

func TestToolRegistryOnline(t *testing.T) {
	var checks int32
	registry := NewToolRegistry(
		&Tool{Name: "always"},
		&Tool{Name: "up", Online: func(ctx context.Context, vars Vars) bool { atomic.AddInt32(&checks, 1); return true }},
		&Tool{Name: "down", Online: func(ctx context.Context, vars Vars) bool { atomic.AddInt32(&checks, 1); return false }},
	)
	got := registry.Online(context.Background(), Vars{})
	if !got["always"] || !got["up"] || got["down"] || len(got) != 3 {
		t.Errorf("Online() = %v", got)
	}
	if checks != 2 {
		t.Errorf("checks = %d, want 2", checks)
	}
}

func TestVarsFor(t *testing.T) {
	tool := &Tool{Name: "t", Requires: []string{VarAccessToken}, Metadata: map[string]any{"region": "eu"}}
	if _, err := (Vars{}).For(tool); !errors.Is(err, ErrMissingVar) {
		t.Errorf("missing var error = %v", err)
	}
	if _, err := (Vars{VarAccessToken: ""}).For(tool); !errors.Is(err, ErrMissingVar) {
		t.Errorf("empty var error = %v", err)
	}
	out, err := (Vars{VarAccessToken: "tok"}).For(tool)
	if err != nil || out.String("region") != "eu" || out.String(VarAccessToken) != "tok" {
		t.Errorf("For() = %v, %v", out, err)
	}
}

func TestAgentHelpers(t *testing.T) {
	a := &Agent{Instructions: "  static  "}
	if a.SystemPrompt() != "static" {
		t.Errorf("SystemPrompt() = %q", a.SystemPrompt())
	}
	a.InstructionsFunc = func() string { return "computed" }
	if a.SystemPrompt() != "computed" {
		t.Errorf("SystemPrompt() with func = %q", a.SystemPrompt())
	}

	tool := &Tool{Name: "x"}
	b := a.WithTools(tool)
	if len(a.Tools) != 0 || len(b.Tools) != 1 {
		t.Error("WithTools must not mutate the original")
	}
	if _, ok := b.Registry().Get("x"); !ok {
		t.Error("Registry() should expose the tools")
	}
	if *Float(0.2) != 0.2 {
		t.Error("Float helper")
	}
}
