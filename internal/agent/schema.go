package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// strictSchema closes every object schema against extra properties and drops
// top-level keys providers reject.
func strictSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if t, _ := root["type"].(string); t != "object" {
		return nil, fmt.Errorf("schema root must be an object, got %v", root["type"])
	}
	delete(root, "$schema")
	delete(root, "$id")
	closeObjects(root)
	if _, ok := root["properties"]; !ok {
		root["properties"] = map[string]any{}
	}
	return json.Marshal(root)
}

func closeObjects(node any) {
	switch v := node.(type) {
	case map[string]any:
		if t, _ := v["type"].(string); t == "object" {
			if _, set := v["additionalProperties"]; !set {
				v["additionalProperties"] = false
			}
		}
		for key, child := range v {
			switch key {
			case "properties", "$defs", "definitions", "patternProperties":
				if props, ok := child.(map[string]any); ok {
					for _, p := range props {
						closeObjects(p)
					}
				}
			case "items", "additionalItems", "not", "if", "then", "else":
				closeObjects(child)
			case "anyOf", "oneOf", "allOf", "prefixItems":
				if list, ok := child.([]any); ok {
					for _, item := range list {
						closeObjects(item)
					}
				}
			}
		}
	case []any:
		for _, item := range v {
			closeObjects(item)
		}
	}
}

// validationProblems flattens a schema validation error into leaf messages.
func validationProblems(err error) []string {
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*sjsonschema.ValidationError)
	walk = func(e *sjsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
