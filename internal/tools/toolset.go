package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/agentloop/internal/agent"
)

// SwitchToolset returns a tool that replaces the active agent's tools with
// one of the named sets for the rest of the turn. The switch tool itself is
// kept in every set so the model can switch again.
//
// base is the agent the new tool lists are applied to.
func SwitchToolset(base *agent.Agent, sets map[string][]*agent.Tool) (*agent.Tool, error) {
	if base == nil {
		return nil, fmt.Errorf("switch_toolset: base agent is required")
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("switch_toolset: at least one toolset is required")
	}
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	schema, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"toolset": map[string]any{
				"type":        "string",
				"enum":        names,
				"description": "Name of the toolset to activate.",
			},
		},
		"required": []string{"toolset"},
	})
	if err != nil {
		return nil, err
	}

	tool := &agent.Tool{
		Name:        "switch_toolset",
		Description: "Replaces the available tools with another toolset: " + strings.Join(names, ", ") + ".",
		Schema:      schema,
	}
	tool.Run = func(ctx context.Context, args json.RawMessage, vars agent.Vars) (*agent.ToolOutput, error) {
		var in struct {
			Toolset string `json:"toolset"`
		}
		if err := agent.DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		set, ok := sets[in.Toolset]
		if !ok {
			return &agent.ToolOutput{Content: fmt.Sprintf("unknown toolset %q", in.Toolset), IsError: true}, nil
		}
		next := base.WithTools(append(append([]*agent.Tool(nil), set...), tool)...)
		toolNames := make([]string, 0, len(set))
		for _, t := range set {
			toolNames = append(toolNames, t.Name)
		}
		return &agent.ToolOutput{
			Content: fmt.Sprintf("Switched to toolset %s. Available tools: %s.", in.Toolset, strings.Join(toolNames, ", ")),
			Agent:   next,
		}, nil
	}
	return tool, nil
}
