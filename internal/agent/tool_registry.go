package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 64

	// MaxToolArgsSize is the maximum size of tool arguments JSON (1MB).
	MaxToolArgsSize = 1 << 20
)

// ToolRegistry maps tool names to tools with thread-safe registration and lookup.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...*Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool by name, replacing any tool with the same name.
func (r *ToolRegistry) Register(tool *Tool) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Lookup is Get with an ErrUnknownTool error for missing names.
func (r *ToolRegistry) Lookup(name string) (*Tool, error) {
	if len(name) > MaxToolNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrUnknownTool, MaxToolNameLength)
	}
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool, nil
}

// List returns the registered tools sorted by name.
func (r *ToolRegistry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the strict provider-facing definition of every tool.
func (r *ToolRegistry) Definitions() ([]ToolDefinition, error) {
	tools := r.List()
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		schema, err := t.StrictSchema()
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		defs = append(defs, ToolDefinition{Name: t.Name, Description: t.Description, Schema: schema})
	}
	return defs, nil
}

// Online checks every tool concurrently. Tools without a liveness check are online.
func (r *ToolRegistry) Online(ctx context.Context, vars Vars) map[string]bool {
	tools := r.List()
	out := make(map[string]bool, len(tools))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, t := range tools {
		if t.Online == nil {
			mu.Lock()
			out[t.Name] = true
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(t *Tool) {
			defer wg.Done()
			ok := t.Online(ctx, vars)
			mu.Lock()
			out[t.Name] = ok
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return out
}
