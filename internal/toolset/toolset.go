package toolset

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolInfo is a tool as the remote session lists it, before namespacing.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Tool is one callable capability. Name is namespaced
// "<namespace>:<action>"; Call routes to the owning session.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Session     string

	call func(ctx context.Context, args map[string]any) (string, error)
}

// NewTool binds a callable tool. The manager uses it when assembling
// session toolsets; tests use it to script tools directly.
func NewTool(name, description string, schema json.RawMessage, session string, call func(ctx context.Context, args map[string]any) (string, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Session:     session,
		call:        call,
	}
}

func (t Tool) Call(ctx context.Context, args map[string]any) (string, error) {
	if t.call == nil {
		return "", fmt.Errorf("tool %s is not bound to a session", t.Name)
	}
	return t.call(ctx, args)
}

// Handle is the combined toolset borrowed by the orchestrator for one
// analysis call. It is a snapshot: disconnecting invalidates the sessions
// behind it, so handles must be re-fetched per cycle, never cached.
type Handle struct {
	tools []Tool
}

func (h *Handle) Tools() []Tool {
	out := make([]Tool, len(h.tools))
	copy(out, h.tools)
	return out
}

func (h *Handle) Len() int {
	return len(h.tools)
}

func (h *Handle) Names() []string {
	names := make([]string, 0, len(h.tools))
	for _, t := range h.tools {
		names = append(names, t.Name)
	}
	return names
}
