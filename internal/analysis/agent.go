package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/toolset"
)

const systemPrompt = `You are a fitness data analyst. You are given Garmin activity IDs and tools to
fetch the underlying metrics and to render charts. Fetch the data for every
activity you were asked about, compare it with the athlete's recent history
when the tools allow it, then write a concise markdown analysis. Include one
markdown table summarizing the key metrics per activity. Generate charts where
a trend is worth seeing. Do not invent numbers.`

// Runner drives one streaming agent run (allows mocking in tests).
type Runner interface {
	RunStream(ctx context.Context, req api.Request) (<-chan api.StreamEvent, error)
	Close()
}

// runnerAdapter wraps api.Runtime to implement Runner.
type runnerAdapter struct {
	rt *api.Runtime
}

func (r *runnerAdapter) RunStream(ctx context.Context, req api.Request) (<-chan api.StreamEvent, error) {
	return r.rt.RunStream(ctx, req)
}

func (r *runnerAdapter) Close() {
	r.rt.Close()
}

// RunnerFactory creates a Runner for one analysis run. The tool list changes
// between cycles (sessions reconnect), so the runtime is rebuilt per run
// rather than shared.
type RunnerFactory func(cfg *config.Config, tools []tool.Tool) (Runner, error)

// DefaultRunnerFactory creates the default agentsdk-go runtime.
func DefaultRunnerFactory(cfg *config.Config, tools []tool.Tool) (Runner, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Analysis.Model,
			MaxTokens: cfg.Analysis.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Analysis.Model,
			MaxTokens: cfg.Analysis.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.StateDir(),
		ModelFactory:  provider,
		SystemPrompt:  systemPrompt,
		MaxIterations: cfg.Analysis.MaxToolIterations,
		CustomTools:   tools,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runnerAdapter{rt: rt}, nil
}

// AgentSession implements Session on top of agentsdk-go. Each Stream call
// bridges the borrowed toolset into the runtime, runs the agent, and
// translates the SDK's SSE events into analysis events.
type AgentSession struct {
	cfg     *config.Config
	factory RunnerFactory
}

func NewAgentSession(cfg *config.Config) *AgentSession {
	return &AgentSession{cfg: cfg, factory: DefaultRunnerFactory}
}

func NewAgentSessionWithFactory(cfg *config.Config, factory RunnerFactory) *AgentSession {
	return &AgentSession{cfg: cfg, factory: factory}
}

func (s *AgentSession) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	bridged, names := bridgeTools(req.Tools)

	runner, err := s.factory(s.cfg, bridged)
	if err != nil {
		return nil, fmt.Errorf("create analysis runner: %w", err)
	}

	stream, err := runner.RunStream(ctx, api.Request{
		Prompt:    req.Prompt,
		SessionID: "analysis",
	})
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("start agent run: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer runner.Close()
		translateStream(ctx, stream, out, names)
	}()
	return out, nil
}

// translateStream folds SDK events into analysis events. The SDK closes its
// channel after the final event, emitting an error event last on failure, so
// a clean close maps to End and an error event terminates the translation.
func translateStream(ctx context.Context, in <-chan api.StreamEvent, out chan<- Event, names map[string]string) {
	deliver := func(evt Event) bool {
		select {
		case out <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}
	drain := func() {
		for range in {
		}
	}

	for evt := range in {
		switch evt.Type {
		case api.EventContentBlockDelta:
			if evt.Delta == nil || evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
				continue
			}
			if !deliver(Event{Kind: EventTextDelta, Text: evt.Delta.Text}) {
				drain()
				return
			}
		case api.EventToolExecutionStart:
			if !deliver(Event{Kind: EventToolCall, Tool: restoreName(evt.Name, names)}) {
				drain()
				return
			}
		case api.EventToolExecutionResult:
			payload, err := json.Marshal(evt.Output)
			if err != nil {
				log.Printf("[analysis] drop tool result %s: %v", evt.Name, err)
				continue
			}
			if !deliver(Event{Kind: EventToolResult, Tool: restoreName(evt.Name, names), Payload: payload}) {
				drain()
				return
			}
		case api.EventError:
			deliver(Event{Kind: EventError, Message: stringifyOutput(evt.Output)})
			drain()
			return
		}
	}
	deliver(Event{Kind: EventEnd})
}

func stringifyOutput(out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	return fmt.Sprint(out)
}

// bridgeTools wraps session tools as runtime tools. Provider APIs reject ":"
// in tool names, so the namespace separator is rewritten to "__" on the way
// in; the returned map restores original names when events come back.
func bridgeTools(tools []toolset.Tool) ([]tool.Tool, map[string]string) {
	if len(tools) == 0 {
		return nil, nil
	}
	bridged := make([]tool.Tool, 0, len(tools))
	names := make(map[string]string, len(tools))
	for _, t := range tools {
		wireName := strings.ReplaceAll(t.Name, ":", "__")
		names[wireName] = t.Name
		bridged = append(bridged, &bridgeTool{
			name:   wireName,
			desc:   t.Description,
			schema: convertSchema(t.InputSchema),
			impl:   t,
		})
	}
	return bridged, names
}

func restoreName(wireName string, names map[string]string) string {
	if original, ok := names[wireName]; ok {
		return original
	}
	return wireName
}

type bridgeTool struct {
	name   string
	desc   string
	schema *tool.JSONSchema
	impl   toolset.Tool
}

func (b *bridgeTool) Name() string { return b.name }

func (b *bridgeTool) Description() string { return b.desc }

func (b *bridgeTool) Schema() *tool.JSONSchema { return b.schema }

func (b *bridgeTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	output, err := b.impl.Call(ctx, params)
	if err != nil {
		return &tool.ToolResult{Success: false, Error: err}, nil
	}
	return &tool.ToolResult{Success: true, Output: output}, nil
}

func convertSchema(raw json.RawMessage) *tool.JSONSchema {
	schema := &tool.JSONSchema{Type: "object", Properties: map[string]interface{}{}}
	if len(raw) == 0 {
		return schema
	}
	var parsed struct {
		Type       string                 `json:"type"`
		Properties map[string]interface{} `json:"properties"`
		Required   []string               `json:"required"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Printf("[analysis] tool schema unparseable, exposing open schema: %v", err)
		return schema
	}
	if parsed.Type != "" {
		schema.Type = parsed.Type
	}
	if parsed.Properties != nil {
		schema.Properties = parsed.Properties
	}
	schema.Required = parsed.Required
	return schema
}
