package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/toolset"
)

// Session produces the analysis event stream for one request. The real
// implementation drives the agent runtime (agent.go); tests script events.
type Session interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

type Request struct {
	Prompt      string
	ActivityIDs []string
	Tools       []toolset.Tool
}

// Orchestrator turns an ordered event stream into a Result. It submits one
// request per Analyze call, folds the stream strictly in arrival order, and
// mines the accumulated text for a metrics table afterwards.
type Orchestrator struct {
	session Session
	prompt  *Template
	chartNS string
	timeout time.Duration
	now     func() time.Time
}

func NewOrchestrator(session Session, prompt *Template, chartNamespace string, cfg config.AnalysisConfig) *Orchestrator {
	return &Orchestrator{
		session: session,
		prompt:  prompt,
		chartNS: chartNamespace,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		now:     time.Now,
	}
}

func (o *Orchestrator) Analyze(ctx context.Context, activityIDs []string, tools *toolset.Handle) (*Result, error) {
	if len(activityIDs) == 0 {
		return nil, ErrInvalidInput
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := Request{
		Prompt:      o.prompt.Render(activityIDs),
		ActivityIDs: activityIDs,
	}
	if tools != nil {
		req.Tools = tools.Tools()
	}

	events, err := o.session.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start analysis stream: %w", err)
	}

	var insights strings.Builder
	var charts []ChartRef
	chartPrefix := o.chartNS + ":"
	toolCalls := 0

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("analysis interrupted: %w", ctx.Err())
		case evt, ok := <-events:
			if !ok {
				// The stream must terminate with End or Error; a bare close
				// means the producer died. Keep what was collected.
				return nil, &UpstreamError{
					Partial: o.buildResult(insights.String(), charts),
					Message: "stream closed without end event",
				}
			}
			switch evt.Kind {
			case EventTextDelta:
				insights.WriteString(evt.Text)
			case EventToolCall:
				toolCalls++
				log.Printf("[analysis] tool call %s", evt.Tool)
			case EventToolResult:
				if !strings.HasPrefix(evt.Tool, chartPrefix) {
					continue
				}
				ref, ok := parseChartPayload(evt.Tool, evt.Payload)
				if !ok {
					log.Printf("[analysis] skipping chart result %s: unrecognized payload shape", evt.Tool)
					continue
				}
				charts = append(charts, ref)
			case EventError:
				return nil, &UpstreamError{
					Partial: o.buildResult(insights.String(), charts),
					Message: evt.Message,
				}
			case EventEnd:
				if insights.Len() == 0 {
					log.Printf("[analysis] stream ended without any text (%d tool calls)", toolCalls)
				}
				return o.buildResult(insights.String(), charts), nil
			}
		}
	}
}

func (o *Orchestrator) buildResult(text string, charts []ChartRef) *Result {
	return &Result{
		Timestamp:    o.now(),
		Insights:     text,
		MetricsTable: ExtractTable(text),
		Charts:       charts,
	}
}

// parseChartPayload digs the chart URL out of a tool result payload. Two
// shapes are understood: a bare object with url/kind fields, and the agent
// runtime's wrapper whose "output" field holds that object as JSON text.
// Anything else is skipped by the caller.
func parseChartPayload(tool string, payload json.RawMessage) (ChartRef, bool) {
	fields, ok := decodeChartFields(payload)
	if !ok {
		return ChartRef{}, false
	}

	url, _ := fields["url"].(string)
	if url == "" {
		return ChartRef{}, false
	}
	kind, _ := fields["kind"].(string)
	return ChartRef{Title: tool, URL: url, Kind: kind}, true
}

func decodeChartFields(payload json.RawMessage) (map[string]any, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		// Payload may itself be a JSON-encoded string of the object.
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, false
		}
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
			return nil, false
		}
	}
	if inner, ok := fields["output"].(string); ok && fields["url"] == nil {
		var unwrapped map[string]any
		if err := json.Unmarshal([]byte(inner), &unwrapped); err == nil {
			fields = unwrapped
		}
	}
	return fields, true
}
