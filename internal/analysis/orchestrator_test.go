package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
)

type scriptedSession struct {
	events   []Event
	startErr error
	gotReq   *Request
	calls    int
}

func (s *scriptedSession) Stream(_ context.Context, req Request) (<-chan Event, error) {
	s.calls++
	s.gotReq = &req
	if s.startErr != nil {
		return nil, s.startErr
	}
	ch := make(chan Event, len(s.events))
	for _, evt := range s.events {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

func newTestOrchestrator(session Session) *Orchestrator {
	o := NewOrchestrator(session, DefaultTemplate(), "charts", config.AnalysisConfig{TimeoutSeconds: 5})
	o.now = func() time.Time { return time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC) }
	return o
}

func chartPayload(t *testing.T, url, kind string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"url": url, "kind": kind})
	if err != nil {
		t.Fatalf("marshal chart payload: %v", err)
	}
	return raw
}

func TestAnalyzeCollectsStreamInOrder(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{events: []Event{
		{Kind: EventTextDelta, Text: "Great "},
		{Kind: EventToolCall, Tool: "activity:get_details"},
		{Kind: EventToolResult, Tool: "activity:get_details", Payload: json.RawMessage(`{"distance":10.2}`)},
		{Kind: EventTextDelta, Text: "pace "},
		{Kind: EventToolResult, Tool: "charts:line", Payload: chartPayload(t, "http://x/1.png", "line")},
		{Kind: EventTextDelta, Text: "today."},
		{Kind: EventToolResult, Tool: "charts:bar", Payload: chartPayload(t, "http://x/2.png", "bar")},
		{Kind: EventEnd},
	}}

	result, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"100", "101"}, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Insights != "Great pace today." {
		t.Fatalf("insights = %q", result.Insights)
	}
	if len(result.Charts) != 2 {
		t.Fatalf("chart count = %d, want 2", len(result.Charts))
	}
	if result.Charts[0].URL != "http://x/1.png" || result.Charts[1].URL != "http://x/2.png" {
		t.Fatalf("chart order wrong: %+v", result.Charts)
	}
	if result.Charts[0].Title != "charts:line" || result.Charts[0].Kind != "line" {
		t.Fatalf("chart ref = %+v", result.Charts[0])
	}
	if result.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestAnalyzeRendersPromptWithIDs(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{events: []Event{{Kind: EventEnd}}}
	if _, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"100", "101"}, nil); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if session.gotReq == nil {
		t.Fatalf("session never called")
	}
	if want := "100, 101"; !strings.Contains(session.gotReq.Prompt, want) {
		t.Fatalf("prompt missing ids %q: %q", want, session.gotReq.Prompt)
	}
}

func TestAnalyzeEmptyIDsRejectedBeforeStream(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{}
	_, err := newTestOrchestrator(session).Analyze(context.Background(), nil, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if session.calls != 0 {
		t.Fatalf("stream started despite invalid input")
	}
}

func TestAnalyzeExtractsMetricsTable(t *testing.T) {
	t.Parallel()

	text := "Summary:\n\n| Metric | Value |\n|---|---|\n| Distance | 12 km |\n\nDone."
	session := &scriptedSession{events: []Event{
		{Kind: EventTextDelta, Text: text},
		{Kind: EventEnd},
	}}

	result, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	want := "| Metric | Value |\n|---|---|\n| Distance | 12 km |"
	if result.MetricsTable != want {
		t.Fatalf("metrics table = %q, want %q", result.MetricsTable, want)
	}
}

func TestAnalyzeErrorEventKeepsPartial(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{events: []Event{
		{Kind: EventTextDelta, Text: "partial text"},
		{Kind: EventToolResult, Tool: "charts:line", Payload: chartPayload(t, "http://x/1.png", "line")},
		{Kind: EventError, Message: "model overloaded"},
	}}

	_, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstream.Message != "model overloaded" {
		t.Fatalf("message = %q", upstream.Message)
	}
	if upstream.Partial == nil || upstream.Partial.Insights != "partial text" {
		t.Fatalf("partial = %+v", upstream.Partial)
	}
	if len(upstream.Partial.Charts) != 1 {
		t.Fatalf("partial charts = %+v", upstream.Partial.Charts)
	}
}

func TestAnalyzeClosedWithoutEnd(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{events: []Event{
		{Kind: EventTextDelta, Text: "half"},
	}}

	_, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstream.Partial == nil || upstream.Partial.Insights != "half" {
		t.Fatalf("partial = %+v", upstream.Partial)
	}
}

func TestAnalyzeEndWithoutTextIsValid(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{events: []Event{
		{Kind: EventToolCall, Tool: "activity:list"},
		{Kind: EventEnd},
	}}

	result, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if result.Insights != "" || len(result.Charts) != 0 {
		t.Fatalf("result = %+v, want empty", result)
	}
}

func TestAnalyzeSkipsUnusableChartResults(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{events: []Event{
		{Kind: EventToolResult, Tool: "activity:get_details", Payload: chartPayload(t, "http://x/ignored.png", "line")},
		{Kind: EventToolResult, Tool: "charts:line", Payload: json.RawMessage(`not json`)},
		{Kind: EventToolResult, Tool: "charts:line", Payload: json.RawMessage(`{"message":"no url here"}`)},
		{Kind: EventToolResult, Tool: "charts:line"},
		{Kind: EventToolResult, Tool: "charts:line", Payload: chartPayload(t, "http://x/kept.png", "line")},
		{Kind: EventEnd},
	}}

	result, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(result.Charts) != 1 {
		t.Fatalf("chart count = %d, want 1: %+v", len(result.Charts), result.Charts)
	}
	if result.Charts[0].URL != "http://x/kept.png" {
		t.Fatalf("kept wrong chart: %+v", result.Charts[0])
	}
}

func TestAnalyzeUnwrapsRuntimeResultEnvelope(t *testing.T) {
	t.Parallel()

	inner, err := json.Marshal(map[string]string{"url": "http://x/3.png", "kind": "scatter"})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	envelope, err := json.Marshal(map[string]any{"output": string(inner), "metadata": map[string]any{"elapsed_ms": 12}})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	session := &scriptedSession{events: []Event{
		{Kind: EventToolResult, Tool: "charts:scatter", Payload: envelope},
		{Kind: EventEnd},
	}}

	result, aerr := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	if aerr != nil {
		t.Fatalf("analyze: %v", aerr)
	}
	if len(result.Charts) != 1 {
		t.Fatalf("chart count = %d, want 1", len(result.Charts))
	}
	if result.Charts[0].URL != "http://x/3.png" || result.Charts[0].Kind != "scatter" {
		t.Fatalf("chart = %+v", result.Charts[0])
	}
}

func TestAnalyzeStreamStartFailure(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{startErr: errors.New("no provider")}
	_, err := newTestOrchestrator(session).Analyze(context.Background(), []string{"1"}, nil)
	if err == nil || !strings.Contains(err.Error(), "no provider") {
		t.Fatalf("err = %v, want wrapped start error", err)
	}
}

