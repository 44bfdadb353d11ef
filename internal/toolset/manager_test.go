package toolset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
)

type fakeConn struct {
	mu       sync.Mutex
	tools    []ToolInfo
	closed   int
	closeErr error
	callOut  string
	callErr  error
	calls    []string
}

func (f *fakeConn) ListTools(context.Context) ([]ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return f.callOut, f.callErr
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return f.closeErr
}

func testManager(dial dialFunc) *Manager {
	m := NewManager(config.ToolsConfig{
		ActivityData:          config.ToolSessionConfig{Spec: "stdio://garmin-mcp", Namespace: "activity"},
		ChartGeneration:       config.ToolSessionConfig{Spec: "stdio://chart-mcp", Namespace: "charts"},
		ConnectTimeoutSeconds: 5,
	})
	m.dial = dial
	return m
}

func TestConnect_BothSessions(t *testing.T) {
	activity := &fakeConn{tools: []ToolInfo{{Name: "get_activity"}, {Name: "list_activities"}}, callOut: "data"}
	charts := &fakeConn{tools: []ToolInfo{{Name: "line"}}, callOut: `{"url":"http://x/1.png"}`}
	m := testManager(func(_ context.Context, spec string) (conn, error) {
		switch spec {
		case "stdio://garmin-mcp":
			return activity, nil
		case "stdio://chart-mcp":
			return charts, nil
		}
		return nil, fmt.Errorf("unknown spec %q", spec)
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if !m.Connected() {
		t.Fatal("Connected() = false after successful connect")
	}

	handle, err := m.Toolsets()
	if err != nil {
		t.Fatalf("Toolsets error: %v", err)
	}
	wantNames := []string{"activity:get_activity", "activity:list_activities", "charts:line"}
	gotNames := handle.Names()
	if len(gotNames) != len(wantNames) {
		t.Fatalf("tool names = %v, want %v", gotNames, wantNames)
	}
	for i, want := range wantNames {
		if gotNames[i] != want {
			t.Errorf("tool[%d] = %q, want %q", i, gotNames[i], want)
		}
	}

	// Calls route to the owning session under the remote (un-namespaced) name.
	var chartTool Tool
	for _, tool := range handle.Tools() {
		if tool.Name == "charts:line" {
			chartTool = tool
		}
	}
	out, err := chartTool.Call(context.Background(), map[string]any{"metric": "pace"})
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if out != `{"url":"http://x/1.png"}` {
		t.Errorf("call output = %q", out)
	}
	if len(charts.calls) != 1 || charts.calls[0] != "line" {
		t.Errorf("chart session calls = %v, want [line]", charts.calls)
	}
	if len(activity.calls) != 0 {
		t.Errorf("activity session calls = %v, want none", activity.calls)
	}
}

func TestToolsets_BeforeConnect(t *testing.T) {
	m := testManager(func(context.Context, string) (conn, error) {
		t.Fatal("dial should not be called")
		return nil, nil
	})

	if _, err := m.Toolsets(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Toolsets error = %v, want ErrNotConnected", err)
	}
}

func TestConnect_PartialFailure(t *testing.T) {
	activity := &fakeConn{tools: []ToolInfo{{Name: "get_activity"}}}
	m := testManager(func(_ context.Context, spec string) (conn, error) {
		if spec == "stdio://garmin-mcp" {
			return activity, nil
		}
		return nil, fmt.Errorf("connection refused")
	})

	err := m.Connect(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect error = %v, want ConnectError", err)
	}
	if !ce.Partial {
		t.Error("Partial = false, want true")
	}
	if len(ce.Failed) != 1 || ce.Failed[0] != SessionChartGeneration {
		t.Errorf("Failed = %v, want [%s]", ce.Failed, SessionChartGeneration)
	}
	if m.Connected() {
		t.Error("Connected() = true after partial connect")
	}
	if _, err := m.Toolsets(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Toolsets after partial connect = %v, want ErrNotConnected", err)
	}

	// Disconnect still cleans up whatever did connect.
	m.Disconnect()
	if activity.closed != 1 {
		t.Errorf("activity session closed %d times, want 1", activity.closed)
	}
}

func TestConnect_FullFailure(t *testing.T) {
	m := testManager(func(context.Context, string) (conn, error) {
		return nil, fmt.Errorf("connection refused")
	})

	err := m.Connect(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect error = %v, want ConnectError", err)
	}
	if ce.Partial {
		t.Error("Partial = true, want false")
	}
	if len(ce.Failed) != 2 {
		t.Errorf("Failed = %v, want both sessions", ce.Failed)
	}
}

func TestConnect_RetryAfterPartialClosesStale(t *testing.T) {
	stale := &fakeConn{tools: []ToolInfo{{Name: "get_activity"}}}
	fresh := &fakeConn{tools: []ToolInfo{{Name: "get_activity"}}}
	charts := &fakeConn{tools: []ToolInfo{{Name: "line"}}}
	var mu sync.Mutex
	activityDials, chartDials := 0, 0
	m := testManager(func(_ context.Context, spec string) (conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if spec == "stdio://garmin-mcp" {
			activityDials++
			if activityDials == 1 {
				return stale, nil
			}
			return fresh, nil
		}
		chartDials++
		if chartDials == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		return charts, nil
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("first Connect should fail")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect error: %v", err)
	}
	if stale.closed != 1 {
		t.Errorf("stale session closed %d times, want 1", stale.closed)
	}
	if !m.Connected() {
		t.Error("Connected() = false after retry")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	activity := &fakeConn{tools: []ToolInfo{{Name: "a"}}, closeErr: fmt.Errorf("already gone")}
	charts := &fakeConn{tools: []ToolInfo{{Name: "b"}}}
	m := testManager(func(_ context.Context, spec string) (conn, error) {
		if spec == "stdio://garmin-mcp" {
			return activity, nil
		}
		return charts, nil
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	// Close errors are swallowed; a second Disconnect is a no-op.
	m.Disconnect()
	m.Disconnect()

	if activity.closed != 1 {
		t.Errorf("activity closed %d times, want 1", activity.closed)
	}
	if charts.closed != 1 {
		t.Errorf("charts closed %d times, want 1", charts.closed)
	}
	if m.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
}

func TestConnect_Idempotent(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	m := testManager(func(context.Context, string) (conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return &fakeConn{tools: []ToolInfo{{Name: "x"}}}, nil
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect error: %v", err)
	}
	if dials != 2 {
		t.Errorf("dial count = %d, want 2 (no redial while connected)", dials)
	}
}

func TestChartNamespace(t *testing.T) {
	m := testManager(nil)
	if got := m.ChartNamespace(); got != "charts" {
		t.Errorf("ChartNamespace = %q, want charts", got)
	}
}

func TestBuildTransport(t *testing.T) {
	tests := []struct {
		spec     string
		wantType string
		wantErr  bool
	}{
		{"stdio://garmin-mcp --serve", "command", false},
		{"garmin-mcp --serve", "command", false},
		{"sse://tools.example.com", "sse", false},
		{"http://localhost:8080/mcp", "sse", false},
		{"http+sse://localhost:8080/mcp", "sse", false},
		{"http+stream://localhost:8080/mcp", "streamable", false},
		{"", "", true},
		{"stdio://", "", true},
		{"ftp://nope", "command", false}, // falls through to stdio command line
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			transport, err := buildTransport(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("buildTransport(%q) succeeded, want error", tt.spec)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildTransport(%q) error: %v", tt.spec, err)
			}
			var gotType string
			switch transport.(type) {
			case *mcp.CommandTransport:
				gotType = "command"
			case *mcp.SSEClientTransport:
				gotType = "sse"
			case *mcp.StreamableClientTransport:
				gotType = "streamable"
			default:
				gotType = fmt.Sprintf("%T", transport)
			}
			if gotType != tt.wantType {
				t.Errorf("transport type = %s, want %s", gotType, tt.wantType)
			}
		})
	}
}
