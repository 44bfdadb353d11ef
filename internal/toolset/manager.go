package toolset

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
)

const (
	SessionActivityData    = "activity-data"
	SessionChartGeneration = "chart-generation"
)

var ErrNotConnected = errors.New("tool sessions not connected")

// ConnectError reports which sessions failed to come up. Partial means at
// least one session did connect; those stay tracked so Disconnect can close
// them.
type ConnectError struct {
	Failed  []string
	Partial bool
	Errs    map[string]error
}

func (e *ConnectError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, key := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", key, e.Errs[key]))
	}
	if e.Partial {
		return fmt.Sprintf("partial tool session connect: %s", strings.Join(parts, "; "))
	}
	return fmt.Sprintf("tool session connect: %s", strings.Join(parts, "; "))
}

// conn is the slice of an MCP client session the manager needs; the real
// implementation lives in mcp.go and fakes stand in during tests.
type conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

type dialFunc func(ctx context.Context, spec string) (conn, error)

type sessionConfig struct {
	key       string
	namespace string
	spec      string
}

// Manager owns the lifecycle of the two tool-providing sessions. It does not
// reconnect on its own; retry cadence is the caller's decision.
type Manager struct {
	mu             sync.Mutex
	sessions       []sessionConfig
	conns          map[string]conn
	tools          map[string][]ToolInfo
	connected      bool
	dial           dialFunc
	connectTimeout time.Duration
}

func NewManager(cfg config.ToolsConfig) *Manager {
	return &Manager{
		sessions: []sessionConfig{
			{key: SessionActivityData, namespace: cfg.ActivityData.Namespace, spec: cfg.ActivityData.Spec},
			{key: SessionChartGeneration, namespace: cfg.ChartGeneration.Namespace, spec: cfg.ChartGeneration.Spec},
		},
		conns:          make(map[string]conn),
		tools:          make(map[string][]ToolInfo),
		dial:           dialMCP,
		connectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
	}
}

// ChartNamespace is the prefix chart extraction routes on.
func (m *Manager) ChartNamespace() string {
	for _, sc := range m.sessions {
		if sc.key == SessionChartGeneration {
			return sc.namespace
		}
	}
	return ""
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connect dials both sessions concurrently and returns once both attempts
// have resolved. Any failure yields a *ConnectError; sessions that did come
// up remain tracked for Disconnect. Leftovers from an earlier partial
// connect are closed before redialing, so each Connect starts clean.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	leftover := m.conns
	m.conns = make(map[string]conn)
	m.tools = make(map[string][]ToolInfo)
	sessions := m.sessions
	m.mu.Unlock()

	for key, c := range leftover {
		if err := c.Close(); err != nil {
			log.Printf("[toolset] close stale session %s: %v", key, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	type dialResult struct {
		key   string
		conn  conn
		tools []ToolInfo
		err   error
	}
	results := make(chan dialResult, len(sessions))
	var wg sync.WaitGroup
	for _, sc := range sessions {
		wg.Add(1)
		go func(sc sessionConfig) {
			defer wg.Done()
			c, err := m.dial(ctx, sc.spec)
			if err != nil {
				results <- dialResult{key: sc.key, err: fmt.Errorf("dial: %w", err)}
				return
			}
			infos, err := c.ListTools(ctx)
			if err != nil {
				c.Close()
				results <- dialResult{key: sc.key, err: fmt.Errorf("list tools: %w", err)}
				return
			}
			results <- dialResult{key: sc.key, conn: c, tools: infos}
		}(sc)
	}
	wg.Wait()
	close(results)

	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make(map[string]error)
	for r := range results {
		if r.err != nil {
			errs[r.key] = r.err
			continue
		}
		m.conns[r.key] = r.conn
		m.tools[r.key] = r.tools
	}

	if len(errs) > 0 {
		failed := make([]string, 0, len(errs))
		for key := range errs {
			failed = append(failed, key)
		}
		sort.Strings(failed)
		return &ConnectError{
			Failed:  failed,
			Partial: len(m.conns) > 0,
			Errs:    errs,
		}
	}

	m.connected = true
	total := 0
	for _, infos := range m.tools {
		total += len(infos)
	}
	log.Printf("[toolset] connected %d sessions, %d tools", len(m.conns), total)
	return nil
}

// Toolsets returns the combined handle for one analysis call. Fails with
// ErrNotConnected until a fully successful Connect.
func (m *Manager) Toolsets() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	var tools []Tool
	for _, sc := range m.sessions {
		c := m.conns[sc.key]
		if c == nil {
			continue
		}
		for _, info := range m.tools[sc.key] {
			session := c
			remote := info.Name
			tools = append(tools, NewTool(
				sc.namespace+":"+info.Name,
				info.Description,
				info.InputSchema,
				sc.key,
				func(ctx context.Context, args map[string]any) (string, error) {
					return session.CallTool(ctx, remote, args)
				},
			))
		}
	}
	return &Handle{tools: tools}, nil
}

// Disconnect closes every tracked session. Idempotent and best-effort:
// close failures are logged, not returned, so shutdown always completes.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]conn)
	m.tools = make(map[string][]ToolInfo)
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	for key, c := range conns {
		if err := c.Close(); err != nil {
			log.Printf("[toolset] close session %s: %v", key, err)
		}
	}
	if wasConnected {
		log.Printf("[toolset] disconnected")
	}
}
