package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	clientName    = "garmin-analysis"
	clientVersion = "dev"
)

type mcpConn struct {
	session *mcp.ClientSession
}

// dialMCP connects to an MCP server described by a transport spec:
// "stdio://cmd args...", "sse://host", "http(s)://endpoint" (SSE),
// "http+stream://endpoint" (streamable HTTP). A bare string is treated as a
// stdio command line.
func dialMCP(ctx context.Context, spec string) (conn, error) {
	transport, err := buildTransport(spec)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return &mcpConn{session: session}, nil
}

func (c *mcpConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var infos []ToolInfo
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		if tool == nil {
			continue
		}
		var schema json.RawMessage
		if tool.InputSchema != nil {
			if data, err := json.Marshal(tool.InputSchema); err == nil {
				schema = data
			}
		}
		infos = append(infos, ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return infos, nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", fmt.Errorf("tool %s returned nil result", name)
	}
	out := firstTextContent(res.Content)
	if out == "" {
		if payload, err := json.Marshal(res.Content); err == nil {
			out = string(payload)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, out)
	}
	return out, nil
}

func (c *mcpConn) Close() error {
	return c.session.Close()
}

func firstTextContent(content []mcp.Content) string {
	for _, part := range content {
		if txt, ok := part.(*mcp.TextContent); ok {
			return txt.Text
		}
	}
	return ""
}

func buildTransport(spec string) (mcp.Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("transport spec is empty")
	}

	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, "stdio://"):
		return buildCommandTransport(spec[len("stdio://"):])
	case strings.HasPrefix(lowered, "sse://"):
		endpoint, err := normalizeEndpoint(spec[len("sse://"):], true)
		if err != nil {
			return nil, fmt.Errorf("invalid SSE endpoint: %w", err)
		}
		return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
	case strings.HasPrefix(lowered, "http+sse://"), strings.HasPrefix(lowered, "https+sse://"):
		endpoint, err := normalizeEndpoint(strings.Replace(spec, "+sse", "", 1), false)
		if err != nil {
			return nil, fmt.Errorf("invalid SSE endpoint: %w", err)
		}
		return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
	case strings.HasPrefix(lowered, "http+stream://"), strings.HasPrefix(lowered, "https+stream://"):
		endpoint, err := normalizeEndpoint(strings.Replace(spec, "+stream", "", 1), false)
		if err != nil {
			return nil, fmt.Errorf("invalid streamable endpoint: %w", err)
		}
		return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
	case strings.HasPrefix(lowered, "http://"), strings.HasPrefix(lowered, "https://"):
		endpoint, err := normalizeEndpoint(spec, false)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint: %w", err)
		}
		return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
	}
	return buildCommandTransport(spec)
}

func buildCommandTransport(cmdSpec string) (mcp.Transport, error) {
	parts := strings.Fields(strings.TrimSpace(cmdSpec))
	if len(parts) == 0 {
		return nil, fmt.Errorf("stdio command is empty")
	}
	// The server process outlives the connect call; session Close tears it
	// down, so it must not hang off the dial context.
	cmd := exec.CommandContext(context.Background(), parts[0], parts[1:]...)
	return &mcp.CommandTransport{Command: cmd}, nil
}

func normalizeEndpoint(raw string, guessScheme bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if guessScheme && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
