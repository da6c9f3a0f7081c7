package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/pkg/schema"
)

// MCPClient is the subset of the mcp-go client used for tool servers.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ToolServer is an initialized external MCP server whose tools are exposed
// to the loop as "<server>__<tool>".
type ToolServer struct {
	name   string
	client MCPClient
	tools  []mcp.Tool
}

// ConnectToolServer launches cfg.Command over stdio and lists its tools.
func ConnectToolServer(ctx context.Context, cfg config.ToolServerConfig) (*ToolServer, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool server needs a name and a command")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start tool server %s: %w", cfg.Name, err)
	}
	ts, err := NewToolServer(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return ts, nil
}

// NewToolServer initializes an already-started client.
func NewToolServer(ctx context.Context, name string, c MCPClient) (*ToolServer, error) {
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "weavr", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize tool server %s: %w", name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", name, err)
	}
	return &ToolServer{name: name, client: c, tools: listed.Tools}, nil
}

func (s *ToolServer) Name() string { return s.name }

// Tools adapts every listed tool.
func (s *ToolServer) Tools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, &remoteTool{
			server: s,
			remote: t.Name,
			spec: ToolSpec{
				Name:        qualifiedToolName(s.name, t.Name),
				Description: t.Description,
				Parameters:  inputSchema(t),
			},
		})
	}
	return out
}

func (s *ToolServer) Close() error {
	return s.client.Close()
}

type remoteTool struct {
	server *ToolServer
	remote string
	spec   ToolSpec
}

func (t *remoteTool) Spec() ToolSpec { return t.spec }

func (t *remoteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	res, err := t.server.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", t.spec.Name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%s failed: %s", t.spec.Name, text)
	}
	return text, nil
}

// inputSchema reads the tool's JSON Schema through its wire encoding so raw
// and structured schemas are handled alike.
func inputSchema(t mcp.Tool) map[string]any {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			b, err := json.Marshal(v)
			if err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
