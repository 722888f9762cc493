// Package mcpbridge mediates the lifecycle of external MCP tool servers:
// connecting, listing their tools into the Registry, and disconnecting
// them (immediately or after a grace window) without flapping tools on a
// fast reconnect.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"reach/agentcore/internal/config"
)

// ToolSpec is the transport-agnostic shape the bridge hands the Registry
// for each tool an MCP server exposes.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Client is the bridge's view of one MCP server connection. The three
// transports (stdio, HTTP, SSE) all satisfy it identically; the bridge
// itself never branches on transport kind once a Client exists.
type Client interface {
	Initialize(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (result string, isError bool, err error)
}

const protocolVersion = "2024-11-05"

var clientInfo = mcp.Implementation{Name: "reachd", Version: "1.0.0"}

type mcpGoClient struct {
	underlying client.MCPClient
}

func (c *mcpGoClient) Initialize(ctx context.Context) error {
	_, err := c.underlying.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		c.underlying.Close()
		return fmt.Errorf("mcp initialize: %w", err)
	}
	return nil
}

func (c *mcpGoClient) Close() error { return c.underlying.Close() }

func (c *mcpGoClient) ListTools(ctx context.Context) ([]ToolSpec, error) {
	result, err := c.underlying.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp list_tools: %w", err)
	}
	specs := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, Schema: schema})
	}
	return specs, nil
}

func (c *mcpGoClient) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return "", false, fmt.Errorf("decoding tool arguments: %w", err)
		}
	}

	result, err := c.underlying.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: argMap,
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("mcp call_tool %s: %w", name, err)
	}

	return contentText(result.Content), result.IsError, nil
}

func contentText(content []mcp.Content) string {
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return ""
}

// NewClient constructs the transport-appropriate Client for server cfg.
func NewClient(cfg config.MCPServerConfig) (Client, error) {
	switch cfg.Transport {
	case "stdio":
		var envStrings []string
		for k, v := range cfg.Env {
			envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
		}
		c, err := client.NewStdioMCPClient(cfg.Command, envStrings, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("creating stdio client: %w", err)
		}
		return &mcpGoClient{underlying: c}, nil
	case "http":
		c, err := client.NewStreamableHttpClient(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("creating http client: %w", err)
		}
		return &mcpGoClient{underlying: c}, nil
	case "sse":
		c, err := client.NewSSEMCPClient(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("creating sse client: %w", err)
		}
		if err := c.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("starting sse transport: %w", err)
		}
		return &mcpGoClient{underlying: c}, nil
	default:
		return nil, fmt.Errorf("unsupported mcp transport %q", cfg.Transport)
	}
}
