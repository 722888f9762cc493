// Package registry is the name-unique catalog of invokable tools: builtins
// registered at startup and MCP-sourced tools registered by the bridge.
package registry

import (
	"context"
	"encoding/json"
)

// Source distinguishes where a Tool came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceMCP     Source = "mcp"
)

// Trust is the trust level attached to a tool's source and inherited by
// every tool it exposes.
type Trust string

const (
	TrustTrusted   Trust = "trusted"
	TrustModerate  Trust = "moderate"
	TrustUntrusted Trust = "untrusted"
)

// Invoker executes a tool's underlying action. Builtin tools implement it
// directly; MCP-proxied tools implement it by forwarding through the
// bridge's per-connection client.
type Invoker func(ctx context.Context, args json.RawMessage) (Result, error)

// Result is what a tool invocation produces.
type Result struct {
	Content  string            `json:"content"`
	IsError  bool              `json:"is_error"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Tool is a uniquely-named, schema-described invokable.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Source      Source          `json:"source"`
	ServerID    string          `json:"server_id,omitempty"`
	Trust       Trust           `json:"trust"`

	invoke Invoker
}

// Execute runs the tool's invoker. The Registry itself never calls this; it
// only resolves names, per the component contract.
func (t Tool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	return t.invoke(ctx, args)
}
