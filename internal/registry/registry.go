package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"reach/agentcore/internal/errors"
	"reach/agentcore/internal/telemetry"
)

// mcpPrefixLen is the number of server-id characters folded into an
// MCP tool's namespacing prefix.
const mcpPrefixLen = 8

// Registry is the process-wide, name-to-Tool mapping. Callers see a
// read-only view except through the explicit register/unregister methods,
// which take the internal lock.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	byServer map[string][]string // server id -> tool names it owns

	log *telemetry.Logger
}

// New constructs an empty Registry.
func New(log *telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NewLogger(nil, telemetry.LevelInfo)
	}
	return &Registry{
		tools:    make(map[string]Tool),
		byServer: make(map[string][]string),
		log:      log.WithComponent("registry"),
	}
}

// Register adds a builtin (or otherwise directly-constructed) tool. A
// second registration of an already-present name is a no-op that logs a
// warning, per the uniqueness invariant.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(t)
}

func (r *Registry) registerLocked(t Tool) {
	if _, exists := r.tools[t.Name]; exists {
		r.log.Warnf("tool %q already registered, ignoring duplicate registration", t.Name)
		return
	}
	r.tools[t.Name] = t
	if t.ServerID != "" {
		r.byServer[t.ServerID] = append(r.byServer[t.ServerID], t.Name)
	}
}

// MCPToolName computes the deterministic, collision-resistant name an
// MCP-sourced tool is registered under: mcp_<first-8-hex-of-server-id>_<name>.
func MCPToolName(serverID, name string) string {
	prefix := serverID
	if len(prefix) > mcpPrefixLen {
		prefix = prefix[:mcpPrefixLen]
	}
	return fmt.Sprintf("mcp_%s_%s", prefix, name)
}

// RegisterMCPTool registers a single MCP-sourced tool, applying the
// namespacing prefix derived from serverID.
func (r *Registry) RegisterMCPTool(serverID, serverName string, trust Trust, name, description string, schema json.RawMessage, invoke Invoker) {
	t := Tool{
		Name:        MCPToolName(serverID, name),
		Description: description,
		Schema:      schema,
		Source:      SourceMCP,
		ServerID:    serverID,
		Trust:       trust,
		invoke:      invoke,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(t)
}

// MCPToolSpec describes one tool offered by an MCP server, prior to
// namespacing and registration.
type MCPToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Invoke      Invoker
}

// RegisterMCPToolsFromServer registers every tool a newly connected MCP
// server exposed. Each name is namespaced with the server's prefix so bulk
// unregistration by prefix is possible later.
func (r *Registry) RegisterMCPToolsFromServer(serverID, serverName string, trust Trust, tools []MCPToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range tools {
		r.registerLocked(Tool{
			Name:        MCPToolName(serverID, spec.Name),
			Description: spec.Description,
			Schema:      spec.Schema,
			Source:      SourceMCP,
			ServerID:    serverID,
			Trust:       trust,
			invoke:      spec.Invoke,
		})
	}
}

// UnregisterMCPToolsFromServer removes every tool owned by serverID.
func (r *Registry) UnregisterMCPToolsFromServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := r.byServer[serverID]
	for _, name := range names {
		delete(r.tools, name)
	}
	delete(r.byServer, serverID)
}

// GetTool resolves a name. The Registry does not execute tools; callers
// invoke Tool.Execute themselves.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ListTools returns every registered tool. Insertion order is not
// observable, matching the registry invariant.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Unregister removes a single tool by name, regardless of source.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return
	}
	delete(r.tools, name)
	if t.ServerID != "" {
		names := r.byServer[t.ServerID]
		for i, n := range names {
			if n == name {
				r.byServer[t.ServerID] = append(names[:i], names[i+1:]...)
				break
			}
		}
	}
}

// ResolveWorkspacePath confines a builtin filesystem tool's path argument
// to root, rejecting any path that would escape it.
func ResolveWorkspacePath(root, requested string) (string, error) {
	if root == "" {
		return requested, nil
	}
	joined := filepath.Join(root, requested)
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return "", errors.New(errors.CodeToolExecutionError, "cannot resolve path").WithCause(err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New(errors.CodeToolExecutionError, "path escapes workspace root").
			WithContext("requested", requested)
	}
	return joined, nil
}
