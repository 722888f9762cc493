package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"reach/agentcore/internal/backpressure"
	"reach/agentcore/internal/config"
	"reach/agentcore/internal/registry"
	"reach/agentcore/internal/telemetry"
)

const defaultGraceSeconds = 5.0

// connection tracks one live MCP server connection's client and the tool
// names the bridge registered on its behalf.
type connection struct {
	client    Client
	toolNames []string
}

// Bridge owns the lifecycle of every connected MCP server: connecting,
// registering its tools into the Registry, and disconnecting it either
// immediately or after a grace window that a fast reconnect can cancel.
type Bridge struct {
	reg *registry.Registry
	log *telemetry.Logger

	newClient func(config.MCPServerConfig) (Client, error)

	flow *backpressure.FlowControllerManager

	mu           sync.Mutex
	connections  map[string]*connection          // server id -> live connection
	pendingTimer map[string]*time.Timer           // server id -> scheduled unregister
	configs      map[string]config.MCPServerConfig
}

// New builds a Bridge backed by reg. newClient defaults to NewClient; tests
// supply a fake to avoid real subprocess/network I/O. Every server gets its
// own FlowController (keyed by server id) guarding tool calls into it, so a
// slow or unhealthy server can't starve calls to any other.
func New(reg *registry.Registry, log *telemetry.Logger) *Bridge {
	return &Bridge{
		reg:          reg,
		log:          log,
		newClient:    NewClient,
		flow:         backpressure.NewFlowControllerManager(),
		connections:  make(map[string]*connection),
		pendingTimer: make(map[string]*time.Timer),
		configs:      make(map[string]config.MCPServerConfig),
	}
}

func trustFor(cfg config.MCPServerConfig) registry.Trust {
	switch cfg.Trust {
	case "trusted":
		return registry.TrustTrusted
	case "untrusted":
		return registry.TrustUntrusted
	default:
		return registry.TrustModerate
	}
}

func graceDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		seconds = defaultGraceSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// ConnectAndRegister opens a connection to cfg's server, lists its tools,
// and registers them into the Registry. If a pending unregister timer from
// an earlier disconnect_and_unregister(graceful=true) is still running for
// this server id, it is cancelled first so tools never flap. Reconnecting
// to an already-connected server is a no-op.
func (b *Bridge) ConnectAndRegister(ctx context.Context, cfg config.MCPServerConfig) error {
	b.mu.Lock()
	b.cancelPendingLocked(cfg.ID)
	if _, connected := b.connections[cfg.ID]; connected {
		b.mu.Unlock()
		return nil
	}
	b.configs[cfg.ID] = cfg
	b.mu.Unlock()

	client, err := b.newClient(cfg)
	if err != nil {
		return fmt.Errorf("connecting to mcp server %s: %w", cfg.ID, err)
	}
	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing mcp server %s: %w", cfg.ID, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("listing tools from mcp server %s: %w", cfg.ID, err)
	}

	trust := trustFor(cfg)
	specs := make([]registry.MCPToolSpec, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		toolName := t.Name
		specs = append(specs, registry.MCPToolSpec{
			Name:        toolName,
			Description: t.Description,
			Schema:      t.Schema,
			Invoke:      b.invokerFor(cfg.ID, toolName),
		})
		names = append(names, registry.MCPToolName(cfg.ID, toolName))
	}
	b.reg.RegisterMCPToolsFromServer(cfg.ID, cfg.Name, trust, specs)

	b.mu.Lock()
	b.connections[cfg.ID] = &connection{client: client, toolNames: names}
	b.mu.Unlock()

	b.log.Infof("mcp server %s connected, %d tools registered", cfg.ID, len(tools))
	return nil
}

func (b *Bridge) invokerFor(serverID, toolName string) registry.Invoker {
	return func(ctx context.Context, args json.RawMessage) (registry.Result, error) {
		b.mu.Lock()
		conn, ok := b.connections[serverID]
		b.mu.Unlock()
		if !ok {
			return registry.Result{}, fmt.Errorf("mcp server %s is not connected", serverID)
		}

		fc := b.flow.GetOrCreate(serverID, backpressure.DefaultFlowControllerOptions())
		if err := fc.Allow(ctx); err != nil {
			return registry.Result{}, fmt.Errorf("mcp server %s: %w", serverID, err)
		}
		defer fc.Release()

		content, isError, err := conn.client.CallTool(ctx, toolName, args)
		if err != nil {
			fc.RecordFailure()
			return registry.Result{}, err
		}
		fc.RecordSuccess()
		return registry.Result{Content: content, IsError: isError}, nil
	}
}

// DisconnectAndUnregister tears down a server's connection. If graceful is
// false the connection is closed and its tools unregistered immediately.
// If graceful is true, the tools stay registered for graceSeconds (5s when
// graceSeconds <= 0) before being unregistered, so a fast reconnect via
// ConnectAndRegister can cancel the pending unregister and avoid flapping any tool.
func (b *Bridge) DisconnectAndUnregister(serverID string, graceful bool, graceSeconds float64) error {
	if !graceful {
		return b.unregisterNow(serverID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelPendingLocked(serverID)
	b.pendingTimer[serverID] = time.AfterFunc(graceDuration(graceSeconds), func() {
		if err := b.unregisterNow(serverID); err != nil {
			b.log.Warnf("grace-window unregister for mcp server %s failed: %v", serverID, err)
		}
	})
	return nil
}

func (b *Bridge) unregisterNow(serverID string) error {
	b.mu.Lock()
	conn, ok := b.connections[serverID]
	if ok {
		delete(b.connections, serverID)
	}
	delete(b.pendingTimer, serverID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	b.reg.UnregisterMCPToolsFromServer(serverID)
	b.flow.Remove(serverID)
	err := conn.client.Close()
	b.log.Infof("mcp server %s disconnected, %d tools unregistered", serverID, len(conn.toolNames))
	return err
}

// CancelPendingUnregister cancels a scheduled grace-window unregister for
// serverID, if one is pending. It is idempotent: calling it with nothing
// pending is a no-op.
func (b *Bridge) CancelPendingUnregister(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelPendingLocked(serverID)
}

func (b *Bridge) cancelPendingLocked(serverID string) {
	if t, ok := b.pendingTimer[serverID]; ok {
		t.Stop()
		delete(b.pendingTimer, serverID)
	}
}

// InitializeMCPTools connects every enabled server in servers concurrently.
// A failure on one server is logged and excluded from the registry; it
// never prevents the others from connecting.
func (b *Bridge) InitializeMCPTools(ctx context.Context, servers []config.MCPServerConfig) {
	var wg sync.WaitGroup
	for _, cfg := range servers {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(cfg config.MCPServerConfig) {
			defer wg.Done()
			if err := b.ConnectAndRegister(ctx, cfg); err != nil {
				b.log.Errorf("mcp server %s failed to connect: %v", cfg.ID, err)
			}
		}(cfg)
	}
	wg.Wait()
}

// Shutdown closes every live connection without a grace window, for use at
// process exit.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.connections))
	for id := range b.connections {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.unregisterNow(id); err != nil {
			b.log.Warnf("error closing mcp server %s during shutdown: %v", id, err)
		}
	}
}
