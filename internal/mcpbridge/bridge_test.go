package mcpbridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"reach/agentcore/internal/config"
	"reach/agentcore/internal/registry"
	"reach/agentcore/internal/telemetry"
)

// fakeClient is a deterministic test double standing in for a real
// stdio/http/sse transport so bridge tests never touch a subprocess or
// network socket.
type fakeClient struct {
	mu        sync.Mutex
	tools     []ToolSpec
	closed    bool
	initCalls int
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) ListTools(ctx context.Context) ([]ToolSpec, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	return "ok:" + name, false, nil
}

func fourTools() []ToolSpec {
	return []ToolSpec{
		{Name: "search", Description: "search things"},
		{Name: "fetch", Description: "fetch a thing"},
		{Name: "list", Description: "list things"},
		{Name: "delete", Description: "delete a thing"},
	}
}

func newTestBridge(t *testing.T, factory func(config.MCPServerConfig) (Client, error)) *Bridge {
	t.Helper()
	reg := registry.New(telemetry.NewLogger(io.Discard, telemetry.LevelError))
	b := New(reg, telemetry.NewLogger(io.Discard, telemetry.LevelError))
	b.newClient = factory
	return b
}

func testServerConfig() config.MCPServerConfig {
	return config.MCPServerConfig{ID: "srv-1", Name: "test server", Transport: "stdio", Trust: "moderate", Enabled: true}
}

func TestConnectAndRegisterRegistersAllTools(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })

	if err := b.ConnectAndRegister(context.Background(), testServerConfig()); err != nil {
		t.Fatalf("ConnectAndRegister: %v", err)
	}

	tools := b.reg.ListTools()
	if len(tools) != 4 {
		t.Fatalf("expected 4 registered tools, got %d", len(tools))
	}
	if fc.initCalls != 1 {
		t.Errorf("expected Initialize called once, got %d", fc.initCalls)
	}
}

func TestConnectAndRegisterIsIdempotentWhenAlreadyConnected(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	calls := 0
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) {
		calls++
		return fc, nil
	})

	cfg := testServerConfig()
	if err := b.ConnectAndRegister(context.Background(), cfg); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := b.ConnectAndRegister(context.Background(), cfg); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected client constructed once for an already-connected server, got %d", calls)
	}
}

func TestDisconnectImmediateUnregistersNow(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })

	cfg := testServerConfig()
	b.ConnectAndRegister(context.Background(), cfg)

	if err := b.DisconnectAndUnregister(cfg.ID, false, 0); err != nil {
		t.Fatalf("DisconnectAndUnregister: %v", err)
	}
	if len(b.reg.ListTools()) != 0 {
		t.Errorf("expected all tools unregistered immediately, got %d remaining", len(b.reg.ListTools()))
	}
	if !fc.closed {
		t.Error("expected client closed")
	}
}

func TestGracefulDisconnectThenReconnectCancelsPendingUnregister(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })

	cfg := testServerConfig()
	b.ConnectAndRegister(context.Background(), cfg)

	// Grace window long enough that the reconnect below races ahead of it.
	if err := b.DisconnectAndUnregister(cfg.ID, true, 60); err != nil {
		t.Fatalf("DisconnectAndUnregister: %v", err)
	}
	if len(b.reg.ListTools()) != 4 {
		t.Fatalf("expected tools to remain registered during grace window, got %d", len(b.reg.ListTools()))
	}

	if err := b.ConnectAndRegister(context.Background(), cfg); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(b.reg.ListTools()) != 4 {
		t.Errorf("expected 4 tools still registered after grace-window reconnect, got %d", len(b.reg.ListTools()))
	}

	b.mu.Lock()
	_, pending := b.pendingTimer[cfg.ID]
	b.mu.Unlock()
	if pending {
		t.Error("expected pending unregister timer to be cancelled by reconnect")
	}
}

func TestCancelPendingUnregisterIsNoOpWithNothingPending(t *testing.T) {
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return &fakeClient{}, nil })
	b.CancelPendingUnregister("does-not-exist")
}

func TestGraceWindowElapsesAndUnregisters(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })

	cfg := testServerConfig()
	b.ConnectAndRegister(context.Background(), cfg)

	if err := b.DisconnectAndUnregister(cfg.ID, true, 0.05); err != nil {
		t.Fatalf("DisconnectAndUnregister: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.reg.ListTools()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected tools unregistered after grace window elapsed")
}

func TestInitializeMCPToolsIsolatesPerServerFailure(t *testing.T) {
	good := &fakeClient{tools: fourTools()}
	b := newTestBridge(t, func(cfg config.MCPServerConfig) (Client, error) {
		if cfg.ID == "bad" {
			return nil, errConnectFailure{}
		}
		return good, nil
	})

	servers := []config.MCPServerConfig{
		{ID: "good", Name: "good server", Transport: "stdio", Trust: "moderate", Enabled: true},
		{ID: "bad", Name: "bad server", Transport: "stdio", Trust: "moderate", Enabled: true},
	}
	b.InitializeMCPTools(context.Background(), servers)

	if len(b.reg.ListTools()) != 4 {
		t.Errorf("expected the healthy server's 4 tools registered despite the other failing, got %d", len(b.reg.ListTools()))
	}
}

func TestInitializeMCPToolsSkipsDisabledServers(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	calls := 0
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) {
		calls++
		return fc, nil
	})

	servers := []config.MCPServerConfig{
		{ID: "off", Name: "disabled server", Transport: "stdio", Trust: "moderate", Enabled: false},
	}
	b.InitializeMCPTools(context.Background(), servers)
	if calls != 0 {
		t.Errorf("expected disabled server never connected, got %d connect attempts", calls)
	}
}

type errConnectFailure struct{}

func (errConnectFailure) Error() string { return "connect failure" }

// failingCallClient's CallTool always errors, to exercise the flow
// controller's failure accounting in invokerFor.
type failingCallClient struct {
	fakeClient
}

func (f *failingCallClient) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	return "", false, errConnectFailure{}
}

func TestInvokerForForwardsCallAndRecordsFlowSuccess(t *testing.T) {
	fc := &fakeClient{tools: []ToolSpec{{Name: "search", Description: "search things"}}}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })
	cfg := testServerConfig()

	if err := b.ConnectAndRegister(context.Background(), cfg); err != nil {
		t.Fatalf("ConnectAndRegister: %v", err)
	}

	tool, ok := b.reg.GetTool(registry.MCPToolName(cfg.ID, "search"))
	if !ok {
		t.Fatal("expected the search tool to be registered")
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "ok:search" {
		t.Errorf("expected the call forwarded to the fake client, got %q", res.Content)
	}

	flowCtl, ok := b.flow.Get(cfg.ID)
	if !ok {
		t.Fatal("expected a flow controller created for the connected server")
	}
	if stats := flowCtl.Stats(); stats.RequestsAllowed != 1 {
		t.Errorf("expected 1 allowed request recorded, got %d", stats.RequestsAllowed)
	}
}

func TestInvokerForRecordsFlowFailureOnCallError(t *testing.T) {
	fc := &failingCallClient{fakeClient: fakeClient{tools: []ToolSpec{{Name: "search", Description: "search things"}}}}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })
	cfg := testServerConfig()

	if err := b.ConnectAndRegister(context.Background(), cfg); err != nil {
		t.Fatalf("ConnectAndRegister: %v", err)
	}

	tool, _ := b.reg.GetTool(registry.MCPToolName(cfg.ID, "search"))
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected the client error to propagate")
	}

	flowCtl, ok := b.flow.Get(cfg.ID)
	if !ok {
		t.Fatal("expected a flow controller created for the connected server")
	}
	if stats := flowCtl.Stats(); stats.CircuitFailures != 1 {
		t.Errorf("expected 1 circuit failure recorded, got %d", stats.CircuitFailures)
	}
}

func TestUnregisterRemovesFlowController(t *testing.T) {
	fc := &fakeClient{tools: fourTools()}
	b := newTestBridge(t, func(config.MCPServerConfig) (Client, error) { return fc, nil })
	cfg := testServerConfig()

	b.ConnectAndRegister(context.Background(), cfg)
	if _, ok := b.flow.Get(cfg.ID); !ok {
		t.Fatal("expected a flow controller after connecting")
	}

	b.DisconnectAndUnregister(cfg.ID, false, 0)
	if _, ok := b.flow.Get(cfg.ID); ok {
		t.Error("expected the flow controller removed on unregister")
	}
}
