package main

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func startTestGateway(t *testing.T) (*Gateway, map[string]*stubClient) {
	t.Helper()
	conf := &Config{
		McpGateway: &GatewayConfig{Name: "gateway-test", Version: "0.0.1"},
		McpServers: map[string]*BackendConfig{
			"alpha": {Command: "stub-server"},
			"beta":  {Command: "stub-server"},
		},
	}
	if err := conf.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	gw, err := newGateway(conf, nil)
	if err != nil {
		t.Fatalf("newGateway: %v", err)
	}

	stubs := map[string]*stubClient{
		"alpha": {tools: []mcp.Tool{{Name: "echo"}}},
		"beta":  {tools: []mcp.Tool{{Name: "fetch"}}},
	}
	for name, stub := range stubs {
		svc, ok := gw.router.service(name)
		if !ok {
			t.Fatalf("service %s missing", name)
		}
		stubCopy := stub
		svc.dial = func(string, *BackendConfig) (backendClient, error) { return stubCopy, nil }
	}

	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(gw.Shutdown)
	return gw, stubs
}

func TestGatewayAggregatesTools(t *testing.T) {
	gw, _ := startTestGateway(t)
	tools := gw.GetAllTools()
	if len(tools) != 2 {
		t.Fatalf("tool count = %d, want 2", len(tools))
	}
	names := make(map[string]bool)
	for _, entry := range tools {
		names[entry.visibleName(".")] = true
	}
	if !names["alpha.echo"] || !names["beta.fetch"] {
		t.Fatalf("catalog = %v", names)
	}
}

func TestGatewayCallToolRoutes(t *testing.T) {
	gw, stubs := startTestGateway(t)
	if _, err := gw.CallTool(context.Background(), "alpha.echo", map[string]any{"x": 1}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := stubs["alpha"].lastCalled(); got != "echo" {
		t.Fatalf("backend saw %q", got)
	}
	if got := stubs["beta"].lastCalled(); got != "" {
		t.Fatalf("wrong backend received the call")
	}
}

func TestGatewayRemoveBackendCleansUp(t *testing.T) {
	gw, _ := startTestGateway(t)
	status, err := gw.RemoveBackend("alpha")
	if err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}
	if status.State == StateConnected {
		t.Fatalf("removed backend still connected: %+v", status)
	}
	for _, entry := range gw.GetAllTools() {
		if entry.ServiceName == "alpha" {
			t.Fatalf("catalog still lists removed backend")
		}
	}
	if _, err := gw.CallTool(context.Background(), "alpha.echo", nil); err == nil {
		t.Fatalf("call against removed backend should fail")
	}

	// second removal is still a success, not an error
	if _, err := gw.RemoveBackend("alpha"); err != nil {
		t.Fatalf("second RemoveBackend: %v", err)
	}
}

func TestGatewayDisconnectAndReconnect(t *testing.T) {
	gw, _ := startTestGateway(t)
	status, err := gw.DisconnectBackend("alpha")
	if err != nil {
		t.Fatalf("DisconnectBackend: %v", err)
	}
	if status.State != StateDisconnected {
		t.Fatalf("state = %v after disconnect", status.State)
	}
	for _, entry := range gw.GetAllTools() {
		if entry.ServiceName == "alpha" {
			t.Fatalf("disconnected backend tools still visible")
		}
	}

	status, err = gw.ConnectBackend("alpha")
	if err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	if status.State != StateConnected || status.ToolCount != 1 {
		t.Fatalf("status after reconnect = %+v", status)
	}
}

func TestGatewayConnectUnknownBackend(t *testing.T) {
	gw, _ := startTestGateway(t)
	if _, err := gw.ConnectBackend("ghost"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestGatewayAddBackendValidatesName(t *testing.T) {
	gw, _ := startTestGateway(t)
	if _, err := gw.AddBackend("bad.name", &BackendConfig{Command: "server"}); err == nil {
		t.Fatalf("expected validation error for separator in name")
	}
	if _, err := gw.AddBackend("nourl", &BackendConfig{}); err == nil {
		t.Fatalf("expected validation error for missing transport")
	}
}

func TestGatewayStatusSorted(t *testing.T) {
	gw, _ := startTestGateway(t)
	statuses := gw.GetConnectionStatus()
	if len(statuses) != 2 {
		t.Fatalf("status count = %d", len(statuses))
	}
	if statuses[0].Name != "alpha" || statuses[1].Name != "beta" {
		t.Fatalf("statuses not sorted: %+v", statuses)
	}
	for _, st := range statuses {
		if st.State != StateConnected {
			t.Fatalf("backend %s state = %v", st.Name, st.State)
		}
	}
}
