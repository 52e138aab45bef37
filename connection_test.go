package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

// stubClient is the in-memory backend used across the package tests.
type stubClient struct {
	mu sync.Mutex

	startErr error
	initErr  error
	listErr  error
	callErr  error
	pingErr  error

	protocolVersion string
	tools           []mcp.Tool
	calledTools     []string
	closeCount      int
}

func (s *stubClient) Start(ctx context.Context) error { return s.startErr }

func (s *stubClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	version := s.protocolVersion
	if version == "" {
		version = fallbackProtocolVersion
	}
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      mcp.Implementation{Name: "stub", Version: "0.0.1"},
	}, nil
}

func (s *stubClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &mcp.ListToolsResult{Tools: s.tools}, nil
}

func (s *stubClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	s.mu.Lock()
	s.calledTools = append(s.calledTools, req.Params.Name)
	s.mu.Unlock()
	return &mcp.CallToolResult{}, nil
}

func (s *stubClient) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubClient) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	return nil
}

func (s *stubClient) lastCalled() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calledTools) == 0 {
		return ""
	}
	return s.calledTools[len(s.calledTools)-1]
}

func stubBackendConfig() *BackendConfig {
	return &BackendConfig{Command: "stub-server"}
}

func newStubConnection(name string, stub *stubClient) *serviceConnection {
	svc := newServiceConnection(name, stubBackendConfig())
	svc.dial = func(string, *BackendConfig) (backendClient, error) { return stub, nil }
	return svc
}

func TestConnectPopulatesToolsAndState(t *testing.T) {
	stub := &stubClient{tools: []mcp.Tool{{Name: "echo"}, {Name: "sum"}}}
	svc := newStubConnection("alpha", stub)

	if err := svc.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if got := svc.currentState(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
	if got := len(svc.snapshotTools()); got != 2 {
		t.Fatalf("tool count = %d, want 2", got)
	}
	if st := svc.status(); st.ToolCount != 2 || st.LastError != "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestConnectFailureRecordsError(t *testing.T) {
	stub := &stubClient{initErr: errors.New("boom")}
	svc := newStubConnection("alpha", stub)

	if err := svc.connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	} else if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := svc.currentState(); got != StateDisconnected {
		t.Fatalf("state = %v, want %v", got, StateDisconnected)
	}
	if st := svc.status(); st.LastError == "" {
		t.Fatalf("expected lastError in status")
	}
	if stub.closeCount != 1 {
		t.Fatalf("expected failed client to be closed, closeCount = %d", stub.closeCount)
	}
}

func TestConnectFallsBackOnUnknownProtocolVersion(t *testing.T) {
	stub := &stubClient{protocolVersion: "none"}
	svc := newStubConnection("alpha", stub)
	// an unrecognized but well-formed version falls back instead of failing
	if err := svc.connect(context.Background()); err != nil {
		t.Fatalf("expected fallback negotiation to succeed, got %v", err)
	}
}

func TestNegotiateProtocolVersion(t *testing.T) {
	if _, err := negotiateProtocolVersion(""); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("empty version should be a mismatch, got %v", err)
	}
	for _, v := range supportedProtocolVersions {
		got, err := negotiateProtocolVersion(v)
		if err != nil || got != v {
			t.Fatalf("negotiate(%q) = %q, %v", v, got, err)
		}
	}
	got, err := negotiateProtocolVersion("2099-01-01")
	if err != nil {
		t.Fatalf("future version should fall back, got error %v", err)
	}
	if got != fallbackProtocolVersion {
		t.Fatalf("fallback = %q, want %q", got, fallbackProtocolVersion)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	stub := &stubClient{tools: []mcp.Tool{{Name: "echo"}}}
	svc := newStubConnection("alpha", stub)
	if err := svc.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := svc.disconnect(); err != nil {
		t.Fatalf("first disconnect failed: %v", err)
	}
	if err := svc.disconnect(); err != nil {
		t.Fatalf("second disconnect should be a no-op, got %v", err)
	}
	if stub.closeCount != 1 {
		t.Fatalf("client closed %d times, want 1", stub.closeCount)
	}
	if got := svc.currentState(); got != StateDisconnected {
		t.Fatalf("state = %v, want %v", got, StateDisconnected)
	}
	if got := len(svc.snapshotTools()); got != 0 {
		t.Fatalf("tools should be dropped on disconnect, got %d", got)
	}
}

func TestCallToolRequiresConnection(t *testing.T) {
	svc := newStubConnection("alpha", &stubClient{})
	if _, err := svc.callTool(context.Background(), "echo", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	var dials atomic.Int32
	block := make(chan struct{})
	svc := newServiceConnection("alpha", stubBackendConfig())
	svc.dial = func(string, *BackendConfig) (backendClient, error) {
		dials.Add(1)
		<-block
		return &stubClient{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.connect(context.Background())
		}()
	}
	close(block)
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	if got := svc.currentState(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
}

func TestTakeStatsResetsCounters(t *testing.T) {
	stub := &stubClient{tools: []mcp.Tool{{Name: "echo"}}}
	svc := newStubConnection("alpha", stub)
	if err := svc.connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := svc.callTool(context.Background(), "echo", nil); err != nil {
		t.Fatalf("callTool failed: %v", err)
	}
	stats := svc.takeStats()
	if stats.calls != 1 {
		t.Fatalf("calls = %d, want 1", stats.calls)
	}
	if again := svc.takeStats(); again.calls != 0 {
		t.Fatalf("stats should reset after take, got %d calls", again.calls)
	}
}
