package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

var (
	ErrTransport        = errors.New("transport error")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrProtocolMismatch = errors.New("protocol version mismatch")
	ErrNotConnected     = errors.New("backend not connected")
)

var supportedProtocolVersions = []string{"2025-03-26", "2024-11-05"}

const fallbackProtocolVersion = "2024-11-05"

type connStats struct {
	calls        int64
	failures     int64
	totalLatency time.Duration
}

// serviceConnection owns exactly one backend: its transport client, the MCP
// handshake, the discovered tool list, and the connection state. The state
// field is never mutated from outside this type.
type serviceConnection struct {
	name   string
	config *BackendConfig

	// dial is swappable so tests can inject fake clients.
	dial func(name string, conf *BackendConfig) (backendClient, error)

	mu         sync.Mutex
	state      ConnectionState
	client     backendClient
	tools      []mcp.Tool
	serverInfo mcp.Implementation
	lastError  error
	retryCount int
	connecting bool
	connectCh  chan struct{}
	stats      connStats
}

func newServiceConnection(name string, conf *BackendConfig) *serviceConnection {
	return &serviceConnection{
		name:   name,
		config: conf,
		dial:   newBackendClient,
		state:  StateDisconnected,
	}
}

// connect performs the full handshake. Only one connect/reconnect is in
// flight per backend; a concurrent caller waits on the in-flight attempt and
// then re-checks the state.
func (s *serviceConnection) connect(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StateConnected {
			s.mu.Unlock()
			return nil
		}
		if s.connecting {
			ch := s.connectCh
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}
		s.connecting = true
		s.connectCh = make(chan struct{})
		s.state = StateConnecting
		s.mu.Unlock()
		break
	}

	cli, info, tools, err := s.establish(ctx)

	s.mu.Lock()
	s.connecting = false
	close(s.connectCh)
	if err != nil {
		s.lastError = err
		s.state = StateDisconnected
	} else {
		s.client = cli
		s.serverInfo = info
		s.tools = tools
		s.lastError = nil
		s.state = StateConnected
	}
	s.mu.Unlock()
	return err
}

func (s *serviceConnection) establish(ctx context.Context) (backendClient, mcp.Implementation, []mcp.Tool, error) {
	var zero mcp.Implementation
	cli, err := s.dial(s.name, s.config)
	if err != nil {
		return nil, zero, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.timeout())
	defer cancel()

	if err := cli.Start(hctx); err != nil {
		_ = cli.Close()
		return nil, zero, nil, fmt.Errorf("%w: start: %v", ErrTransport, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "mcp-gateway", Version: "1.0.0"}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := cli.Initialize(hctx, initRequest)
	if err != nil {
		_ = cli.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, zero, nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return nil, zero, nil, fmt.Errorf("%w: initialize: %v", ErrTransport, err)
	}
	version, err := negotiateProtocolVersion(result.ProtocolVersion)
	if err != nil {
		_ = cli.Close()
		return nil, zero, nil, err
	}
	if version != result.ProtocolVersion {
		log.Printf("<%s> protocol %s not in supported set, using %s", s.name, result.ProtocolVersion, version)
	}

	tools, err := fetchAllTools(hctx, cli)
	if err != nil {
		_ = cli.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, zero, nil, fmt.Errorf("%w: tools/list: %v", ErrHandshakeTimeout, err)
		}
		return nil, zero, nil, fmt.Errorf("%w: tools/list: %v", ErrTransport, err)
	}
	log.Printf("<%s> connected, %d tools", s.name, len(tools))
	return cli, result.ServerInfo, tools, nil
}

// negotiateProtocolVersion accepts any version in the supported set and falls
// back to the default for newer or older well-formed versions. An empty
// version is a protocol mismatch.
func negotiateProtocolVersion(offered string) (string, error) {
	if offered == "" {
		return "", fmt.Errorf("%w: backend offered no protocol version", ErrProtocolMismatch)
	}
	for _, v := range supportedProtocolVersions {
		if v == offered {
			return v, nil
		}
	}
	return fallbackProtocolVersion, nil
}

func fetchAllTools(ctx context.Context, cli backendClient) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	listRequest := mcp.ListToolsRequest{}
	for {
		result, err := cli.ListTools(ctx, listRequest)
		if err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			break
		}
		listRequest.Params.Cursor = result.NextCursor
	}
	return tools, nil
}

func (s *serviceConnection) callTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	cli := s.client
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || cli == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, s.name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	cctx, cancel := context.WithTimeout(ctx, s.config.timeout())
	defer cancel()
	start := time.Now()
	result, err := cli.CallTool(cctx, req)
	s.recordCall(time.Since(start), err)
	return result, err
}

func (s *serviceConnection) ping(ctx context.Context) error {
	s.mu.Lock()
	cli := s.client
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || cli == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.name)
	}
	pctx, cancel := context.WithTimeout(ctx, s.config.timeout())
	defer cancel()
	start := time.Now()
	err := cli.Ping(pctx)
	s.recordCall(time.Since(start), err)
	return err
}

// disconnect is idempotent: closing an already-closed connection is a no-op.
func (s *serviceConnection) disconnect() error {
	s.mu.Lock()
	cli := s.client
	s.client = nil
	s.tools = nil
	if s.state != StateFailed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()
	if cli == nil {
		return nil
	}
	return cli.Close()
}

func (s *serviceConnection) reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateReconnecting
	s.mu.Unlock()
	if err := s.disconnect(); err != nil {
		log.Printf("<%s> disconnect before reconnect: %v", s.name, err)
	}
	return s.connect(ctx)
}

func (s *serviceConnection) markFailed(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.lastError = err
	s.mu.Unlock()
}

func (s *serviceConnection) recordCall(latency time.Duration, err error) {
	s.mu.Lock()
	s.stats.calls++
	s.stats.totalLatency += latency
	if err != nil {
		s.stats.failures++
	}
	s.mu.Unlock()
}

// takeStats returns and resets the call counters accumulated since the last
// health check window.
func (s *serviceConnection) takeStats() connStats {
	s.mu.Lock()
	out := s.stats
	s.stats = connStats{}
	s.mu.Unlock()
	return out
}

func (s *serviceConnection) currentState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *serviceConnection) snapshotTools() []mcp.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

func (s *serviceConnection) setRetryCount(n int) {
	s.mu.Lock()
	s.retryCount = n
	s.mu.Unlock()
}

// BackendStatus is the externally visible snapshot of one connection record.
type BackendStatus struct {
	Name       string          `json:"name"`
	State      ConnectionState `json:"state"`
	ToolCount  int             `json:"toolCount"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

func (s *serviceConnection) status() BackendStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := BackendStatus{
		Name:       s.name,
		State:      s.state,
		ToolCount:  len(s.tools),
		RetryCount: s.retryCount,
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}
