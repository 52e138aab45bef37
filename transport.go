package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// backendClient is the uniform contract every transport adapter satisfies.
// The stdio, SSE and streamable-http adapters come from mcp-go; the
// websocket adapter is implemented in ws.go. Adapters never retry on their
// own; retry policy belongs to the lifecycle manager.
type backendClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

func newBackendClient(name string, conf *BackendConfig) (backendClient, error) {
	kind, err := conf.transport()
	if err != nil {
		return nil, err
	}
	switch kind {
	case transportStdio:
		envs := make([]string, 0, len(conf.Env))
		for k, v := range conf.Env {
			envs = append(envs, fmt.Sprintf("%s=%s", k, v))
		}
		return client.NewStdioMCPClient(conf.Command, envs, conf.Args...)
	case transportSSE, transportModelScopeSSE:
		headers := cloneStringMap(conf.Headers)
		if kind == transportModelScopeSSE {
			// ModelScope endpoints authenticate the event-source fetch itself.
			headers = withBearerAuth(headers, conf.APIKey)
		}
		var options []transport.ClientOption
		if len(headers) > 0 {
			options = append(options, client.WithHeaders(headers))
		}
		return client.NewSSEMCPClient(conf.URL, options...)
	case transportStreamableHTTP:
		var options []transport.StreamableHTTPCOption
		headers := withBearerAuth(cloneStringMap(conf.Headers), conf.APIKey)
		if len(headers) > 0 {
			options = append(options, transport.WithHTTPHeaders(headers))
		}
		if conf.TimeoutMs > 0 {
			options = append(options, transport.WithHTTPTimeout(conf.timeout()))
		}
		return client.NewStreamableHttpClient(conf.URL, options...)
	case transportWebSocket:
		return newWSClient(name, conf), nil
	default:
		return nil, fmt.Errorf("backend %q: unsupported transport %q", name, kind)
	}
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func withBearerAuth(headers map[string]string, apiKey string) map[string]string {
	if apiKey == "" {
		return headers
	}
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	if _, ok := headers["Authorization"]; !ok {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return headers
}
