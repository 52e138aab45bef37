package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func postMCP(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) *jsonrpcResponse {
	t.Helper()
	var resp jsonrpcResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return &resp
}

func TestMCPEndpointToolsList(t *testing.T) {
	d := &stubDispatcher{tools: []map[string]any{{"name": "alpha.echo"}, {"name": "beta.sum"}}}
	handler := newMCPHandler(&GatewayConfig{Name: "gw", Version: "1"}, d, defaultMaxBodyBytes)

	w := postMCP(t, handler, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("MCP-Protocol-Version"); got == "" {
		t.Fatalf("missing protocol version header")
	}
	resp := decodeRPC(t, w)
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	result, _ := resp.Result.(map[string]any)
	tools, _ := result["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools = %v", result)
	}
}

func TestMCPEndpointEchoesProtocolVersionHeader(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, defaultMaxBodyBytes)
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("MCP-Protocol-Version", "2024-11-05")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("MCP-Protocol-Version"); got != "2024-11-05" {
		t.Fatalf("supported version not echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("MCP-Protocol-Version", "1999-01-01")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("MCP-Protocol-Version"); got != fallbackProtocolVersion {
		t.Fatalf("unknown version should fall back to %q, got %q", fallbackProtocolVersion, got)
	}

	w = postMCP(t, handler, body)
	if got := w.Header().Get("MCP-Protocol-Version"); got != supportedProtocolVersions[0] {
		t.Fatalf("absent header should yield %q, got %q", supportedProtocolVersions[0], got)
	}
}

func TestMCPEndpointNotificationGets204(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, defaultMaxBodyBytes)
	w := postMCP(t, handler, `{"jsonrpc":"2.0","method":"ping"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("notification response must have no body, got %q", w.Body.String())
	}
}

func TestMCPEndpointMissingVersionIs400(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, defaultMaxBodyBytes)
	w := postMCP(t, handler, `{"id":1,"method":"ping"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.INVALID_REQUEST {
		t.Fatalf("expected invalid request error, got %+v", resp)
	}
	if resp.ID == nil {
		t.Fatalf("error response must carry an id")
	}
}

func TestMCPEndpointMalformedJSONIs400(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, defaultMaxBodyBytes)
	w := postMCP(t, handler, `{"jsonrpc":"2.0",`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.PARSE_ERROR {
		t.Fatalf("expected parse error, got %+v", resp)
	}
	if resp.ID == nil {
		t.Fatalf("parse error response must carry a synthesized id")
	}
}

func TestMCPEndpointOversizedPayloadRejected(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, 32)
	big := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + strings.Repeat("x", 256) + `"}}`
	w := postMCP(t, handler, big)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != mcp.INVALID_REQUEST {
		t.Fatalf("expected invalid request for oversized body, got %+v", resp)
	}
}

func TestMCPEndpointBatchDeclined(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, defaultMaxBodyBytes)
	w := postMCP(t, handler, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var batch []jsonrpcResponse
	if err := json.Unmarshal(w.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch) != 1 || batch[0].Error == nil {
		t.Fatalf("batch response = %v", batch)
	}
}

func TestMCPEndpointRejectsGet(t *testing.T) {
	handler := newMCPHandler(&GatewayConfig{}, &stubDispatcher{}, defaultMaxBodyBytes)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := newAuthMiddleware([]string{"secret"})(next)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", w.Code)
	}
}

func TestRecoverMiddlewareConvertsPanics(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})
	handler := recoverMiddleware("test")(next)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
