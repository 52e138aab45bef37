package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// ===== JSON-RPC helpers =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcError(id any, code int, msg string) *jsonrpcResponse {
	return &jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg},
	}
}

func rpcOK(id any, result any) *jsonrpcResponse {
	return &jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// isNotification reports whether the request carries no id. Notifications
// never produce a response body.
func (r *jsonrpcRequest) isNotification() bool {
	return r.ID == nil
}

func errorCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrUnknownService):
		return mcp.METHOD_NOT_FOUND
	case errors.Is(err, ErrNotConnected):
		return mcp.INTERNAL_ERROR
	case errors.Is(err, context.DeadlineExceeded):
		return mcp.INTERNAL_ERROR
	default:
		return mcp.INTERNAL_ERROR
	}
}

// ===== message handler =====

// toolDispatcher is the slice of the gateway the handler needs: a catalog
// and a way to invoke one visible tool. The child-process aggregator
// satisfies the same contract.
type toolDispatcher interface {
	toolDescriptors() []map[string]any
	CallTool(ctx context.Context, visibleName string, args any) (*mcp.CallToolResult, error)
}

// messageHandler dispatches one parsed JSON-RPC request against a tool
// dispatcher. Transport concerns (framing, body limits, status codes) stay
// in http.go.
type messageHandler struct {
	conf    *GatewayConfig
	backend toolDispatcher
}

func newMessageHandler(conf *GatewayConfig, backend toolDispatcher) *messageHandler {
	return &messageHandler{conf: conf, backend: backend}
}

// validateRequest enforces the envelope rules: jsonrpc must be exactly
// "2.0", method present, id a string or number, params (when present) an
// object. A bad id is replaced with a synthesized one so the error response
// still carries a usable id.
func validateRequest(req *jsonrpcRequest) *jsonrpcResponse {
	switch req.ID.(type) {
	case string, float64, int, int64, json.Number:
	default:
		return rpcError(uuid.New().String(), mcp.INVALID_REQUEST, "Invalid id type")
	}
	if req.JSONRPC != "2.0" {
		return rpcError(req.ID, mcp.INVALID_REQUEST, "Missing or unsupported jsonrpc version")
	}
	if req.Method == "" {
		return rpcError(req.ID, mcp.INVALID_REQUEST, "Missing method")
	}
	if len(req.Params) > 0 {
		trimmed := bytes.TrimSpace(req.Params)
		if len(trimmed) > 0 && trimmed[0] != '{' && string(trimmed) != "null" {
			return rpcError(req.ID, mcp.INVALID_REQUEST, "Params must be an object")
		}
	}
	return nil
}

// handle returns nil when the request is a notification. Every non-nil
// response echoes the request id, including error responses.
func (h *messageHandler) handle(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	if req.isNotification() {
		h.handleNotification(req)
		return nil
	}
	if resp := validateRequest(req); resp != nil {
		return resp
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "tools/list":
		return rpcOK(req.ID, map[string]any{"tools": h.backend.toolDescriptors()})
	case "tools/call":
		return h.handleToolCall(ctx, req)
	case "ping":
		return rpcOK(req.ID, map[string]any{})
	case "prompts/list":
		// backends' prompts are not aggregated, only tools are
		return rpcOK(req.ID, map[string]any{"prompts": []any{}})
	case "resources/list":
		return rpcOK(req.ID, map[string]any{"resources": []any{}})
	case "resources/templates/list":
		return rpcOK(req.ID, map[string]any{"resourceTemplates": []any{}})
	default:
		log.Printf("<rpc> unsupported method=%s", req.Method)
		return rpcError(req.ID, mcp.METHOD_NOT_FOUND, "Method not found")
	}
}

func (h *messageHandler) handleNotification(req *jsonrpcRequest) {
	switch req.Method {
	case "notifications/initialized":
		log.Printf("<rpc> client initialized")
	case "":
		log.Printf("<rpc> dropping notification without method")
	default:
		log.Printf("<rpc> notification %s", req.Method)
	}
}

func (h *messageHandler) handleInitialize(req *jsonrpcRequest) *jsonrpcResponse {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &p)
	}
	version, err := negotiateProtocolVersion(p.ProtocolVersion)
	if err != nil {
		version = fallbackProtocolVersion
	}
	return rpcOK(req.ID, buildInitializeResult(h.conf, version))
}

func (h *messageHandler) handleToolCall(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcError(req.ID, mcp.INVALID_PARAMS, "Malformed params: "+err.Error())
		}
	}
	if p.Name == "" {
		return rpcError(req.ID, mcp.INVALID_PARAMS, "Missing tool name")
	}

	var args any
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return rpcError(req.ID, mcp.INVALID_PARAMS, "Malformed arguments: "+err.Error())
		}
	}

	result, err := h.backend.CallTool(ctx, p.Name, args)
	if err != nil {
		log.Printf("<rpc> tools/call %s failed: %v", p.Name, err)
		return rpcError(req.ID, errorCodeFor(err), err.Error())
	}
	return rpcOK(req.ID, result)
}
