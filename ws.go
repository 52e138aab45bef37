package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"
)

const wsReadLimit = 16 << 20

// wsClient speaks JSON-RPC 2.0 over a persistent websocket and satisfies the
// backendClient contract. Requests are correlated to responses by numeric id
// through a pending table; a slot is released exactly once whether the call
// completes, times out, or the socket dies.
type wsClient struct {
	name   string
	url    string
	header http.Header

	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan *wsInbound

	closed    chan struct{}
	closeOnce sync.Once
}

type wsOutbound struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

func newWSClient(name string, conf *BackendConfig) *wsClient {
	header := make(http.Header, len(conf.Headers)+1)
	for k, v := range conf.Headers {
		header.Set(k, v)
	}
	if conf.APIKey != "" && header.Get("Authorization") == "" {
		header.Set("Authorization", "Bearer "+conf.APIKey)
	}
	return &wsClient{
		name:    name,
		url:     conf.URL,
		header:  header,
		pending: make(map[int64]chan *wsInbound),
		closed:  make(chan struct{}),
	}
}

func (c *wsClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsReadLimit)
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.shutdown()
			return
		}
		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("<%s> websocket: dropping unparseable frame: %v", c.name, err)
			continue
		}
		if msg.ID == 0 {
			if msg.Method != "" {
				log.Printf("<%s> websocket notification %s", c.name, msg.Method)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			log.Printf("<%s> websocket: response for unknown id %d", c.name, msg.ID)
			continue
		}
		select {
		case ch <- &msg:
		default:
		}
	}
}

func (c *wsClient) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	id := c.nextID.Add(1)
	ch := make(chan *wsInbound, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(wsOutbound{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errors.New("websocket closed")
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("backend error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (c *wsClient) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	payload, err := json.Marshal(wsOutbound{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	var result mcp.InitializeResult
	if err := c.call(ctx, "initialize", req.Params, &result); err != nil {
		return nil, err
	}
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *wsClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	var result mcp.ListToolsResult
	if err := c.call(ctx, "tools/list", req.Params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *wsClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "tools/call", req.Params, &raw); err != nil {
		return nil, err
	}
	return mcp.ParseCallToolResult(&raw)
}

func (c *wsClient) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.shutdown()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}
