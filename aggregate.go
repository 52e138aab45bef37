package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	aggregateSeparator = "__"
	aggregateStopGrace = 5 * time.Second
	aggregateLineLimit = 16 << 20
)

var errChildExited = errors.New("subprocess exited")

type childInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type childOutbound struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type childPending struct {
	ch       chan *childInbound
	deadline time.Time
}

// childBackend is one spawned subprocess speaking newline-delimited JSON-RPC
// over its standard streams. Requests are tagged with fresh uuid ids and
// matched back through the pending table; an exit settles every outstanding
// call and marks the backend unready.
type childBackend struct {
	name string
	conf *BackendConfig
	cmd  *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	pending map[string]*childPending
	ready   bool
	tools   []mcp.Tool

	exited chan struct{}
}

func newChildBackend(name string, conf *BackendConfig) *childBackend {
	return &childBackend{
		name:    name,
		conf:    conf,
		pending: make(map[string]*childPending),
		exited:  make(chan struct{}),
	}
}

func (c *childBackend) start() error {
	if c.conf.Command == "" {
		return fmt.Errorf("backend %q: subprocess aggregation needs a command", c.name)
	}
	cmd := exec.Command(c.conf.Command, c.conf.Args...)
	cmd.Env = mergedEnv(c.conf.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", c.conf.Command, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	go c.readLoop(stdout)
	go c.stderrLoop(stderr)
	go func() {
		err := cmd.Wait()
		log.Printf("<%s> subprocess exited: %v", c.name, err)
		c.markExited()
	}()
	return nil
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// readLoop frames stdout into lines; a partial line stays buffered until the
// newline arrives. Non-JSON lines are dropped with a diagnostic.
func (c *childBackend) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), aggregateLineLimit)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg childInbound
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("<%s> dropping unparseable line: %v", c.name, err)
			continue
		}
		if msg.ID == "" {
			if msg.Method != "" {
				log.Printf("<%s> notification %s", c.name, msg.Method)
			}
			continue
		}
		c.mu.Lock()
		slot, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			log.Printf("<%s> response for unknown id %s", c.name, msg.ID)
			continue
		}
		select {
		case slot.ch <- &msg:
		default:
		}
	}
	c.markExited()
}

func (c *childBackend) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64<<10), aggregateLineLimit)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Printf("<%s> stderr: %s", c.name, line)
		}
	}
}

// markExited is safe to call from the wait goroutine and the read loop; the
// first caller wins. All pending calls settle with errChildExited.
func (c *childBackend) markExited() {
	c.mu.Lock()
	select {
	case <-c.exited:
		c.mu.Unlock()
		return
	default:
	}
	close(c.exited)
	c.ready = false
	c.tools = nil
	c.pending = make(map[string]*childPending)
	c.mu.Unlock()
}

func (c *childBackend) call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.exited:
		return fmt.Errorf("%w: %s", errChildExited, c.name)
	default:
	}

	id := uuid.New().String()
	slot := &childPending{ch: make(chan *childInbound, 1)}
	if deadline, ok := ctx.Deadline(); ok {
		slot.deadline = deadline
	}
	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(childOutbound{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.exited:
		return fmt.Errorf("%w: %s", errChildExited, c.name)
	case resp := <-slot.ch:
		if resp.Error != nil {
			return fmt.Errorf("backend error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (c *childBackend) notify(method string, params any) error {
	return c.write(childOutbound{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *childBackend) write(msg childOutbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("%w: %s", errChildExited, c.name)
	}
	_, err = c.stdin.Write(payload)
	return err
}

func (c *childBackend) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": fallbackProtocolVersion,
		"clientInfo":      map[string]any{"name": "mcp-gateway", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}
	var initResult struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := c.call(ctx, "initialize", params, &initResult); err != nil {
		return err
	}
	if _, err := negotiateProtocolVersion(initResult.ProtocolVersion); err != nil {
		return err
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}

	var listResult mcp.ListToolsResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &listResult); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.tools = listResult.Tools
	c.mu.Unlock()
	log.Printf("<%s> subprocess ready, %d tools", c.name, len(listResult.Tools))
	return nil
}

func (c *childBackend) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *childBackend) snapshotTools() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// stop asks politely first. If the process ignores SIGTERM past the grace
// period it gets SIGKILL.
func (c *childBackend) stop() {
	cmd := c.cmd
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-c.exited:
		return
	default:
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-c.exited:
	case <-time.After(aggregateStopGrace):
		log.Printf("<%s> subprocess ignored SIGTERM, killing", c.name)
		_ = cmd.Process.Kill()
		<-c.exited
	}
}

// aggregator is the subprocess aggregation path: every backend runs as a
// spawned child and tool names carry a fixed "__" prefix separator. It
// satisfies the same dispatch contract as the gateway facade.
type aggregator struct {
	conf *GatewayConfig

	mu       sync.Mutex
	children map[string]*childBackend
}

func newAggregator(conf *GatewayConfig) *aggregator {
	return &aggregator{
		conf:     conf,
		children: make(map[string]*childBackend),
	}
}

func (a *aggregator) start(ctx context.Context, backends map[string]*BackendConfig) error {
	for name, conf := range backends {
		child := newChildBackend(name, conf)
		if err := child.start(); err != nil {
			log.Printf("<%s> failed to spawn: %v", name, err)
			if conf.panicIfInvalid() {
				return err
			}
			continue
		}
		ictx, cancel := context.WithTimeout(ctx, conf.timeout())
		err := child.initialize(ictx)
		cancel()
		if err != nil {
			log.Printf("<%s> failed to initialize: %v", name, err)
			child.stop()
			if conf.panicIfInvalid() {
				return err
			}
			continue
		}
		a.mu.Lock()
		a.children[name] = child
		a.mu.Unlock()
	}
	return nil
}

func (a *aggregator) stop() {
	a.mu.Lock()
	children := make([]*childBackend, 0, len(a.children))
	for _, child := range a.children {
		children = append(children, child)
	}
	a.children = make(map[string]*childBackend)
	a.mu.Unlock()
	for _, child := range children {
		child.stop()
	}
}

func (a *aggregator) toolDescriptors() []map[string]any {
	a.mu.Lock()
	names := make([]string, 0, len(a.children))
	for name := range a.children {
		names = append(names, name)
	}
	children := make(map[string]*childBackend, len(a.children))
	for name, child := range a.children {
		children[name] = child
	}
	a.mu.Unlock()
	sort.Strings(names)

	result := make([]map[string]any, 0)
	for _, name := range names {
		child := children[name]
		if !child.isReady() {
			continue
		}
		for _, tool := range child.snapshotTools() {
			if tool.Name == "" {
				continue
			}
			entry := NamespacedTool{ServiceName: name, OriginalName: tool.Name, Tool: tool}
			result = append(result, toolDescriptor(entry, aggregateSeparator, nil))
		}
	}
	return result
}

func (a *aggregator) CallTool(ctx context.Context, visibleName string, args any) (*mcp.CallToolResult, error) {
	serviceName, originalName, found := strings.Cut(visibleName, aggregateSeparator)
	if !found || serviceName == "" || originalName == "" {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, visibleName)
	}
	a.mu.Lock()
	child, ok := a.children[serviceName]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	if !child.isReady() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, serviceName)
	}

	cctx, cancel := context.WithTimeout(ctx, child.conf.timeout())
	defer cancel()
	var raw json.RawMessage
	params := map[string]any{"name": originalName}
	if args != nil {
		params["arguments"] = args
	}
	if err := child.call(cctx, "tools/call", params, &raw); err != nil {
		return nil, err
	}
	return mcp.ParseCallToolResult(&raw)
}
