package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	opPriorityDefault = 0
	opPriorityHigh    = 10
)

// Gateway is the aggregation facade. Reads (tool listing, tool calls, status)
// go straight to the router; administrative mutations are funneled through
// the operation queue so concurrent admin calls cannot interleave on one
// backend.
type Gateway struct {
	config    *Config
	router    *toolRouter
	lifecycle *lifecycleManager
	queue     *adminQueue
	sink      EventSink
}

func newGateway(config *Config, sink EventSink) (*Gateway, error) {
	if sink == nil {
		sink = nopEventSink{}
	}
	overrides, err := loadToolOverridesFromPath(config.McpGateway.ToolOverridesPath)
	if err != nil {
		return nil, fmt.Errorf("load tool overrides: %w", err)
	}
	if overrides != nil {
		log.Printf("Loaded tool overrides from %s", config.McpGateway.ToolOverridesPath)
	}

	router := newToolRouter(config.McpGateway, overrides, sink)
	for name, backendConfig := range config.McpServers {
		if err := router.addService(newServiceConnection(name, backendConfig)); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config:    config,
		router:    router,
		lifecycle: newLifecycleManager(router, sink),
		queue:     newAdminQueue(config.McpGateway.Admin),
		sink:      sink,
	}
	return gw, nil
}

func (g *Gateway) Start(ctx context.Context) error {
	if err := g.lifecycle.StartAllServices(ctx); err != nil {
		return err
	}
	if interval := g.config.McpGateway.HealthIntervalSeconds; interval > 0 {
		g.lifecycle.StartHealthLoop(time.Duration(interval) * time.Second)
	}
	return nil
}

func (g *Gateway) Shutdown() {
	g.queue.Close()
	g.lifecycle.StopAllServices()
}

// submitAndWait runs one admin mutation through the queue and blocks for the
// outcome, then reports the post-operation status of the target.
func (g *Gateway) submitAndWait(kind OpKind, target string, priority int, run func(ctx context.Context) error) (BackendStatus, error) {
	op, err := g.queue.Submit(kind, target, priority, run)
	if err != nil {
		return BackendStatus{Name: target}, err
	}
	opErr := op.Err()
	if svc, ok := g.router.service(target); ok {
		return svc.status(), opErr
	}
	return BackendStatus{Name: target, State: StateDisconnected}, opErr
}

func (g *Gateway) AddBackend(name string, conf *BackendConfig) (BackendStatus, error) {
	if err := validateBackend(name, conf, g.config.McpGateway.ToolSeparator); err != nil {
		return BackendStatus{Name: name}, err
	}
	return g.submitAndWait(OpAddBackend, name, opPriorityDefault, func(ctx context.Context) error {
		svc := newServiceConnection(name, conf)
		if err := g.router.addService(svc); err != nil {
			return err
		}
		if err := svc.connect(ctx); err != nil {
			log.Printf("<%s> added but not connected: %v", name, err)
			publish(g.sink, Event{Kind: EventBackendDisconnected, Backend: name, Err: err})
			g.lifecycle.scheduleRetry(name)
			return nil
		}
		publish(g.sink, Event{Kind: EventBackendConnected, Backend: name})
		g.router.rebuildCatalog()
		return nil
	})
}

// UpdateBackend swaps the configuration of an existing backend. The old
// connection closes after the new record is registered, so the catalog never
// holds tools from both at once.
func (g *Gateway) UpdateBackend(name string, conf *BackendConfig) (BackendStatus, error) {
	if err := validateBackend(name, conf, g.config.McpGateway.ToolSeparator); err != nil {
		return BackendStatus{Name: name}, err
	}
	return g.submitAndWait(OpUpdateBackend, name, opPriorityDefault, func(ctx context.Context) error {
		g.lifecycle.clearRetry(name)
		svc := newServiceConnection(name, conf)
		old, err := g.router.updateService(svc)
		if err != nil {
			return err
		}
		if err := old.disconnect(); err != nil {
			log.Printf("<%s> close on update: %v", name, err)
		}
		if err := svc.connect(ctx); err != nil {
			log.Printf("<%s> updated but not connected: %v", name, err)
			publish(g.sink, Event{Kind: EventBackendDisconnected, Backend: name, Err: err})
			g.lifecycle.scheduleRetry(name)
			return nil
		}
		publish(g.sink, Event{Kind: EventBackendConnected, Backend: name})
		g.router.rebuildCatalog()
		return nil
	})
}

// RemoveBackend cancels queued work for the backend, stops its retry timer
// and closes the connection. Its tools leave the catalog in the same rebuild.
func (g *Gateway) RemoveBackend(name string) (BackendStatus, error) {
	g.queue.CancelTarget(name)
	return g.submitAndWait(OpRemoveBackend, name, opPriorityHigh, func(ctx context.Context) error {
		g.lifecycle.clearRetry(name)
		svc := g.router.removeService(name)
		if svc == nil {
			return nil
		}
		if err := svc.disconnect(); err != nil {
			log.Printf("<%s> close on remove: %v", name, err)
		}
		publish(g.sink, Event{Kind: EventBackendDisconnected, Backend: name})
		return nil
	})
}

func (g *Gateway) ConnectBackend(name string) (BackendStatus, error) {
	return g.submitAndWait(OpConnectBackend, name, opPriorityDefault, func(ctx context.Context) error {
		svc, ok := g.router.service(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
		if err := svc.connect(ctx); err != nil {
			return err
		}
		publish(g.sink, Event{Kind: EventBackendConnected, Backend: name})
		g.router.rebuildCatalog()
		return nil
	})
}

func (g *Gateway) DisconnectBackend(name string) (BackendStatus, error) {
	return g.submitAndWait(OpDisconnectBackend, name, opPriorityHigh, func(ctx context.Context) error {
		svc, ok := g.router.service(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
		g.lifecycle.clearRetry(name)
		if err := svc.disconnect(); err != nil {
			return err
		}
		publish(g.sink, Event{Kind: EventBackendDisconnected, Backend: name})
		g.router.rebuildCatalog()
		return nil
	})
}

func (g *Gateway) GetConnectionStatus() []BackendStatus {
	return g.router.statuses()
}

func (g *Gateway) GetAllTools() []NamespacedTool {
	return g.router.getAllTools()
}

func (g *Gateway) toolDescriptors() []map[string]any {
	return g.router.toolDescriptors()
}

func (g *Gateway) CallTool(ctx context.Context, visibleName string, args any) (*mcp.CallToolResult, error) {
	return g.router.callTool(ctx, visibleName, args)
}

func (g *Gateway) RetryStats() RetryStats {
	return g.lifecycle.retryStats()
}
