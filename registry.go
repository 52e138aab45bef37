package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrDuplicateService = errors.New("service already registered")
	ErrUnknownService   = errors.New("unknown service")
)

// toolRouter maps externally visible tool names back to the owning backend.
// Registration, removal and catalog rebuilds all run under one lock so a
// reader never observes a tool whose service record is already gone.
type toolRouter struct {
	separator       string
	overrides       *ToolOverrideSet
	snapshotPath    string
	snapshotHistory int
	sink            EventSink

	mu       sync.RWMutex
	services map[string]*serviceConnection
	catalog  []NamespacedTool
	byName   map[string]NamespacedTool
}

func newToolRouter(gw *GatewayConfig, overrides *ToolOverrideSet, sink EventSink) *toolRouter {
	r := &toolRouter{
		separator: gw.ToolSeparator,
		overrides: overrides,
		sink:      sink,
		services:  make(map[string]*serviceConnection),
		byName:    make(map[string]NamespacedTool),
	}
	if gw.CatalogSnapshotPath != "" {
		r.snapshotPath = gw.CatalogSnapshotPath
		r.snapshotHistory = gw.SnapshotHistory
	}
	return r
}

func (r *toolRouter) addService(svc *serviceConnection) error {
	r.mu.Lock()
	if _, exists := r.services[svc.name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc.name)
	}
	r.services[svc.name] = svc
	catalog := r.rebuildLocked()
	r.mu.Unlock()
	r.afterRebuild(catalog)
	return nil
}

// removeService is idempotent; removing an absent name is a no-op. Every
// tool owned by the service leaves the catalog in the same critical section.
func (r *toolRouter) removeService(name string) *serviceConnection {
	r.mu.Lock()
	svc, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.services, name)
	catalog := r.rebuildLocked()
	r.mu.Unlock()
	r.afterRebuild(catalog)
	return svc
}

// updateService swaps the connection record for an existing backend and
// returns the old record so the caller can close it.
func (r *toolRouter) updateService(svc *serviceConnection) (*serviceConnection, error) {
	r.mu.Lock()
	old, ok := r.services[svc.name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, svc.name)
	}
	r.services[svc.name] = svc
	catalog := r.rebuildLocked()
	r.mu.Unlock()
	r.afterRebuild(catalog)
	return old, nil
}

func (r *toolRouter) service(name string) (*serviceConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

func (r *toolRouter) serviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rebuildCatalog recomputes the aggregated catalog after a connection state
// change. The full rebuild keeps the catalog consistent with the service map
// without incremental bookkeeping.
func (r *toolRouter) rebuildCatalog() {
	r.mu.Lock()
	catalog := r.rebuildLocked()
	r.mu.Unlock()
	r.afterRebuild(catalog)
}

func (r *toolRouter) rebuildLocked() []NamespacedTool {
	catalog := buildCatalog(r.services, r.overrides)
	byName := make(map[string]NamespacedTool, len(catalog))
	for _, entry := range catalog {
		byName[entry.visibleName(r.separator)] = entry
	}
	r.catalog = catalog
	r.byName = byName
	return catalog
}

// afterRebuild runs the slow side effects of a rebuild outside the router
// lock so tool calls are not stalled behind snapshot disk writes. It works
// from the freshly built slice, not the live fields.
func (r *toolRouter) afterRebuild(catalog []NamespacedTool) {
	if r.snapshotPath != "" {
		descriptors := collectToolDescriptors(catalog, r.separator, r.overrides)
		if err := writeCatalogSnapshot(r.snapshotPath, r.snapshotHistory, descriptors); err != nil {
			log.Printf("<router> snapshot write failed: %v", err)
		}
	}
	publish(r.sink, Event{Kind: EventToolsChanged, Detail: fmt.Sprintf("%d tools", len(catalog))})
}

func (r *toolRouter) getAllTools() []NamespacedTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamespacedTool, len(r.catalog))
	copy(out, r.catalog)
	return out
}

func (r *toolRouter) toolDescriptors() []map[string]any {
	r.mu.RLock()
	catalog := make([]NamespacedTool, len(r.catalog))
	copy(catalog, r.catalog)
	r.mu.RUnlock()
	return collectToolDescriptors(catalog, r.separator, r.overrides)
}

// resolve splits a visible name on the first separator and validates both
// halves against the live catalog.
func (r *toolRouter) resolve(visibleName string) (*serviceConnection, string, error) {
	serviceName, originalName, found := strings.Cut(visibleName, r.separator)
	if !found || serviceName == "" || originalName == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrToolNotFound, visibleName)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceName]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
	}
	if _, ok := r.byName[visibleName]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrToolNotFound, visibleName)
	}
	return svc, originalName, nil
}

func (r *toolRouter) callTool(ctx context.Context, visibleName string, args any) (*mcp.CallToolResult, error) {
	svc, originalName, err := r.resolve(visibleName)
	if err != nil {
		return nil, err
	}
	return svc.callTool(ctx, originalName, args)
}

func (r *toolRouter) statuses() []BackendStatus {
	r.mu.RLock()
	services := make([]*serviceConnection, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	r.mu.RUnlock()

	out := make([]BackendStatus, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
