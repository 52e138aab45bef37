package main

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// NamespacedTool wraps one backend tool with its owning service. The
// externally visible name is serviceName + separator + originalName, which
// keeps the aggregated catalog collision-free as long as service names are
// unique.
type NamespacedTool struct {
	ServiceName  string
	OriginalName string
	Tool         mcp.Tool
}

func (t NamespacedTool) visibleName(sep string) string {
	return t.ServiceName + sep + t.OriginalName
}

// buildCatalog recomputes the whole aggregated catalog from the current
// service map. It is cheap and idempotent so the router can rebuild it on
// every mutating event instead of patching incrementally.
func buildCatalog(services map[string]*serviceConnection, overrides *ToolOverrideSet) []NamespacedTool {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	catalog := make([]NamespacedTool, 0)
	for _, serviceName := range names {
		if !serverEnabled(overrides, serviceName) {
			continue
		}
		seen := make(map[string]struct{})
		for _, tool := range services[serviceName].snapshotTools() {
			if tool.Name == "" {
				continue
			}
			if _, dup := seen[tool.Name]; dup {
				continue
			}
			seen[tool.Name] = struct{}{}
			if !toolEnabled(overrides, serviceName, tool.Name) {
				continue
			}
			catalog = append(catalog, NamespacedTool{
				ServiceName:  serviceName,
				OriginalName: tool.Name,
				Tool:         tool,
			})
		}
	}
	return catalog
}

func toolDescriptor(entry NamespacedTool, sep string, overrides *ToolOverrideSet) map[string]any {
	tool := entry.Tool
	descriptor := map[string]any{
		"name": entry.visibleName(sep),
	}
	if tool.Description != "" {
		descriptor["description"] = tool.Description
	}
	if override := lookupOverride(overrides, entry.ServiceName, entry.OriginalName); override != nil && override.Description != nil {
		descriptor["description"] = *override.Description
	}
	if len(tool.RawInputSchema) > 0 {
		descriptor["inputSchema"] = tool.RawInputSchema
	} else if tool.InputSchema.Type != "" || len(tool.InputSchema.Properties) > 0 || len(tool.InputSchema.Required) > 0 {
		descriptor["inputSchema"] = tool.InputSchema
	} else {
		descriptor["inputSchema"] = map[string]any{"type": "object"}
	}
	return descriptor
}

func collectToolDescriptors(catalog []NamespacedTool, sep string, overrides *ToolOverrideSet) []map[string]any {
	result := make([]map[string]any, 0, len(catalog))
	for _, entry := range catalog {
		result = append(result, toolDescriptor(entry, sep, overrides))
	}
	sort.Slice(result, func(i, j int) bool {
		a, _ := result[i]["name"].(string)
		b, _ := result[j]["name"].(string)
		return a < b
	})
	return result
}

func buildInitializeResult(gw *GatewayConfig, protocolVersion string) map[string]any {
	capabilities := map[string]any{
		"tools": map[string]any{"listChanged": true},
	}
	serverInfo := map[string]any{
		"name":    "",
		"version": "",
	}
	if gw != nil {
		serverInfo["name"] = gw.Name
		serverInfo["version"] = gw.Version
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      serverInfo,
		"capabilities":    capabilities,
	}
}
