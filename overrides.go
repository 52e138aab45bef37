package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type toolOverrideFile struct {
	Tools   map[string]*ToolOverrideConfig   `json:"tools,omitempty"`
	Master  *toolOverrideFragment            `json:"master,omitempty"`
	Servers map[string]*toolOverrideFragment `json:"servers,omitempty"`
}

type toolOverrideFragment struct {
	Enabled *bool                          `json:"enabled,omitempty"`
	Tools   map[string]*ToolOverrideConfig `json:"tools,omitempty"`
}

// ToolOverrideConfig tweaks one tool before it enters the aggregated
// catalog. Renames are deliberately not supported: visible names stay
// derived from service + original name so uniqueness holds by construction.
type ToolOverrideConfig struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ToolOverrideSet struct {
	ToolOverrides map[string]*ToolOverrideConfig
	Master        *toolOverrideFragment
	Servers       map[string]*toolOverrideFragment
}

func loadToolOverridesFromPath(path string) (*ToolOverrideSet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	normalized, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve override path: %w", err)
	}
	data, err := os.ReadFile(normalized)
	if err != nil {
		return nil, err
	}
	var raw toolOverrideFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse override file %s: %w", normalized, err)
	}
	set := &ToolOverrideSet{
		ToolOverrides: make(map[string]*ToolOverrideConfig),
		Servers:       make(map[string]*toolOverrideFragment),
	}
	for name, cfg := range raw.Tools {
		if cfg != nil {
			set.ToolOverrides[name] = copyToolOverrideConfig(cfg)
		}
	}
	for name, fragment := range raw.Servers {
		if fragment == nil {
			continue
		}
		set.Servers[name] = copyFragment(fragment)
	}
	if raw.Master != nil {
		set.Master = copyFragment(raw.Master)
	}
	if len(set.ToolOverrides) == 0 && set.Master == nil && len(set.Servers) == 0 {
		return nil, nil
	}
	return set, nil
}

func copyToolOverrideConfig(in *ToolOverrideConfig) *ToolOverrideConfig {
	if in == nil {
		return nil
	}
	out := &ToolOverrideConfig{}
	out.Enabled = copyBoolPointer(in.Enabled)
	if in.Description != nil {
		v := *in.Description
		out.Description = &v
	}
	return out
}

func copyFragment(src *toolOverrideFragment) *toolOverrideFragment {
	if src == nil {
		return nil
	}
	dst := &toolOverrideFragment{}
	dst.Enabled = copyBoolPointer(src.Enabled)
	if len(src.Tools) > 0 {
		dst.Tools = make(map[string]*ToolOverrideConfig, len(src.Tools))
		for name, cfg := range src.Tools {
			dst.Tools[name] = copyToolOverrideConfig(cfg)
		}
	}
	return dst
}

func copyBoolPointer(in *bool) *bool {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func serverEnabled(set *ToolOverrideSet, serverName string) bool {
	if set == nil {
		return true
	}
	enabled := true
	if set.Master != nil && set.Master.Enabled != nil {
		enabled = *set.Master.Enabled
	}
	if fragment := set.Servers[serverName]; fragment != nil && fragment.Enabled != nil {
		enabled = *fragment.Enabled
	}
	return enabled
}

func fragmentToolEnabled(fragment *toolOverrideFragment, toolName string) *bool {
	if fragment == nil || fragment.Tools == nil {
		return nil
	}
	if cfg, ok := fragment.Tools[toolName]; ok && cfg != nil && cfg.Enabled != nil {
		return cfg.Enabled
	}
	if cfg, ok := fragment.Tools["*"]; ok && cfg != nil && cfg.Enabled != nil {
		return cfg.Enabled
	}
	return nil
}

func toolEnabled(set *ToolOverrideSet, serverName, toolName string) bool {
	if set == nil {
		return true
	}
	enabled := true
	if set.Master != nil && set.Master.Enabled != nil {
		enabled = *set.Master.Enabled
	}
	if flag := fragmentToolEnabled(set.Master, toolName); flag != nil {
		enabled = *flag
	}
	if fragment := set.Servers[serverName]; fragment != nil {
		if fragment.Enabled != nil {
			enabled = *fragment.Enabled
		}
		if flag := fragmentToolEnabled(fragment, toolName); flag != nil {
			enabled = *flag
		}
	}
	if cfg, ok := set.ToolOverrides["*"]; ok && cfg != nil && cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	if cfg, ok := set.ToolOverrides[toolName]; ok && cfg != nil && cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	return enabled
}

// lookupOverride resolves the most specific override for a tool: the
// per-server fragment wins over the flat tool map.
func lookupOverride(set *ToolOverrideSet, serverName, toolName string) *ToolOverrideConfig {
	if set == nil {
		return nil
	}
	if fragment := set.Servers[serverName]; fragment != nil && fragment.Tools != nil {
		if cfg, ok := fragment.Tools[toolName]; ok && cfg != nil {
			return cfg
		}
	}
	if cfg, ok := set.ToolOverrides[toolName]; ok && cfg != nil {
		return cfg
	}
	return nil
}
