package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeOverrideFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overrides.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}
	return path
}

func TestLoadToolOverridesEmptyPath(t *testing.T) {
	set, err := loadToolOverridesFromPath("")
	if err != nil || set != nil {
		t.Fatalf("empty path should yield nil set, got %v, %v", set, err)
	}
}

func TestLoadToolOverridesParsesFragments(t *testing.T) {
	path := writeOverrideFile(t, `{
		"tools": {"echo": {"enabled": false, "description": "quieter echo"}},
		"servers": {"alpha": {"enabled": true, "tools": {"sum": {"enabled": false}}}}
	}`)
	set, err := loadToolOverridesFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set == nil {
		t.Fatalf("expected a populated set")
	}
	if toolEnabled(set, "alpha", "echo") {
		t.Fatalf("echo should be disabled by the flat tool map")
	}
	if toolEnabled(set, "alpha", "sum") {
		t.Fatalf("sum should be disabled by the server fragment")
	}
	if !toolEnabled(set, "alpha", "other") {
		t.Fatalf("untouched tool should stay enabled")
	}
	override := lookupOverride(set, "beta", "echo")
	if override == nil || override.Description == nil || *override.Description != "quieter echo" {
		t.Fatalf("override lookup = %+v", override)
	}
}

func TestServerEnabledHierarchy(t *testing.T) {
	off := false
	on := true
	set := &ToolOverrideSet{
		Master:  &toolOverrideFragment{Enabled: &off},
		Servers: map[string]*toolOverrideFragment{"alpha": {Enabled: &on}},
	}
	if serverEnabled(set, "beta") {
		t.Fatalf("master off should disable unlisted servers")
	}
	if !serverEnabled(set, "alpha") {
		t.Fatalf("server fragment should override master")
	}
	if !serverEnabled(nil, "anything") {
		t.Fatalf("nil set means everything enabled")
	}
}

func TestToolEnabledWildcard(t *testing.T) {
	off := false
	on := true
	set := &ToolOverrideSet{
		ToolOverrides: map[string]*ToolOverrideConfig{
			"*":    {Enabled: &off},
			"echo": {Enabled: &on},
		},
	}
	if toolEnabled(set, "alpha", "sum") {
		t.Fatalf("wildcard should disable sum")
	}
	if !toolEnabled(set, "alpha", "echo") {
		t.Fatalf("explicit entry should beat the wildcard")
	}
}

func TestLoadToolOverridesRejectsBadJSON(t *testing.T) {
	path := writeOverrideFile(t, `{not json`)
	if _, err := loadToolOverridesFromPath(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadToolOverridesEmptyDocument(t *testing.T) {
	path := writeOverrideFile(t, `{}`)
	set, err := loadToolOverridesFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set != nil {
		t.Fatalf("empty document should yield nil set")
	}
}
