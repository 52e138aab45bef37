package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// writeCatalogSnapshot persists the aggregated tool catalog so operators can
// diff what the gateway exposed across restarts. The latest snapshot lives at
// the configured path; when history is enabled a timestamped copy sits beside
// it and old copies get pruned.
func writeCatalogSnapshot(basePath string, historyCount int, descriptors []map[string]any) error {
	payload := map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"tools":       stampSchemaHashes(descriptors),
	}
	_, err := writeSnapshotWithHistory(stateHome(), basePath, payload, historyCount, time.Time{})
	return err
}

func stampSchemaHashes(descriptors []map[string]any) []map[string]any {
	for _, record := range descriptors {
		if hash := hashSchema(record); hash != "" {
			record["schemaHash"] = hash
		}
	}
	return descriptors
}

func hashSchema(record map[string]any) string {
	data, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeSnapshotWithHistory(home, basePath string, payload any, historyCount int, stamp time.Time) (string, error) {
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	resolvedBase, err := mkdirAllUnder(home, basePath)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if err := writeAtomic(resolvedBase, data); err != nil {
		return "", err
	}
	if historyCount > 0 {
		ts := stamp.UTC().Format("20060102-150405")
		stamped := fmt.Sprintf("%s.%s.json", strings.TrimSuffix(resolvedBase, ".json"), ts)
		if stampedPath, err := mkdirAllUnder(home, stamped); err == nil {
			_ = writeAtomic(stampedPath, data)
		}
		_ = pruneHistory(resolvedBase, historyCount)
	}
	return resolvedBase, nil
}

func pruneHistory(basePath string, keep int) error {
	if keep < 0 {
		return nil
	}
	dir := filepath.Dir(basePath)
	prefix := strings.TrimSuffix(filepath.Base(basePath), ".json") + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	history := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		full := filepath.Join(dir, name)
		if full == basePath {
			continue
		}
		history = append(history, full)
	}
	if len(history) <= keep {
		return nil
	}
	sort.Strings(history)
	for i := 0; i < len(history)-keep; i++ {
		_ = os.Remove(history[i])
	}
	return nil
}
