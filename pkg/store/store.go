// Package store persists protocols, execution records, error logs, and
// review tasks on the local filesystem under a single base directory
// (default .protoflow/). Layout:
//
//	protocols/<name>/v<version>.yaml
//	executions/<execution_id>/record.json
//	executions/<execution_id>/trace.jsonl
//	errors/<error_id>.json
//	reviews/<task_id>.json
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBaseDir is the artifact root when the caller does not override it.
const DefaultBaseDir = ".protoflow"

// FS is the filesystem store. One FS value serves all four persistence
// concerns; constructors for each live in their own files.
type FS struct {
	BaseDir string
}

// New returns a filesystem store rooted at baseDir, creating it if needed.
func New(baseDir string) (*FS, error) {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	for _, sub := range []string{"protocols", "executions", "errors", "reviews"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &FS{BaseDir: baseDir}, nil
}

// writeJSON atomically-ish persists v as indented JSON: write to a temp
// file in the same directory, then rename over the target.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
