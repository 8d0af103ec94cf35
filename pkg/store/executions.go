package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/matterdesk/protoflow/pkg/runtime"
)

// Save persists the execution record, replacing any previous snapshot.
func (s *FS) Save(rec *runtime.ExecutionRecord) error {
	dir := s.executionDir(rec.ExecutionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create execution dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, "record.json"), rec)
}

// Load reads one execution record.
func (s *FS) Load(executionID string) (*runtime.ExecutionRecord, error) {
	var rec runtime.ExecutionRecord
	path := filepath.Join(s.executionDir(executionID), "record.json")
	if err := readJSON(path, &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("execution %q not found", executionID)
		}
		return nil, err
	}
	return &rec, nil
}

// List returns every persisted execution record, newest first.
func (s *FS) List() ([]*runtime.ExecutionRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, "executions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	var out []*runtime.ExecutionRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.Load(e.Name())
		if err != nil {
			continue // a half-written record should not hide the rest
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// AppendEvent appends one JSONL line to the execution's trace stream.
func (s *FS) AppendEvent(executionID string, ev runtime.TraceEvent) error {
	dir := s.executionDir(executionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create execution dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "trace.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// Trace reads back an execution's trace events.
func (s *FS) Trace(executionID string) ([]runtime.TraceEvent, error) {
	path := filepath.Join(s.executionDir(executionID), "trace.jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	var events []runtime.TraceEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev runtime.TraceEvent
		if err := dec.Decode(&ev); err != nil {
			return events, fmt.Errorf("decode trace event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *FS) executionDir(executionID string) string {
	return filepath.Join(s.BaseDir, "executions", executionID)
}
