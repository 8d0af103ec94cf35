package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/matterdesk/protoflow/pkg/repair"
)

// Append writes a new error log entry.
func (s *FS) Append(entry *repair.ErrorEntry) error {
	return writeJSON(s.errorPath(entry.ErrorID), entry)
}

// Update rewrites an existing entry in place.
func (s *FS) Update(entry *repair.ErrorEntry) error {
	if _, err := os.Stat(s.errorPath(entry.ErrorID)); err != nil {
		return fmt.Errorf("error %q not found", entry.ErrorID)
	}
	return writeJSON(s.errorPath(entry.ErrorID), entry)
}

// Get reads one error entry.
func (s *FS) Get(errorID string) (*repair.ErrorEntry, error) {
	var entry repair.ErrorEntry
	if err := readJSON(s.errorPath(errorID), &entry); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error %q not found", errorID)
		}
		return nil, err
	}
	return &entry, nil
}

// ByFingerprint returns every entry sharing the fingerprint, oldest first.
func (s *FS) ByFingerprint(fingerprint string) ([]*repair.ErrorEntry, error) {
	entries, err := os.ReadDir(filepath.Join(s.BaseDir, "errors"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}

	var out []*repair.ErrorEntry
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		entry, err := s.Get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if entry.Fingerprint() == fingerprint {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Reviews exposes the review-task view of the store. It is a separate
// type because its List clashes with the execution store's.
func (s *FS) Reviews() *Reviews {
	return &Reviews{fs: s}
}

// Reviews persists escalation review tasks.
type Reviews struct {
	fs *FS
}

// Create persists a review task.
func (r *Reviews) Create(task *repair.ReviewTask) error {
	return writeJSON(filepath.Join(r.fs.BaseDir, "reviews", task.TaskID+".json"), task)
}

// List returns every review task, oldest first.
func (r *Reviews) List() ([]*repair.ReviewTask, error) {
	entries, err := os.ReadDir(filepath.Join(r.fs.BaseDir, "reviews"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}

	var out []*repair.ReviewTask
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var task repair.ReviewTask
		if err := readJSON(filepath.Join(r.fs.BaseDir, "reviews", e.Name()), &task); err != nil {
			continue
		}
		out = append(out, &task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FS) errorPath(errorID string) string {
	return filepath.Join(s.BaseDir, "errors", errorID+".json")
}
