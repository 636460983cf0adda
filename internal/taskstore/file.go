// Package taskstore persists task records for the registry.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"taskman/internal/task"
)

const recordFileName = "task.json"

// FileStore keeps one JSON record per task at <root>/<task_id>/task.json,
// next to the task's prompt file and output log.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Save(t task.Task) error {
	if !task.ValidTaskID(t.TaskID) {
		return fmt.Errorf("invalid task id %q", t.TaskID)
	}
	dir := filepath.Join(s.root, t.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomically(filepath.Join(dir, recordFileName), t)
}

func (s *FileStore) LoadAll(onSkip func(taskID string, err error)) ([]task.Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []task.Task{}, nil
		}
		return nil, err
	}
	out := make([]task.Task, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		t, err := s.load(id)
		if err != nil {
			if onSkip != nil {
				onSkip(id, err)
			}
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *FileStore) load(id string) (task.Task, error) {
	b, err := os.ReadFile(filepath.Join(s.root, id, recordFileName))
	if err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return task.Task{}, fmt.Errorf("decode record: %w", err)
	}
	if t.TaskID != id {
		return task.Task{}, errors.New("record id does not match its directory")
	}
	if t.Followups == nil {
		t.Followups = []task.Followup{}
	}
	return t, nil
}

func writeJSONAtomically(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ task.RecordStore = (*FileStore)(nil)
