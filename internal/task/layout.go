package task

import "path/filepath"

// Layout places per-task artifacts (prompt file, output log) under Root. The
// file record store uses the same directories for its records.
type Layout struct {
	Root string
}

func (l Layout) Dir(taskID string) string {
	return filepath.Join(l.Root, taskID)
}

func (l Layout) PromptPath(taskID string) string {
	return filepath.Join(l.Dir(taskID), "prompt.txt")
}

func (l Layout) OutputPath(taskID string) string {
	return filepath.Join(l.Dir(taskID), "output.log")
}
