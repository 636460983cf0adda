package task

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusKilled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

type Followup struct {
	Prompt string    `json:"prompt"`
	SentAt time.Time `json:"sent_at"`
}

type Task struct {
	TaskID                string     `json:"task_id"`
	SessionConversationID string     `json:"session_conversation_id"`
	Prompt                string     `json:"prompt"`
	Workdir               string     `json:"workdir"`
	Status                Status     `json:"status"`
	CreatedAt             time.Time  `json:"created_at"`
	FinishedAt            *time.Time `json:"finished_at"`
	SessionName           string     `json:"session_name"`
	Followups             []Followup `json:"followups"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	KillRequested         bool       `json:"kill_requested,omitempty"`
	ExitCode              *int       `json:"exit_code,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with
// the registry's arena.
func (t Task) Clone() Task {
	out := t
	if t.FinishedAt != nil {
		at := *t.FinishedAt
		out.FinishedAt = &at
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		out.ExitCode = &code
	}
	out.Followups = append([]Followup{}, t.Followups...)
	return out
}

// finish applies the single allowed terminal transition.
func (t *Task) finish(status Status, at time.Time, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish %s: %q is not a terminal status", t.TaskID, status)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("finish %s: %w (already %s)", t.TaskID, ErrAlreadyFinished, t.Status)
	}
	at = at.UTC()
	t.Status = status
	t.FinishedAt = &at
	if status == StatusError {
		t.ErrorMessage = message
	}
	return nil
}

func (t *Task) appendFollowup(f Followup) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: task %s is %s", ErrSessionEnded, t.TaskID, t.Status)
	}
	t.Followups = append(t.Followups, f)
	return nil
}

// SessionNameFor derives the session name owned by a task. It is the only
// way a session name is produced, so task and session lookups always agree.
func SessionNameFor(taskID string) string {
	return "task-" + taskID
}
