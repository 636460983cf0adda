package task

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Relay types follow-up prompts into live sessions.
//
// The liveness check and the injection run under the same record lock, so a
// follow-up either lands in a session that was alive when checked or fails
// with ErrSessionEnded. If the session exits between the check and the
// keystrokes, tmux rejects the send and the task is reconciled before the
// error is returned; nothing is appended in that case.
type Relay struct {
	registry   *Registry
	runtime    SessionRuntime
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// Send injects prompt as typed; surrounding whitespace is kept.
func (m *Relay) Send(taskID, prompt string) (Task, Followup, error) {
	if strings.TrimSpace(prompt) == "" {
		return Task{}, Followup{}, ErrInvalidPrompt
	}
	var sent Followup
	var injected bool
	updated, err := m.registry.Update(taskID, func(t *Task) (bool, error) {
		changed, err := m.reconciler.reconcileLocked(t)
		if err != nil {
			return false, err
		}
		if t.Status != StatusRunning {
			return changed, nil
		}
		if err := m.inject(t.SessionName, prompt); err != nil {
			alive, probeErr := m.runtime.HasSession(t.SessionName)
			if probeErr != nil || alive {
				return false, fmt.Errorf("inject follow-up into %s: %w", t.SessionName, err)
			}
			return m.reconciler.reconcileLocked(t)
		}
		sent = Followup{Prompt: prompt, SentAt: m.now().UTC()}
		if err := t.appendFollowup(sent); err != nil {
			return false, err
		}
		injected = true
		return true, nil
	})
	if err != nil {
		return Task{}, Followup{}, err
	}
	if !injected {
		return updated, Followup{}, fmt.Errorf("%w: task %s is %s", ErrSessionEnded, updated.TaskID, updated.Status)
	}
	m.logger.Info("follow-up sent", "task_id", taskID, "followups", len(updated.Followups))
	return updated, sent, nil
}

func (m *Relay) inject(session, prompt string) error {
	if err := m.runtime.SendInput(session, prompt); err != nil {
		return err
	}
	return m.runtime.SendKeys(session, "Enter")
}
