package task

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"taskman/internal/logging"
)

// Reconciler decides what happened to a running task whose session is gone.
type Reconciler struct {
	runtime SessionRuntime
	layout  Layout
	logger  *slog.Logger
	now     func() time.Time
}

func NewReconciler(runtime SessionRuntime, layout Layout, logger *slog.Logger, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{runtime: runtime, layout: layout, logger: logger, now: now}
}

// reconcileLocked must run under the record lock (inside Registry.Update).
// It reports whether t changed. A runtime probe failure leaves the task as
// it was rather than guessing an outcome.
func (c *Reconciler) reconcileLocked(t *Task) (bool, error) {
	if t.Status.Terminal() {
		return false, nil
	}
	alive, err := c.runtime.HasSession(t.SessionName)
	if err != nil {
		return false, fmt.Errorf("probe session %s: %w", t.SessionName, err)
	}
	if alive {
		return false, nil
	}
	status, message, code := c.classify(t)
	if err := t.finish(status, c.now(), message); err != nil {
		return false, err
	}
	t.ExitCode = code
	c.logger.Info("task transitioned", "task_id", t.TaskID, "from", StatusRunning, "to", status, "reason", message)
	return true, nil
}

func (c *Reconciler) classify(t *Task) (Status, string, *int) {
	if t.KillRequested {
		return StatusKilled, "", nil
	}
	code, ok := readExitMarker(c.layout.OutputPath(t.TaskID))
	if !ok {
		return StatusError, "session ended without completion marker", nil
	}
	if code != 0 {
		return StatusError, fmt.Sprintf("agent exited with code %d", code), &code
	}
	return StatusCompleted, "", &code
}

// Output returns the last n lines of a task's terminal. Live sessions are
// read from the multiplexer's buffer; ended ones from the recorded log.
func (c *Reconciler) Output(t Task, n int) (string, error) {
	if t.Status == StatusRunning {
		raw, err := c.runtime.CaptureHistory(t.SessionName, n)
		if err == nil {
			return tailLines(raw, n), nil
		}
		c.logger.Debug("capture failed, falling back to log", "task_id", t.TaskID, "err", err)
	}
	raw, err := readLogTail(c.layout.OutputPath(t.TaskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return tailLines(cleanTerminalText(raw), n), nil
}
