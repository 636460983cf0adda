package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"taskman/internal/logging"
)

const maxIDAttempts = 3

type ManagerDeps struct {
	Registry       *Registry
	Runtime        SessionRuntime
	Layout         Layout
	Launch         LaunchConfig
	DefaultWorkdir string
	TailLines      int
	Logger         *slog.Logger
	Now            func() time.Time
}

// View is a task together with a bounded tail of its terminal output.
type View struct {
	Task
	RecentOutput string `json:"recent_output"`
}

type Manager struct {
	registry   *Registry
	runtime    SessionRuntime
	layout     Layout
	launcher   *Launcher
	reconciler *Reconciler
	relay      *Relay
	logger     *slog.Logger
	now        func() time.Time

	defaultWorkdir string
	tailLines      int
}

func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if deps.Runtime == nil {
		return nil, errors.New("session runtime is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TailLines <= 0 {
		deps.TailLines = 50
	}
	logger := deps.Logger.With("module", "task")
	reconciler := NewReconciler(deps.Runtime, deps.Layout, logger, deps.Now)
	return &Manager{
		registry:   deps.Registry,
		runtime:    deps.Runtime,
		layout:     deps.Layout,
		launcher:   NewLauncher(deps.Runtime, deps.Layout, deps.Launch, logger),
		reconciler: reconciler,
		relay: &Relay{
			registry:   deps.Registry,
			runtime:    deps.Runtime,
			reconciler: reconciler,
			logger:     logger,
			now:        deps.Now,
		},
		logger:         logger,
		now:            deps.Now,
		defaultWorkdir: deps.DefaultWorkdir,
		tailLines:      deps.TailLines,
	}, nil
}

// Create records a new task and launches its session. A failed launch is not
// an error for the caller: the task is stored with status error and returned
// so the outcome stays queryable.
func (m *Manager) Create(ctx context.Context, prompt, workdir string) (Task, error) {
	if strings.TrimSpace(prompt) == "" {
		return Task{}, ErrInvalidPrompt
	}
	workdir = strings.TrimSpace(workdir)
	if workdir == "" {
		workdir = m.defaultWorkdir
	}
	if !filepath.IsAbs(workdir) {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidWorkdir, workdir)
	}
	workdir = filepath.Clean(workdir)

	// The launch runs under the new record's lock so no reader reconciles the
	// task before its session had the chance to appear.
	launch := func(t *Task) (bool, error) {
		m.logger.Info("task created", "task_id", t.TaskID, "session", t.SessionName, "workdir", workdir)
		launchErr := m.launcher.Launch(ctx, *t)
		if launchErr == nil {
			return false, nil
		}
		m.logger.Error("task launch failed", "task_id", t.TaskID, "collision", isCollision(launchErr), "err", launchErr)
		if err := t.finish(StatusError, m.now(), launchErr.Error()); err != nil {
			return false, err
		}
		return true, nil
	}
	var created Task
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		now := m.now().UTC()
		created, err = m.registry.InsertWith(Task{
			TaskID:                NewTaskID(now),
			SessionConversationID: NewConversationID(),
			Prompt:                prompt,
			Workdir:               workdir,
			Status:                StatusRunning,
			CreatedAt:             now,
			Followups:             []Followup{},
		}, launch)
		if err == nil || !errors.Is(err, ErrDuplicateTask) {
			break
		}
	}
	if err != nil {
		if created.TaskID != "" {
			return Task{}, fmt.Errorf("record launch failure of %s: %w", created.TaskID, err)
		}
		return Task{}, err
	}
	return created, nil
}

// Get reconciles the task and attaches its recent output.
func (m *Manager) Get(_ context.Context, taskID string) (View, error) {
	t, err := m.Reconcile(taskID)
	if err != nil {
		return View{}, err
	}
	out, err := m.reconciler.Output(t, m.tailLines)
	if err != nil {
		m.logger.Warn("read task output failed", "task_id", taskID, "err", err)
	}
	return View{Task: t, RecentOutput: out}, nil
}

// List reconciles every running task before returning all tasks newest
// first. A probe failure on one task is logged and that task is reported as
// last known.
func (m *Manager) List(_ context.Context) []Task {
	for _, t := range m.registry.List() {
		if t.Status != StatusRunning {
			continue
		}
		if _, err := m.Reconcile(t.TaskID); err != nil {
			m.logger.Warn("reconcile failed", "task_id", t.TaskID, "err", err)
		}
	}
	return m.registry.List()
}

// Output returns the last tail lines of the task's terminal; tail <= 0 uses
// the configured default.
func (m *Manager) Output(_ context.Context, taskID string, tail int) (string, error) {
	t, err := m.Reconcile(taskID)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = m.tailLines
	}
	return m.reconciler.Output(t, tail)
}

// OutputPath is where the task's terminal output is recorded.
func (m *Manager) OutputPath(taskID string) string {
	return m.layout.OutputPath(taskID)
}

func (m *Manager) SendFollowup(_ context.Context, taskID, prompt string) (Task, Followup, error) {
	return m.relay.Send(taskID, prompt)
}

// Kill terminates a running task's session and records it as killed. The
// task is reconciled first, so a session that already ended keeps its real
// outcome. The kill flag is persisted before the session is touched so a
// concurrent or later reconcile classifies the ended session as killed, never
// as error. Killing an already killed task returns it unchanged.
func (m *Manager) Kill(_ context.Context, taskID string) (Task, error) {
	t, err := m.registry.Update(taskID, func(t *Task) (bool, error) {
		if t.Status.Terminal() {
			return false, nil
		}
		changed, err := m.reconciler.reconcileLocked(t)
		if err != nil || t.Status.Terminal() {
			return changed, err
		}
		if t.KillRequested {
			return false, nil
		}
		t.KillRequested = true
		return true, nil
	})
	if err != nil {
		return Task{}, err
	}
	if t.Status == StatusKilled {
		return t, nil
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("%w: task %s is %s", ErrSessionEnded, t.TaskID, t.Status)
	}
	if err := m.runtime.KillSession(t.SessionName); err != nil {
		return Task{}, fmt.Errorf("kill session %s: %w", t.SessionName, err)
	}
	killed, err := m.registry.Update(taskID, func(t *Task) (bool, error) {
		if t.Status.Terminal() {
			return false, nil
		}
		if err := t.finish(StatusKilled, m.now(), ""); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return Task{}, err
	}
	m.logger.Info("task killed", "task_id", taskID, "session", killed.SessionName)
	return killed, nil
}

// Reconcile applies the exactly-once terminal transition if the task's
// session has ended and returns the current record.
func (m *Manager) Reconcile(taskID string) (Task, error) {
	t, err := m.registry.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	return m.registry.Update(taskID, m.reconciler.reconcileLocked)
}

// ReconcileAll sweeps every running task once. Runtimes that can list
// sessions are asked once per sweep and only tasks missing from the list are
// probed individually.
func (m *Manager) ReconcileAll(ctx context.Context) int {
	var live map[string]struct{}
	if lister, ok := m.runtime.(sessionLister); ok {
		if names, err := lister.ListSessions(); err == nil {
			live = make(map[string]struct{}, len(names))
			for _, name := range names {
				live[name] = struct{}{}
			}
		}
	}
	transitioned := 0
	for _, t := range m.registry.List() {
		if ctx.Err() != nil {
			break
		}
		if t.Status != StatusRunning {
			continue
		}
		if live != nil {
			if _, ok := live[t.SessionName]; ok {
				continue
			}
		}
		updated, err := m.Reconcile(t.TaskID)
		if err != nil {
			m.logger.Warn("reconcile failed", "task_id", t.TaskID, "err", err)
			continue
		}
		if updated.Status.Terminal() {
			transitioned++
		}
	}
	return transitioned
}

// RunScanner sweeps on every interval tick until ctx ends.
func (m *Manager) RunScanner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.ReconcileAll(ctx); n > 0 {
				m.logger.Info("scanner reconciled tasks", "transitioned", n)
			}
		}
	}
}
