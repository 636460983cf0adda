package task

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"taskman/internal/logging"
)

// RecordStore persists task records. LoadAll reports unreadable records via
// onSkip and keeps going; only a failure to enumerate records is an error.
type RecordStore interface {
	Save(t Task) error
	LoadAll(onSkip func(taskID string, err error)) ([]Task, error)
}

type entry struct {
	mu   sync.Mutex
	task Task
}

// Registry is the in-memory index over persisted task records. The arena
// lock guards only the maps; each record has its own mutex, so updates to
// different tasks never serialize on each other.
type Registry struct {
	store  RecordStore
	logger *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	bySession map[string]string
}

// NewRegistry rebuilds the index from the store.
func NewRegistry(store RecordStore, logger *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Registry{
		store:     store,
		logger:    logger,
		entries:   map[string]*entry{},
		bySession: map[string]string{},
	}
	tasks, err := store.LoadAll(func(taskID string, err error) {
		logger.Warn("skipping unreadable task record", "task_id", taskID, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("load task records: %w", err)
	}
	for _, t := range tasks {
		if !ValidTaskID(t.TaskID) || !t.Status.Valid() {
			logger.Warn("skipping invalid task record", "task_id", t.TaskID, "status", t.Status)
			continue
		}
		if _, dup := r.entries[t.TaskID]; dup {
			logger.Warn("skipping duplicate task record", "task_id", t.TaskID)
			continue
		}
		t.SessionName = SessionNameFor(t.TaskID)
		r.entries[t.TaskID] = &entry{task: t.Clone()}
		r.bySession[t.SessionName] = t.TaskID
	}
	logger.Info("task registry loaded", "tasks", len(r.entries))
	return r, nil
}

// Insert registers and persists a new record. The record is indexed only
// after it is durably saved.
func (r *Registry) Insert(t Task) (Task, error) {
	return r.InsertWith(t, nil)
}

// InsertWith inserts t and then runs fn as an Update of the new record
// without releasing its lock in between. Readers of the record block until
// fn returns, so they never observe it in the state before fn ran. If fn
// fails the record stays as inserted and the error is returned with it.
func (r *Registry) InsertWith(t Task, fn func(t *Task) (bool, error)) (Task, error) {
	if !ValidTaskID(t.TaskID) {
		return Task{}, fmt.Errorf("invalid task id %q", t.TaskID)
	}
	t.SessionName = SessionNameFor(t.TaskID)
	e := &entry{task: t.Clone()}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := r.publish(e); err != nil {
		return Task{}, err
	}
	if fn == nil {
		return e.task.Clone(), nil
	}
	return r.applyLocked(e, fn)
}

func (r *Registry) publish(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, session := e.task.TaskID, e.task.SessionName
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if owner, ok := r.bySession[session]; ok {
		return fmt.Errorf("%w: %s owned by %s", ErrSessionNameCollision, session, owner)
	}
	if err := r.store.Save(e.task); err != nil {
		return fmt.Errorf("persist task %s: %w", id, err)
	}
	r.entries[id] = e
	r.bySession[session] = id
	return nil
}

func (r *Registry) Get(taskID string) (Task, error) {
	e, ok := r.lookup(taskID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// BySession resolves the task that owns a session name.
func (r *Registry) BySession(sessionName string) (Task, error) {
	r.mu.RLock()
	taskID, ok := r.bySession[sessionName]
	r.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionName)
	}
	return r.Get(taskID)
}

// List returns every task, newest first. Ties on created_at fall back to
// task id so the order is total.
func (r *Registry) List() []Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TaskID > out[j].TaskID
	})
	return out
}

// Update runs fn against a copy of the record while holding the record's
// lock. When fn reports a change the copy is persisted and then published;
// when fn or the save fails the stored record is left untouched.
func (r *Registry) Update(taskID string, fn func(t *Task) (bool, error)) (Task, error) {
	e, ok := r.lookup(taskID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.applyLocked(e, fn)
}

func (r *Registry) applyLocked(e *entry, fn func(t *Task) (bool, error)) (Task, error) {
	next := e.task.Clone()
	changed, err := fn(&next)
	if err != nil {
		return e.task.Clone(), err
	}
	if !changed {
		return e.task.Clone(), nil
	}
	next.TaskID = e.task.TaskID
	next.SessionName = e.task.SessionName
	if err := checkTransition(e.task, next); err != nil {
		return e.task.Clone(), err
	}
	if err := r.store.Save(next); err != nil {
		return e.task.Clone(), fmt.Errorf("persist task %s: %w", e.task.TaskID, err)
	}
	e.task = next
	return next.Clone(), nil
}

func (r *Registry) lookup(taskID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskID]
	return e, ok
}

// checkTransition enforces the record invariants regardless of what an
// update closure did.
func checkTransition(prev, next Task) error {
	if prev.Status.Terminal() {
		if next.Status != prev.Status {
			return fmt.Errorf("%w: %s cannot move from %s to %s", ErrAlreadyFinished, prev.TaskID, prev.Status, next.Status)
		}
		if len(next.Followups) != len(prev.Followups) {
			return fmt.Errorf("%w: task %s is %s", ErrSessionEnded, prev.TaskID, prev.Status)
		}
	}
	if !next.Status.Valid() {
		return fmt.Errorf("invalid status %q", next.Status)
	}
	if len(next.Followups) < len(prev.Followups) {
		return fmt.Errorf("followups of %s are append-only", prev.TaskID)
	}
	if next.Status.Terminal() && next.FinishedAt == nil {
		return fmt.Errorf("terminal task %s has no finished_at", prev.TaskID)
	}
	if prev.FinishedAt != nil && (next.FinishedAt == nil || !next.FinishedAt.Equal(*prev.FinishedAt)) {
		return fmt.Errorf("finished_at of %s is immutable", prev.TaskID)
	}
	return nil
}
