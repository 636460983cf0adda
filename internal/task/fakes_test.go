package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"taskman/internal/tmux"
)

type fakeRuntime struct {
	mu       sync.Mutex
	live     map[string]bool
	created  []tmux.SessionOptions
	inputs   map[string][]string
	captures map[string]string

	newErr   error
	probeErr error
	sendErr  error
	// squatted makes every not-yet-created session look taken by a
	// foreign process.
	squatted bool
	// onNewSession runs after a session is registered, e.g. to simulate a
	// command that exits immediately.
	onNewSession func(opts tmux.SessionOptions)
	// spawnGate, when set, holds NewSession before the session exists until
	// it is closed; spawning is signalled once NewSession is waiting.
	spawnGate chan struct{}
	spawning  chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		live:     map[string]bool{},
		inputs:   map[string][]string{},
		captures: map[string]string{},
	}
}

func (f *fakeRuntime) NewSession(opts tmux.SessionOptions) error {
	f.mu.Lock()
	gate, spawning := f.spawnGate, f.spawning
	f.mu.Unlock()
	if gate != nil {
		if spawning != nil {
			spawning <- struct{}{}
		}
		<-gate
	}
	f.mu.Lock()
	if f.newErr != nil {
		f.mu.Unlock()
		return f.newErr
	}
	f.live[opts.Name] = true
	f.created = append(f.created, opts)
	hook := f.onNewSession
	f.mu.Unlock()
	if hook != nil {
		hook(opts)
	}
	return nil
}

func (f *fakeRuntime) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return false, f.probeErr
	}
	if f.squatted {
		return true, nil
	}
	return f.live[name], nil
}

func (f *fakeRuntime) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	return nil
}

func (f *fakeRuntime) SendInput(target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.live[target] {
		return errors.New("can't find session")
	}
	f.inputs[target] = append(f.inputs[target], text)
	return nil
}

func (f *fakeRuntime) SendKeys(target string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[target] {
		return errors.New("can't find session")
	}
	return nil
}

func (f *fakeRuntime) CaptureHistory(target string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[target] {
		return "", errors.New("can't find session")
	}
	return f.captures[target], nil
}

func (f *fakeRuntime) StartPipePane(string, string) error { return nil }

func (f *fakeRuntime) ListSessions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.live))
	for name, ok := range f.live {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeRuntime) end(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
}

func (f *fakeRuntime) sentTo(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs[name]...)
}

type memStore struct {
	mu      sync.Mutex
	records map[string]Task
	saves   int
	saveErr error
	corrupt []string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]Task{}}
}

func (s *memStore) Save(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.records[t.TaskID] = t.Clone()
	return nil
}

func (s *memStore) LoadAll(onSkip func(string, error)) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.corrupt {
		onSkip(id, errors.New("corrupt record"))
	}
	out := make([]Task, 0, len(s.records))
	for _, t := range s.records {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memStore) get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	return t, ok
}

type testEnv struct {
	runtime *fakeRuntime
	store   *memStore
	layout  Layout
	manager *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rt := newFakeRuntime()
	store := newMemStore()
	reg, err := NewRegistry(store, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	layout := Layout{Root: filepath.Join(t.TempDir(), "tasks")}
	m, err := NewManager(ManagerDeps{
		Registry:       reg,
		Runtime:        rt,
		Layout:         layout,
		Launch:         LaunchConfig{Command: "agent", SessionIDFlag: "--session-id", SpawnWait: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		DefaultWorkdir: t.TempDir(),
		TailLines:      10,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return &testEnv{runtime: rt, store: store, layout: layout, manager: m}
}

// writeExit simulates the session wrapper appending its exit marker.
func writeExit(t *testing.T, layout Layout, taskID string, body string, code int) {
	t.Helper()
	if err := os.MkdirAll(layout.Dir(taskID), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	text := body + fmt.Sprintf("\n%s code=%d\n", ExitMarker, code)
	f, err := os.OpenFile(layout.OutputPath(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open output failed: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatalf("write output failed: %v", err)
	}
}

func runningTask(id string, created time.Time) Task {
	return Task{
		TaskID:                id,
		SessionConversationID: NewConversationID(),
		Prompt:                "do the thing",
		Workdir:               "/tmp",
		Status:                StatusRunning,
		CreatedAt:             created,
		Followups:             []Followup{},
	}
}
