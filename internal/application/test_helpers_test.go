package application

import (
	"sync"

	"taskman/internal/tmux"
)

// fakeRuntime keeps every created session alive until killed.
type fakeRuntime struct {
	mu   sync.Mutex
	live map[string]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{live: map[string]bool{}}
}

func (f *fakeRuntime) NewSession(opts tmux.SessionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[opts.Name] = true
	return nil
}

func (f *fakeRuntime) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name], nil
}

func (f *fakeRuntime) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	return nil
}

func (f *fakeRuntime) SendInput(string, string) error { return nil }
func (f *fakeRuntime) SendKeys(string, ...string) error { return nil }
func (f *fakeRuntime) CaptureHistory(string, int) (string, error) { return "", nil }
func (f *fakeRuntime) StartPipePane(string, string) error { return nil }
