package task

import "taskman/internal/tmux"

// SessionRuntime is the capability the manager needs from the terminal
// multiplexer. tmux.Adapter satisfies it; tests substitute fakes.
type SessionRuntime interface {
	NewSession(opts tmux.SessionOptions) error
	HasSession(name string) (bool, error)
	KillSession(name string) error
	SendInput(target, text string) error
	SendKeys(target string, keys ...string) error
	CaptureHistory(target string, lines int) (string, error)
	StartPipePane(target, shellCmd string) error
}

// sessionLister is implemented by runtimes that can enumerate live sessions
// in one call; the background scanner uses it to skip per-task probes.
type sessionLister interface {
	ListSessions() ([]string, error)
}

var _ SessionRuntime = (*tmux.Adapter)(nil)
