package tmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Adapter drives one tmux server, optionally isolated behind a named socket.
type Adapter struct {
	exec       Exec
	tmuxSocket string
}

type SessionOptions struct {
	Name    string
	Dir     string
	Width   int
	Height  int
	Command string
	Env     []string
}

func NewAdapter(e Exec) *Adapter {
	return &Adapter{exec: e}
}

func NewAdapterWithSocket(e Exec, socket string) *Adapter {
	return &Adapter{exec: e, tmuxSocket: strings.TrimSpace(socket)}
}

func (a *Adapter) SocketName() string {
	if a == nil {
		return ""
	}
	return a.tmuxSocket
}

// NewSession starts a detached session running opts.Command in opts.Dir.
func (a *Adapter) NewSession(opts SessionOptions) error {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return errors.New("session name is required")
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return errors.New("session dir is required")
	}
	args := []string{"new-session", "-d", "-s", name, "-c", opts.Dir}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-x", strconv.Itoa(opts.Width), "-y", strconv.Itoa(opts.Height))
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	if strings.TrimSpace(opts.Command) != "" {
		args = append(args, opts.Command)
	}
	return a.exec.Run("tmux", a.withSocket(args...)...)
}

// HasSession reports whether an exactly-named session exists. A missing tmux
// server counts as "no session", not as an error.
func (a *Adapter) HasSession(name string) (bool, error) {
	err := a.exec.Run("tmux", a.withSocket("has-session", "-t", exactTarget(name))...)
	if err == nil {
		return true, nil
	}
	if isMissingSessionErr(err) {
		return false, nil
	}
	return false, err
}

func (a *Adapter) KillSession(name string) error {
	err := a.exec.Run("tmux", a.withSocket("kill-session", "-t", exactTarget(name))...)
	if err != nil && isMissingSessionErr(err) {
		return nil
	}
	return err
}

func (a *Adapter) ListSessions() ([]string, error) {
	out, err := a.exec.Output("tmux", a.withSocket("list-sessions", "-F", "#{session_name}")...)
	if err != nil {
		if isMissingSessionErr(err) {
			return []string{}, nil
		}
		return nil, err
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// SendInput types text into the target as literal keystrokes.
func (a *Adapter) SendInput(target, text string) error {
	return a.exec.Run("tmux", a.withSocket("send-keys", "-l", "-t", target, text)...)
}

// SendKeys sends named keys such as Enter or C-c.
func (a *Adapter) SendKeys(target string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]string{"send-keys", "-t", target}, keys...)
	return a.exec.Run("tmux", a.withSocket(args...)...)
}

// CaptureHistory prints the last lines of scrollback plus the visible screen.
func (a *Adapter) CaptureHistory(target string, lines int) (string, error) {
	if lines <= 0 {
		lines = 2000
	}
	start := fmt.Sprintf("-%d", lines)
	out, err := a.exec.Output("tmux", a.withSocket("capture-pane", "-p", "-J", "-S", start, "-t", target)...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (a *Adapter) StartPipePane(target, shellCmd string) error {
	return a.exec.Run("tmux", a.withSocket("pipe-pane", "-o", "-t", target, shellCmd)...)
}

func (a *Adapter) withSocket(args ...string) []string {
	if a.tmuxSocket == "" {
		return args
	}
	return append([]string{"-L", a.tmuxSocket}, args...)
}

// exactTarget disables tmux's prefix matching for session lookups.
func exactTarget(name string) string {
	return "=" + strings.TrimSpace(name)
}

func isMissingSessionErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"can't find session", "no server running", "session not found", "error connecting to"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// ShellQuote wraps input in single quotes for POSIX shells.
func ShellQuote(input string) string {
	if input == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(input, "'", `'"'"'`) + "'"
}
