package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"taskman/internal/logging"
	"taskman/internal/tmux"
)

// ExitMarker prefixes the line the session wrapper prints when the agent
// process exits: "[taskman-exit] code=<n>".
const ExitMarker = "[taskman-exit]"

type LaunchConfig struct {
	// Command is the agent invocation; the prompt is appended as its final
	// argument.
	Command string
	// SessionIDFlag, when set, passes the minted conversation id to the
	// agent (e.g. "--session-id").
	SessionIDFlag string
	Width         int
	Height        int
	SpawnWait     time.Duration
	PollInterval  time.Duration
	Env           []string
}

type Launcher struct {
	runtime SessionRuntime
	layout  Layout
	cfg     LaunchConfig
	logger  *slog.Logger
}

func NewLauncher(runtime SessionRuntime, layout Layout, cfg LaunchConfig, logger *slog.Logger) *Launcher {
	if cfg.SpawnWait <= 0 {
		cfg.SpawnWait = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Launcher{runtime: runtime, layout: layout, cfg: cfg, logger: logger}
}

// Launch starts the session for t and waits, bounded by SpawnWait, until the
// session is observed alive or has already left its exit marker. It never
// waits for the agent to finish.
func (l *Launcher) Launch(ctx context.Context, t Task) error {
	name := SessionNameFor(t.TaskID)
	exists, err := l.runtime.HasSession(name)
	if err != nil {
		return fmt.Errorf("%w: probe session %s: %v", ErrLaunchFailed, name, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrSessionNameCollision, name)
	}
	if err := os.MkdirAll(l.layout.Dir(t.TaskID), 0o755); err != nil {
		return fmt.Errorf("%w: create task dir: %v", ErrLaunchFailed, err)
	}
	if err := os.WriteFile(l.layout.PromptPath(t.TaskID), []byte(t.Prompt), 0o600); err != nil {
		return fmt.Errorf("%w: write prompt: %v", ErrLaunchFailed, err)
	}
	if err := l.runtime.NewSession(tmux.SessionOptions{
		Name:    name,
		Dir:     t.Workdir,
		Width:   l.cfg.Width,
		Height:  l.cfg.Height,
		Command: l.BuildCommand(t),
		Env:     l.cfg.Env,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	pipe := "cat >> " + tmux.ShellQuote(l.layout.OutputPath(t.TaskID))
	if err := l.runtime.StartPipePane(name, pipe); err != nil {
		// The exit marker is still appended by the wrapper, so the task
		// stays classifiable; only the terminal log loses its body.
		l.logger.Warn("pipe-pane failed", "task_id", t.TaskID, "session", name, "err", err)
	}
	return l.waitSpawn(ctx, t.TaskID, name)
}

func (l *Launcher) waitSpawn(ctx context.Context, taskID, name string) error {
	deadline := time.NewTimer(l.cfg.SpawnWait)
	defer deadline.Stop()
	tick := time.NewTicker(l.cfg.PollInterval)
	defer tick.Stop()
	for {
		alive, err := l.runtime.HasSession(name)
		if err == nil && alive {
			return nil
		}
		if _, ok := readExitMarker(l.layout.OutputPath(taskID)); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLaunchFailed, ctx.Err())
		case <-deadline.C:
			if err != nil {
				return fmt.Errorf("%w: session %s did not start: %v", ErrLaunchFailed, name, err)
			}
			return fmt.Errorf("%w: session %s did not start", ErrLaunchFailed, name)
		case <-tick.C:
		}
	}
}

// BuildCommand returns the shell command run inside the session. The prompt
// is read from its file so arbitrary text never needs shell escaping, and the
// wrapper appends the exit marker to the output log even if pipe-pane
// attached too late to see it.
func (l *Launcher) BuildCommand(t Task) string {
	agent := strings.TrimSpace(l.cfg.Command)
	if flag := strings.TrimSpace(l.cfg.SessionIDFlag); flag != "" && t.SessionConversationID != "" {
		agent += " " + flag + " " + tmux.ShellQuote(t.SessionConversationID)
	}
	agent += ` "$(cat ` + tmux.ShellQuote(l.layout.PromptPath(t.TaskID)) + `)"`
	script := agent + `; code=$?; printf '\n` + ExitMarker + ` code=%d\n' "$code" | tee -a ` + tmux.ShellQuote(l.layout.OutputPath(t.TaskID))
	return "sh -c " + tmux.ShellQuote(script)
}

func isCollision(err error) bool {
	return errors.Is(err, ErrSessionNameCollision)
}
