package application

import (
	"log/slog"

	"taskman/internal/config"
	"taskman/internal/task"
)

// StartOptions carries the loaded configuration plus optional overrides
// used by tests.
type StartOptions struct {
	Config config.Config
	Logger *slog.Logger
	// Runtime replaces the tmux adapter built from Config.Tmux.
	Runtime task.SessionRuntime
}
