package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigDir returns ~/.config/taskman.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TASKMAN_CONFIG_DIR")); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "taskman"), nil
}
