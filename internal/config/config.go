package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const configTOMLFileName = "config.toml"

var configFileNames = []string{configTOMLFileName, "config.yaml", "config.yml"}

type Config struct {
	ConfigDir string `toml:"-" yaml:"-"`
	DataDir   string `toml:"data_dir" yaml:"data_dir"`
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`

	Server    ServerConfig    `toml:"server" yaml:"server"`
	Tmux      TmuxConfig      `toml:"tmux" yaml:"tmux"`
	Agent     AgentConfig     `toml:"agent" yaml:"agent"`
	Output    OutputConfig    `toml:"output" yaml:"output"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Reconcile ReconcileConfig `toml:"reconcile" yaml:"reconcile"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" yaml:"listen"`
	BasePath string `toml:"base_path" yaml:"base_path"`
}

type TmuxConfig struct {
	Socket string `toml:"socket" yaml:"socket"`
	Width  int    `toml:"width" yaml:"width"`
	Height int    `toml:"height" yaml:"height"`
}

type AgentConfig struct {
	Command        string `toml:"command" yaml:"command"`
	SessionIDFlag  string `toml:"session_id_flag" yaml:"session_id_flag"`
	DefaultWorkdir string `toml:"default_workdir" yaml:"default_workdir"`
	SpawnWaitMS    int    `toml:"spawn_wait_ms" yaml:"spawn_wait_ms"`
}

type OutputConfig struct {
	TailLines        int `toml:"tail_lines" yaml:"tail_lines"`
	StreamIntervalMS int `toml:"stream_interval_ms" yaml:"stream_interval_ms"`
}

type StorageConfig struct {
	Driver     string `toml:"driver" yaml:"driver"`
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
}

type AuthConfig struct {
	TokenPath       string   `toml:"token_path" yaml:"token_path"`
	IdentityHeaders []string `toml:"identity_headers" yaml:"identity_headers"`
}

type ReconcileConfig struct {
	IntervalSeconds int `toml:"interval_seconds" yaml:"interval_seconds"`
}

var (
	defaultListen          = "127.0.0.1:4680"
	defaultBasePath        = "/api/v1"
	defaultAgentCommand    = "claude --dangerously-skip-permissions"
	defaultSessionIDFlag   = "--session-id"
	defaultIdentityHeaders = []string{"X-Auth-Request-User", "X-Auth-Request-Email", "X-Forwarded-User"}
)

// LoadConfig reads the config file and then applies environment overrides.
// TASKMAN_CONFIG names a file that must exist; otherwise the first of
// config.toml, config.yaml and config.yml in the config dir is used, if any.
func LoadConfig() (Config, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if path := strings.TrimSpace(os.Getenv("TASKMAN_CONFIG")); path != "" {
		cfg, err = loadFile(path, true)
	} else {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			if _, statErr := os.Stat(path); statErr == nil {
				cfg, err = loadFile(path, true)
				break
			}
		}
	}
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigDir = dir
	applyEnv(&cfg)
	return Normalize(cfg), nil
}

func loadFile(path string, required bool) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = toml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DataDir, "TASKMAN_DATA_DIR")
	setString(&cfg.LogLevel, "TASKMAN_LOG_LEVEL")
	setString(&cfg.LogFormat, "TASKMAN_LOG_FORMAT")
	setString(&cfg.Server.Listen, "TASKMAN_LISTEN")
	setString(&cfg.Server.BasePath, "TASKMAN_BASE_PATH")
	setString(&cfg.Tmux.Socket, "TASKMAN_TMUX_SOCKET")
	setString(&cfg.Agent.Command, "TASKMAN_AGENT_COMMAND")
	setString(&cfg.Agent.DefaultWorkdir, "TASKMAN_DEFAULT_WORKDIR")
	setString(&cfg.Storage.Driver, "TASKMAN_STORAGE_DRIVER")
	setString(&cfg.Auth.TokenPath, "TASKMAN_TOKEN_PATH")
	if v := os.Getenv("TASKMAN_RECONCILE_INTERVAL"); v != "" {
		cfg.Reconcile.IntervalSeconds = atoiOrDefault(v, 0)
	}
	if v := os.Getenv("TASKMAN_TAIL_LINES"); v != "" {
		cfg.Output.TailLines = atoiOrDefault(v, 0)
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Normalize fills defaults for every unset field.
func Normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.DataDir) == "" {
		if cfg.ConfigDir != "" {
			cfg.DataDir = filepath.Join(cfg.ConfigDir, "data")
		} else {
			cfg.DataDir = filepath.Join(os.TempDir(), "taskman")
		}
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = defaultListen
	}
	cfg.Server.BasePath = "/" + strings.Trim(strings.TrimSpace(cfg.Server.BasePath), "/")
	if cfg.Server.BasePath == "/" {
		cfg.Server.BasePath = defaultBasePath
	}
	if cfg.Tmux.Width <= 0 {
		cfg.Tmux.Width = 200
	}
	if cfg.Tmux.Height <= 0 {
		cfg.Tmux.Height = 50
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		cfg.Agent.Command = defaultAgentCommand
		if cfg.Agent.SessionIDFlag == "" {
			cfg.Agent.SessionIDFlag = defaultSessionIDFlag
		}
	}
	if strings.TrimSpace(cfg.Agent.DefaultWorkdir) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Agent.DefaultWorkdir = home
		} else {
			cfg.Agent.DefaultWorkdir = string(filepath.Separator)
		}
	}
	if cfg.Agent.SpawnWaitMS <= 0 {
		cfg.Agent.SpawnWaitMS = 2000
	}
	if cfg.Output.TailLines <= 0 {
		cfg.Output.TailLines = 50
	}
	if cfg.Output.StreamIntervalMS <= 0 {
		cfg.Output.StreamIntervalMS = 1000
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch cfg.Storage.Driver {
	case "file", "sqlite":
	default:
		cfg.Storage.Driver = "file"
	}
	if strings.TrimSpace(cfg.Storage.SQLitePath) == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.DataDir, "taskman.db")
	}
	if strings.TrimSpace(cfg.Auth.TokenPath) == "" {
		cfg.Auth.TokenPath = filepath.Join(cfg.DataDir, "auth", "api-token.json")
	}
	if len(cfg.Auth.IdentityHeaders) == 0 {
		cfg.Auth.IdentityHeaders = append([]string(nil), defaultIdentityHeaders...)
	}
	if cfg.Reconcile.IntervalSeconds < 0 {
		cfg.Reconcile.IntervalSeconds = 0
	}
	return cfg
}

func (c Config) SpawnWait() time.Duration {
	return time.Duration(c.Agent.SpawnWaitMS) * time.Millisecond
}

func (c Config) StreamInterval() time.Duration {
	return time.Duration(c.Output.StreamIntervalMS) * time.Millisecond
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

func (c Config) TasksDir() string {
	return filepath.Join(c.DataDir, "tasks")
}

func atoiOrDefault(v string, fallback int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	return n
}
