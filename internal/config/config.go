// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all server-side configuration. It is instantiated by NewConfig()
// and passed to components that need it (dependency injection).
//
// Per the environment contract the core consumes only a data-root path, a backend
// base URL advertised to runners, and per-step timeout defaults; everything else
// below is ambient (logging, storage dialect, HTTP binding) rather than domain
// configuration a runner would need.
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	DataRoot DataRootConfig `mapstructure:"data_root"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Runner   RunnerRegistryConfig `mapstructure:"runner_registry"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds HTTP/WS server configuration.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	BackendBaseURL  string   `mapstructure:"backend_base_url"` // advertised to runners for clone URLs
}

// DataRootConfig holds the persistent data root layout (spec §6 "Persistent state layout").
type DataRootConfig struct {
	Path            string `mapstructure:"path"`
	GitReposSubdir  string `mapstructure:"git_repos_subdir"`
	SnapshotsSubdir string `mapstructure:"snapshots_subdir"`
}

func (d DataRootConfig) GitReposPath() string {
	return filepath.Join(d.Path, d.GitReposSubdir)
}

func (d DataRootConfig) SnapshotsPath() string {
	return filepath.Join(d.Path, d.SnapshotsSubdir)
}

// QueueConfig holds Job Queue configuration. Priority is scaffolded but unused
// today (spec §9 open question) — the field exists so callers can set it without
// the queue needing a breaking change later, but only one tier is ever scheduled.
type QueueConfig struct {
	DefaultPriority int `mapstructure:"default_priority"`
}

// RunnerRegistryConfig holds Runner Registry timing (spec §4.E).
type RunnerRegistryConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMissesToDead int          `mapstructure:"heartbeat_misses_to_dead"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
	CancelGracePeriod    time.Duration `mapstructure:"cancel_grace_period"`
}

// PipelineConfig holds Pipeline Engine defaults (spec §4.G).
type PipelineConfig struct {
	DefaultStepTimeout     time.Duration `mapstructure:"default_step_timeout"`
	RunTimeoutOverheadPct  float64       `mapstructure:"run_timeout_overhead_pct"`
	ContextDirName         string        `mapstructure:"context_dir_name"`
}

// DebugConfig holds Debug Controller session expiry defaults (spec §4.I).
type DebugConfig struct {
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
	MaxExpiry     time.Duration `mapstructure:"max_expiry"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lazyaf/")
		v.AddConfigPath("$HOME/.lazyaf")
	}

	v.SetEnvPrefix("LAZYAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "lazyaf.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/lazyaf.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{Type: "console", Enabled: true},
			},
			Levels: map[string]string{
				"store":      "INFO",
				"githost":    "INFO",
				"eventbus":   "WARN",
				"queue":      "INFO",
				"runnerpool": "INFO",
				"cards":      "INFO",
				"pipeline":   "INFO",
				"trigger":    "INFO",
				"debugctl":   "INFO",
				"broadcast":  "INFO",
				"apiserver":  "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			BackendBaseURL: "http://127.0.0.1:8080",
		},
		DataRoot: DataRootConfig{
			Path:            "./data",
			GitReposSubdir:  "git_repos",
			SnapshotsSubdir: "snapshots",
		},
		Queue: QueueConfig{
			DefaultPriority: 0,
		},
		Runner: RunnerRegistryConfig{
			HeartbeatInterval:     5 * time.Second,
			HeartbeatMissesToDead: 3,
			AckTimeout:            30 * time.Second,
			CancelGracePeriod:     15 * time.Second,
		},
		Pipeline: PipelineConfig{
			DefaultStepTimeout:    300 * time.Second,
			RunTimeoutOverheadPct: 0.10,
			ContextDirName:        ".lazyaf-context",
		},
		Debug: DebugConfig{
			DefaultExpiry: time.Hour,
			MaxExpiry:     4 * time.Hour,
		},
	}
}

func (c *AppConfig) expandPaths() {
	if c.DataRoot.Path != "" {
		c.DataRoot.Path = expandPath(c.DataRoot.Path)
	}
}

func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *AppConfig) Validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.DataRoot.Path == "" {
		return errors.New("data_root.path is required")
	}

	if c.Runner.HeartbeatMissesToDead <= 0 {
		return errors.New("runner_registry.heartbeat_misses_to_dead must be positive")
	}

	if c.Pipeline.DefaultStepTimeout <= 0 {
		return errors.New("pipeline.default_step_timeout must be positive")
	}

	if c.Debug.MaxExpiry < c.Debug.DefaultExpiry {
		return errors.New("debug.max_expiry must be >= debug.default_expiry")
	}

	return nil
}

// GetDSN returns the database connection string for the configured driver.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
