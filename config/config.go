package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"` // "development" or "production"

	// Data directory
	DataDir string `yaml:"data_dir"`

	// Database
	DatabasePath string `yaml:"database_path"`

	// Terminal engine
	MuxBackend     string        `yaml:"mux"` // "tmux" or "memory"
	SocketDir      string        `yaml:"socket_dir"`
	TmuxBinary     string        `yaml:"tmux_binary"`
	Shell          string        `yaml:"shell"`
	DefaultCwd     string        `yaml:"default_cwd"`
	BufferBytes    int           `yaml:"buffer_bytes"`
	TombstoneLimit int           `yaml:"tombstones"`
	ClientQueue    int           `yaml:"client_queue"`
	ExitPoll       time.Duration `yaml:"exit_poll"`

	// Orphan sweep
	WorkspaceRoot string        `yaml:"workspace_root"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Debug settings
	LogLevel     string `yaml:"log_level"`
	DBLogQueries bool   `yaml:"db_log_queries"`
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		loaded, err := Load(os.Getenv("DEVPANEL_CONFIG"))
		if err != nil {
			// Logging is not up yet; stderr is the only channel.
			fmt.Fprintf(os.Stderr, "config: %v, using defaults\n", err)
			loaded = defaults()
			applyEnv(loaded)
		}
		cfg = loaded
	})
	return cfg
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, in increasing order of priority.
func Load(path string) (*Config, error) {
	c := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(c)

	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "app", "devpanel", "database.sqlite")
	}
	return c, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	return &Config{
		Port: 12345,
		Host: "0.0.0.0",
		Env:  "development",

		DataDir: "./data",

		MuxBackend:     "tmux",
		SocketDir:      filepath.Join(os.TempDir(), "devpanel-tmux"),
		TmuxBinary:     "tmux",
		Shell:          shell,
		DefaultCwd:     home,
		BufferBytes:    256 * 1024,
		TombstoneLimit: 4096,
		ClientQueue:    1024,
		ExitPoll:       500 * time.Millisecond,

		SweepInterval: time.Minute,

		LogLevel: "info",
	}
}

// applyEnv overrides fields with environment variables when they are set
func applyEnv(c *Config) {
	c.Port = getEnvInt("PORT", c.Port)
	c.Host = getEnv("HOST", c.Host)
	c.Env = getEnv("ENV", c.Env)

	c.DataDir = getEnv("DEVPANEL_DATA_DIR", c.DataDir)
	c.DatabasePath = getEnv("DEVPANEL_DATABASE_PATH", c.DatabasePath)

	c.MuxBackend = getEnv("DEVPANEL_MUX", c.MuxBackend)
	c.SocketDir = getEnv("DEVPANEL_SOCKET_DIR", c.SocketDir)
	c.TmuxBinary = getEnv("DEVPANEL_TMUX", c.TmuxBinary)
	c.Shell = getEnv("DEVPANEL_SHELL", c.Shell)
	c.DefaultCwd = getEnv("DEVPANEL_DEFAULT_CWD", c.DefaultCwd)
	c.BufferBytes = getEnvInt("DEVPANEL_BUFFER_BYTES", c.BufferBytes)
	c.TombstoneLimit = getEnvInt("DEVPANEL_TOMBSTONES", c.TombstoneLimit)
	c.ClientQueue = getEnvInt("DEVPANEL_CLIENT_QUEUE", c.ClientQueue)
	c.ExitPoll = getEnvDuration("DEVPANEL_EXIT_POLL", c.ExitPoll)

	c.WorkspaceRoot = getEnv("DEVPANEL_WORKSPACE_ROOT", c.WorkspaceRoot)
	c.SweepInterval = getEnvDuration("DEVPANEL_SWEEP_INTERVAL", c.SweepInterval)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("DB_LOG_QUERIES"); v != "" {
		c.DBLogQueries = v == "1"
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// SweepEnabled reports whether the orphan sweep has a workspace root to scan
func (c *Config) SweepEnabled() bool {
	return c.WorkspaceRoot != "" && c.SweepInterval > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
