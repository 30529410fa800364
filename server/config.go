package server

import (
	"time"

	"github.com/xiaoyuanzhu-com/devpanel/config"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

// Config holds server configuration
type Config struct {
	// Server infrastructure (immutable, requires restart)
	Port int
	Host string
	Env  string // "development" or "production"

	// Paths (immutable, requires restart)
	DatabasePath string
	SocketDir    string

	// Terminal engine
	MuxBackend     string // "tmux" or "memory"
	TmuxBinary     string
	ExitPoll       time.Duration
	Shell          string
	DefaultCwd     string
	BufferBytes    int
	TombstoneLimit int
	ClientQueue    int

	// Orphan sweep
	WorkspaceRoot string
	SweepInterval time.Duration

	// Debug settings
	DBLogQueries bool
}

// FromAppConfig derives the server config from the loaded application config
func FromAppConfig(c *config.Config) *Config {
	return &Config{
		Port:           c.Port,
		Host:           c.Host,
		Env:            c.Env,
		DatabasePath:   c.DatabasePath,
		SocketDir:      c.SocketDir,
		MuxBackend:     c.MuxBackend,
		TmuxBinary:     c.TmuxBinary,
		ExitPoll:       c.ExitPoll,
		Shell:          c.Shell,
		DefaultCwd:     c.DefaultCwd,
		BufferBytes:    c.BufferBytes,
		TombstoneLimit: c.TombstoneLimit,
		ClientQueue:    c.ClientQueue,
		WorkspaceRoot:  c.WorkspaceRoot,
		SweepInterval:  c.SweepInterval,
		DBLogQueries:   c.DBLogQueries,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// SweepEnabled reports whether the orphan sweep should run
func (c *Config) SweepEnabled() bool {
	return c.WorkspaceRoot != "" && c.SweepInterval > 0
}

// ToDBConfig converts server config to database config
func (c *Config) ToDBConfig() db.Config {
	return db.Config{
		Path:            c.DatabasePath,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0, // Never expire
		LogQueries:      c.DBLogQueries,
	}
}

// ToTmuxConfig converts server config to tmux backend config
func (c *Config) ToTmuxConfig() mux.TmuxConfig {
	return mux.TmuxConfig{
		Binary:       c.TmuxBinary,
		SocketDir:    c.SocketDir,
		PollInterval: c.ExitPoll,
	}
}

// ToTerminalConfig converts server config to session manager config
func (c *Config) ToTerminalConfig() terminal.Config {
	return terminal.Config{
		DefaultCwd:     c.DefaultCwd,
		Shell:          c.Shell,
		BufferBytes:    c.BufferBytes,
		TombstoneLimit: c.TombstoneLimit,
		WorkspaceRoot:  c.WorkspaceRoot,
	}
}

// ToSweepConfig converts server config to orphan sweep config
func (c *Config) ToSweepConfig() terminal.SweepConfig {
	return terminal.SweepConfig{
		Root:     c.WorkspaceRoot,
		Interval: c.SweepInterval,
	}
}
