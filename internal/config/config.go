// Package config loads the control plane's YAML configuration: transcript
// roots, supervisor tunables, the hub's listen address, and persisted-state
// paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration value, loaded once at startup and held
// by the core runtime for the lifetime of the process.
type Config struct {
	Hub        HubConfig        `yaml:"hub"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Paths      PathsConfig      `yaml:"paths"`
	Process    ProcessConfig    `yaml:"process"`
}

// HubConfig controls the Broadcast Hub's listener and per-client limits.
type HubConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxConnections int           `yaml:"max_connections"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	InboundRatePerSec float64    `yaml:"inbound_rate_per_sec"`
	InboundBurst      int        `yaml:"inbound_burst"`
}

// SupervisorConfig holds the timeout-sweep and shutdown tunables from §6.
type SupervisorConfig struct {
	SweepInterval                time.Duration `yaml:"sweep_interval"`
	TimeoutStarting               time.Duration `yaml:"timeout_starting"`
	TimeoutUserTurn               time.Duration `yaml:"timeout_user_turn"`
	TimeoutAssistantTurn          time.Duration `yaml:"timeout_assistant_turn"`
	TimeoutAssistantTurnAbsolute  time.Duration `yaml:"timeout_assistant_turn_absolute"`
	ShutdownGrace                 time.Duration `yaml:"shutdown_grace"`
	PendingTitleFlushDelay        time.Duration `yaml:"pending_title_flush_delay"`
}

// WatcherConfig holds the filesystem watcher's debounce windows.
type WatcherConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	DirDebounce time.Duration `yaml:"dir_debounce"`
}

// ProcessConfig describes how to spawn the per-session subprocess.
type ProcessConfig struct {
	Binary     string        `yaml:"binary"`
	KillGrace  time.Duration `yaml:"kill_grace"`
}

// PathsConfig locates on-disk state the core runtime depends on.
type PathsConfig struct {
	TranscriptsRoot string `yaml:"transcripts_root"`
	DatabasePath    string `yaml:"database_path"`
	PlansDir        string `yaml:"plans_dir"`
	PricingFile     string `yaml:"pricing_file"`
	PermissionsFile string `yaml:"permissions_file"`
}

// Load reads and parses a YAML config file, applying defaults for any
// unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyPathDefaults(cfg)
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns Default() if the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Default returns the configuration described by SPEC_FULL.md §6.
func Default() *Config {
	cfg := &Config{
		Hub: HubConfig{
			Host:              "127.0.0.1",
			Port:              8787,
			MaxConnections:    1000,
			BroadcastThrottle: 100 * time.Millisecond,
			InboundRatePerSec: 20,
			InboundBurst:      40,
		},
		Supervisor: SupervisorConfig{
			SweepInterval:                30 * time.Second,
			TimeoutStarting:              60 * time.Second,
			TimeoutUserTurn:              15 * time.Minute,
			TimeoutAssistantTurn:         2 * time.Hour,
			TimeoutAssistantTurnAbsolute: 6 * time.Hour,
			ShutdownGrace:                5 * time.Second,
			PendingTitleFlushDelay:       500 * time.Millisecond,
		},
		Watcher: WatcherConfig{
			Debounce:    200 * time.Millisecond,
			DirDebounce: 500 * time.Millisecond,
		},
		Process: ProcessConfig{
			Binary:    "claude",
			KillGrace: 2 * time.Second,
		},
	}
	applyPathDefaults(cfg)
	return cfg
}

func applyPathDefaults(cfg *Config) {
	if cfg.Paths.TranscriptsRoot == "" {
		cfg.Paths.TranscriptsRoot = filepath.Join(defaultStateDir(), "conductor", "projects")
	}
	if cfg.Paths.DatabasePath == "" {
		cfg.Paths.DatabasePath = filepath.Join(defaultStateDir(), "conductor", "conductor.db")
	}
	if cfg.Paths.PlansDir == "" {
		cfg.Paths.PlansDir = filepath.Join(defaultStateDir(), "conductor", "plans")
	}
	if cfg.Paths.PricingFile == "" {
		cfg.Paths.PricingFile = filepath.Join(defaultConfigDir(), "conductor", "pricing.yaml")
	}
	if cfg.Paths.PermissionsFile == "" {
		cfg.Paths.PermissionsFile = filepath.Join(defaultStateDir(), "conductor", "permissions.json")
	}
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state")
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the XDG-compliant default config file location.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "conductor", "config.yaml")
}

// Diff compares two configs and returns human-readable descriptions of
// what changed, for logging around a hot reload.
func Diff(old, next *Config) []string {
	var changes []string
	if old.Supervisor != next.Supervisor {
		changes = append(changes, fmt.Sprintf("supervisor: %+v -> %+v", old.Supervisor, next.Supervisor))
	}
	if old.Watcher != next.Watcher {
		changes = append(changes, fmt.Sprintf("watcher: %+v -> %+v", old.Watcher, next.Watcher))
	}
	if old.Hub.MaxConnections != next.Hub.MaxConnections {
		changes = append(changes, fmt.Sprintf("hub.max_connections: %d -> %d", old.Hub.MaxConnections, next.Hub.MaxConnections))
	}
	if old.Hub.BroadcastThrottle != next.Hub.BroadcastThrottle {
		changes = append(changes, fmt.Sprintf("hub.broadcast_throttle: %s -> %s", old.Hub.BroadcastThrottle, next.Hub.BroadcastThrottle))
	}
	if old.Hub.InboundRatePerSec != next.Hub.InboundRatePerSec {
		changes = append(changes, fmt.Sprintf("hub.inbound_rate_per_sec: %g -> %g", old.Hub.InboundRatePerSec, next.Hub.InboundRatePerSec))
	}
	if old.Hub.InboundBurst != next.Hub.InboundBurst {
		changes = append(changes, fmt.Sprintf("hub.inbound_burst: %d -> %d", old.Hub.InboundBurst, next.Hub.InboundBurst))
	}
	if old.Process != next.Process {
		changes = append(changes, fmt.Sprintf("process: %+v -> %+v", old.Process, next.Process))
	}
	if old.Paths != next.Paths {
		changes = append(changes, fmt.Sprintf("paths: %+v -> %+v", old.Paths, next.Paths))
	}
	return changes
}
